package local

import (
	"strings"
)

// contentStreamText は PDF のコンテンツストリームからリテラル文字列を拾い、行単位のテキストにします。
// フォントのエンコーディングは解釈しないため、16進文字列は読み飛ばします。
func contentStreamText(stream []byte) string {
	var (
		lines []string
		line  strings.Builder
		token strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			lines = append(lines, s)
		}
		line.Reset()
	}
	endToken := func() {
		switch token.String() {
		case "Td", "TD", "T*", "'", "\"", "ET":
			flush()
		}
		token.Reset()
	}

	for i := 0; i < len(stream); i++ {
		c := stream[i]
		switch {
		case c == '(':
			endToken()
			s, next := readLiteral(stream, i+1)
			line.WriteString(s)
			i = next
		case c == '<':
			endToken()
			if i+1 < len(stream) && stream[i+1] == '<' {
				i++
				continue
			}
			for i < len(stream) && stream[i] != '>' {
				i++
			}
		case c == '%':
			endToken()
			for i < len(stream) && stream[i] != '\n' && stream[i] != '\r' {
				i++
			}
		case c == '[' || c == ']':
			endToken()
		case isSpace(c):
			endToken()
		case c == '\'' || c == '"':
			endToken()
			token.WriteByte(c)
			endToken()
		default:
			token.WriteByte(c)
		}
	}
	endToken()
	flush()
	return strings.Join(lines, "\n")
}

// readLiteral は '(' の直後から対応する ')' までを読み、エスケープを解いた文字列と ')' の位置を返します。
func readLiteral(stream []byte, start int) (string, int) {
	var b strings.Builder
	depth := 1
	i := start
	for ; i < len(stream); i++ {
		c := stream[i]
		switch c {
		case '\\':
			if i+1 >= len(stream) {
				continue
			}
			i++
			switch e := stream[i]; e {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b', 'f':
			case '\r', '\n':
				// 行継続
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for k := 0; k < 2 && i+1 < len(stream) && stream[i+1] >= '0' && stream[i+1] <= '7'; k++ {
						i++
						v = v*8 + int(stream[i]-'0')
					}
					b.WriteByte(byte(v))
					continue
				}
				b.WriteByte(e)
			}
		case '(':
			depth++
			b.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return b.String(), i
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), i
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', 0:
		return true
	}
	return false
}
