package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/docflow/internal/client"
)

const (
	profileFileName = ".docflowctl.yaml"
	defaultServer   = "http://localhost:8080"
)

// Profile は ~/.docflowctl.yaml に保存する接続設定です。
type Profile struct {
	Server      string        `yaml:"server"`
	APIKey      string        `yaml:"apiKey"`
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

func defaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return profileFileName
	}
	return filepath.Join(home, profileFileName)
}

// loadProfile はプロファイルを読み込みます。ファイルが無ければ既定値を返します。
// 値の中の ${VAR} は環境変数で展開します。
func loadProfile(path string) (*Profile, error) {
	p := &Profile{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read profile: %w", err)
	default:
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), p); err != nil {
			return nil, fmt.Errorf("parse profile %s: %w", path, err)
		}
	}
	p.applyDefaults()
	return p, nil
}

func (p *Profile) applyDefaults() {
	p.Server = strings.TrimRight(strings.TrimSpace(p.Server), "/")
	if p.Server == "" {
		p.Server = defaultServer
	}
	if p.Interval <= 0 {
		p.Interval = client.DefaultPollInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = client.DefaultPollMaxAttempts
	}
}
