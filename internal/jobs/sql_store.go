package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect は SQLStore が接続する RDB の種類です。
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		document_id TEXT PRIMARY KEY,
		status      TEXT NOT NULL,
		record      TEXT NOT NULL,
		version     INTEGER NOT NULL,
		upload_time TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
}

// SQLStore はジョブを SQLite または PostgreSQL に保存します。
// 更新は version 列による compare-and-swap で行います。
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQLStore は dialect に応じたドライバで接続し、スキーマを用意します。
// SQLite の場合 dsn はデータベースファイルのパスです。
func OpenSQLStore(dialect Dialect, dsn string) (*SQLStore, error) {
	var (
		driver string
		source string
	)
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
		// 並行アクセス時の SQLITE_BUSY を避けるため busy_timeout を設定
		source = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dsn)
	case DialectPostgres:
		driver = "pgx"
		source = dsn
	default:
		return nil, fmt.Errorf("unsupported sql dialect: %q", dialect)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s dsn is required", dialect)
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	record, err := prepareCreate(job, s.now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (document_id, status, record, version, upload_time, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (document_id) DO NOTHING`),
		record.DocumentID,
		string(record.Status),
		string(payload),
		formatTime(record.UploadTime),
		formatTime(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, record.DocumentID)
	}
	*job = *record
	return nil
}

func (s *SQLStore) Get(ctx context.Context, documentID string) (*Job, error) {
	job, _, err := s.load(ctx, documentID)
	return job, err
}

func (s *SQLStore) Update(ctx context.Context, documentID string, mutate func(*Job) error) (*Job, error) {
	for i := 0; i < maxTxRetries; i++ {
		current, version, err := s.load(ctx, documentID)
		if err != nil {
			return nil, err
		}
		next, err := applyMutation(current, mutate, s.now())
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE jobs
			SET status = ?, record = ?, version = version + 1, updated_at = ?
			WHERE document_id = ? AND version = ?`),
			string(next.Status),
			string(payload),
			formatTime(next.UpdatedAt),
			documentID,
			version,
		)
		if err != nil {
			return nil, fmt.Errorf("update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return next, nil
		}
		// 他の書き込みが先行したので読み直す
	}
	return nil, fmt.Errorf("update job %s: too many concurrent writers", documentID)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) load(ctx context.Context, documentID string) (*Job, int64, error) {
	var (
		payload string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT record, version FROM jobs WHERE document_id = ?`),
		documentID,
	).Scan(&payload, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, documentID)
		}
		return nil, 0, fmt.Errorf("select job: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, 0, fmt.Errorf("decode job: %w", err)
	}
	return &job, version, nil
}

// rebind は ? プレースホルダを PostgreSQL の $n 形式に置き換えます。
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
