// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアの種類
const (
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// トリガー配送の種類
const (
	TriggerAsynq  = "asynq"
	TriggerInline = "inline"
)

// 処理バックエンドの種類
const (
	ProcessingLocal  = "local"
	ProcessingRemote = "remote"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // slog のレベル (debug, info, warn, error)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	APIKeyHash string // bcryptでハッシュ化したAPIキー。空なら認証なし

	// アップロード制限
	AllowedContentTypes []string // 受け付ける Content-Type
	MaxFileSize         int64    // 単一ファイルの最大サイズ（バイト）

	// ジョブストア設定
	StoreBackend      string        // redis, sqlite, postgres, memory
	StoreRedisURL     string        // ジョブストア用Redis接続URL
	SQLitePath        string        // SQLiteファイルのパス
	PostgresDSN       string        // PostgreSQL接続文字列
	JobRetentionHours int           // ジョブの保持時間。0 なら無期限
	JobRetention      time.Duration // JobRetentionHours を Duration にしたもの

	// トリガー/キュー設定
	TriggerMode       string // asynq, inline
	QueueRedisURL     string // Asynq用Redis接続URL
	WorkerConcurrency int    // 同時に処理するジョブ数
	TriggerMaxRetry   int    // Asynq タスクの最大再試行回数

	// オブジェクトストレージ設定
	StorageDir          string        // 原本の保存先ディレクトリ
	PublicBaseURL       string        // 署名付きアップロードURLのベース
	UploadURLSecret     string        // 署名付きURLのHMAC鍵
	UploadURLTTLMinutes int           // 署名付きURLの有効期限（分）
	UploadURLTTL        time.Duration // UploadURLTTLMinutes を Duration にしたもの

	// パイプライン設定
	StageMaxAttempts      int           // ステージごとの最大試行回数
	StageBackoffInitial   time.Duration // 初回の再試行待ち
	StageBackoffMax       time.Duration // 再試行待ちの上限
	StageBackoffMulti     float64       // 再試行ごとの待ち時間の倍率
	StageTimeout          time.Duration // 処理能力呼び出し1回の上限
	ProcessingBackend     string        // local, remote
	OCREndpoint           string        // remote OCR のURL
	ClassifyEndpoint      string        // remote 分類のURL
	SummarizeEndpoint     string        // remote 要約のURL
	ProcessingAPIKey      string        // remote 呼び出し用のAPIキー
	uploadSecretGenerated bool
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 認証設定
		APIKeyHash: getEnv("API_KEY_HASH", ""),

		// アップロード制限
		AllowedContentTypes: getEnvAsList("ALLOWED_CONTENT_TYPES", []string{"image/jpeg", "image/png", "image/gif", "application/pdf"}),
		MaxFileSize:         getEnvAsInt64("MAX_FILE_SIZE", 10*1024*1024), // 10MB

		// ジョブストア設定
		StoreBackend:      strings.ToLower(getEnv("STORE_BACKEND", StoreRedis)),
		StoreRedisURL:     getEnv("STORE_REDIS_URL", "redis://127.0.0.1:6379/1"),
		SQLitePath:        getEnv("SQLITE_PATH", "./data/docflow.db"),
		PostgresDSN:       getEnv("POSTGRES_DSN", ""),
		JobRetentionHours: getEnvAsInt("JOB_RETENTION_HOURS", 0),

		// トリガー/キュー設定
		TriggerMode:       strings.ToLower(getEnv("TRIGGER_MODE", TriggerAsynq)),
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		TriggerMaxRetry:   getEnvAsInt("TRIGGER_MAX_RETRY", 3),

		// オブジェクトストレージ設定
		StorageDir:          getEnv("STORAGE_DIR", "./data/objects"),
		PublicBaseURL:       getEnv("PUBLIC_BASE_URL", ""),
		UploadURLSecret:     getEnv("UPLOAD_URL_SECRET", ""),
		UploadURLTTLMinutes: getEnvAsInt("UPLOAD_URL_TTL_MINUTES", 60),

		// パイプライン設定
		StageMaxAttempts:    getEnvAsInt("STAGE_MAX_ATTEMPTS", 3),
		StageBackoffInitial: getEnvAsDuration("STAGE_BACKOFF_INITIAL_MS", 500*time.Millisecond, time.Millisecond),
		StageBackoffMax:     getEnvAsDuration("STAGE_BACKOFF_MAX_MS", 10*time.Second, time.Millisecond),
		StageBackoffMulti:   getEnvAsFloat("STAGE_BACKOFF_MULTIPLIER", 2),
		StageTimeout:        getEnvAsDuration("STAGE_TIMEOUT_SECONDS", 120*time.Second, time.Second),
		ProcessingBackend:   strings.ToLower(getEnv("PROCESSING_BACKEND", ProcessingLocal)),
		OCREndpoint:         getEnv("OCR_ENDPOINT", ""),
		ClassifyEndpoint:    getEnv("CLASSIFY_ENDPOINT", ""),
		SummarizeEndpoint:   getEnv("SUMMARIZE_ENDPOINT", ""),
		ProcessingAPIKey:    getEnv("PROCESSING_API_KEY", ""),
	}

	if config.PublicBaseURL == "" {
		config.PublicBaseURL = "http://localhost:" + config.Port
	}
	config.PublicBaseURL = strings.TrimRight(config.PublicBaseURL, "/")
	config.JobRetention = time.Duration(config.JobRetentionHours) * time.Hour
	config.UploadURLTTL = time.Duration(config.UploadURLTTLMinutes) * time.Minute

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// ローカル開発では署名鍵を起動ごとに生成する
	if config.UploadURLSecret == "" {
		secret, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate upload url secret: %w", err)
		}
		config.UploadURLSecret = secret
		config.uploadSecretGenerated = true
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreRedis:
		if c.StoreRedisURL == "" {
			return fmt.Errorf("STORE_REDIS_URL is required for the redis store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.TriggerMode {
	case TriggerAsynq:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required for the asynq trigger")
		}
	case TriggerInline:
	default:
		return fmt.Errorf("unknown TRIGGER_MODE %q", c.TriggerMode)
	}

	switch c.ProcessingBackend {
	case ProcessingLocal:
	case ProcessingRemote:
		if c.OCREndpoint == "" || c.ClassifyEndpoint == "" || c.SummarizeEndpoint == "" {
			return fmt.Errorf("OCR_ENDPOINT, CLASSIFY_ENDPOINT and SUMMARIZE_ENDPOINT are required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown PROCESSING_BACKEND %q", c.ProcessingBackend)
	}

	if len(c.AllowedContentTypes) == 0 {
		return fmt.Errorf("ALLOWED_CONTENT_TYPES must not be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.StorageDir == "" {
		return fmt.Errorf("STORAGE_DIR is required")
	}
	if c.UploadURLTTLMinutes <= 0 {
		return fmt.Errorf("UPLOAD_URL_TTL_MINUTES must be positive")
	}
	if c.StageMaxAttempts <= 0 {
		return fmt.Errorf("STAGE_MAX_ATTEMPTS must be positive")
	}
	if c.StageBackoffMulti < 1 {
		return fmt.Errorf("STAGE_BACKOFF_MULTIPLIER must be at least 1")
	}

	// 本番環境では秘密情報の省略を許さない
	if c.GinMode == "release" {
		if c.UploadURLSecret == "" {
			return fmt.Errorf("UPLOAD_URL_SECRET is required in release mode")
		}
		if c.StoreBackend == StoreMemory {
			return fmt.Errorf("STORE_BACKEND=memory is not allowed in release mode")
		}
	}

	return nil
}

// UploadSecretGenerated は署名鍵を起動時に生成したかを返します。
func (c *Config) UploadSecretGenerated() bool {
	return c.uploadSecretGenerated
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は unit 単位の整数として環境変数を読み、Duration にします。
func getEnvAsDuration(key string, defaultValue, unit time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil || value < 0 {
		return defaultValue
	}
	return time.Duration(value) * unit
}

// getEnvAsList はカンマ区切りの環境変数を取得します。
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
