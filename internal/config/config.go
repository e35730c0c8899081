package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the pipeline server and the bookctl tool.
type Config struct {
	Env             string
	HTTPPort        string
	DataDir         string
	UploadDir       string
	OutputDir       string
	Workers         int
	QueueDepth      int
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	// AdminPassword gates the API through a ?password= query parameter when set.
	AdminPassword string

	ConvertServiceURL   string
	TranslateServiceURL string
	EpubServiceURL      string
	MailServiceURL      string
	UpstreamTimeout     time.Duration
	MaxDownloadBytes    int64
	CoverWidth          int
	JobKinds            []string

	OutputS3Bucket    string
	OutputS3Region    string
	OutputS3Endpoint  string
	OutputS3PathStyle bool
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:                 getEnv("APP_ENV", "dev"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		DataDir:             getEnv("DATA_DIR", "./data"),
		UploadDir:           getEnv("UPLOAD_DIR", "./uploads"),
		OutputDir:           getEnv("OUTPUT_DIR", "./output"),
		Workers:             getEnvInt("WORKERS", 4),
		QueueDepth:          getEnvInt("QUEUE_DEPTH", 256),
		ShutdownTimeout:     getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		RateLimitCapacity:   getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:     getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
		AdminPassword:       getEnv("ADMIN_PASSWORD", ""),
		ConvertServiceURL:   getEnv("CONVERT_SERVICE_URL", ""),
		TranslateServiceURL: getEnv("TRANSLATE_SERVICE_URL", ""),
		EpubServiceURL:      getEnv("EPUB_SERVICE_URL", ""),
		MailServiceURL:      getEnv("MAIL_SERVICE_URL", ""),
		UpstreamTimeout:     getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second),
		MaxDownloadBytes:    int64(getEnvInt("MAX_DOWNLOAD_BYTES", 50*1024*1024)),
		CoverWidth:          getEnvInt("COVER_WIDTH", 1600),
		JobKinds:            getEnvList("JOB_KINDS", nil),
		OutputS3Bucket:      getEnv("OUTPUT_S3_BUCKET", ""),
		OutputS3Region:      getEnv("OUTPUT_S3_REGION", "us-east-1"),
		OutputS3Endpoint:    getEnv("OUTPUT_S3_ENDPOINT", ""),
		OutputS3PathStyle:   getEnvBool("OUTPUT_S3_PATH_STYLE", false),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
