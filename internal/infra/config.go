package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	// Filesystem roots. UploadsPath backs /uploads/ URLs; MediaOriginalPath
	// backs /media/original/; StoragePath receives final_works outputs.
	StoragePath       string
	UploadsPath       string
	MediaOriginalPath string
	PublicBaseURL     string

	// Outbound egress.
	ProxyURL    string
	GeoIPDBPath string

	// Concurrency pools.
	APIMaxConcurrency     int
	ComfyUIMaxConcurrency int

	// Work queue.
	TaskQueueMaxSize int
	TaskQueueWorkers int

	// Poll loop.
	PollWaitBefore   time.Duration
	PollInterval     time.Duration
	PollIntervalBusy time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StoragePath:       getEnv("STORAGE_PATH", "./final_works"),
		UploadsPath:       getEnv("UPLOADS_PATH", "./uploads"),
		MediaOriginalPath: getEnv("MEDIA_ORIGINAL_PATH", "./media/original"),
		PublicBaseURL:     getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		ProxyURL:          os.Getenv("HTTPS_PROXY_URL"),
		GeoIPDBPath:       os.Getenv("GEOIP_DB_PATH"),

		APIMaxConcurrency:     getEnvInt("API_MAX_CONCURRENCY", 5),
		ComfyUIMaxConcurrency: getEnvInt("COMFYUI_MAX_CONCURRENCY", 10),

		TaskQueueMaxSize: getEnvInt("TASK_QUEUE_MAX_SIZE", 100),
		TaskQueueWorkers: getEnvInt("TASK_QUEUE_WORKERS", 3),

		PollWaitBefore:   time.Second * time.Duration(getEnvInt("POLL_WAIT_BEFORE_SECONDS", 30)),
		PollInterval:     time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 10)),
		PollIntervalBusy: time.Second * time.Duration(getEnvInt("POLL_INTERVAL_BUSY_SECONDS", 5)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		AllowedOrigins:   splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
