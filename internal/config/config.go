// Package config loads process configuration from the environment,
// using a plain getenv-with-default for every optional setting but
// failing startup outright when a required SMTP variable is absent
// rather than silently defaulting to a non-working value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is every environment-sourced setting the daemon needs.
type Config struct {
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPassword string
	SMTPFrom string
	SMTPUseTLS bool

	JobStoragePath string
	DatabaseURL string

	LogLevel string
	LogFile string

	ScriptTimeout time.Duration
	APIFetchTimeout time.Duration
	WorkerPoolSize int
	HTTPAddr string
	UploadRoot string
	ShutdownTimeout time.Duration
}

// Load reads Config from the environment. Missing SMTP_* variables are
// a startup error: a misconfigured mailer is discovered at launch,
// never on the first job's failure notice.
func Load() (Config, error) {
	var missing []string
	req := func(name string) string {
		v := os.Getenv(name)
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}

	cfg := Config{
		SMTPHost: req("SMTP_HOST"),
		SMTPUser: req("SMTP_USER"),
		SMTPPassword: req("SMTP_PASSWORD"),
		SMTPFrom: req("SMTP_FROM_EMAIL"),

		JobStoragePath: getenv("JOB_STORAGE_PATH", "./data/jobs.json"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		LogLevel: getenv("LOG_LEVEL", "info"),
		LogFile: os.Getenv("LOG_FILE"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
		UploadRoot: getenv("UPLOAD_ROOT", "./data/uploads"),
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: missing required environment variables: %v", missing)
	}

	port, err := strconv.Atoi(getenv("SMTP_PORT", "587"))
	if err != nil {
		return Config{}, fmt.Errorf("config: SMTP_PORT: %w", err)
	}
	cfg.SMTPPort = port

	useTLS, err := strconv.ParseBool(getenv("SMTP_USE_TLS", "true"))
	if err != nil {
		return Config{}, fmt.Errorf("config: SMTP_USE_TLS: %w", err)
	}
	cfg.SMTPUseTLS = useTLS

	scriptTimeoutSecs, err := strconv.Atoi(getenv("SCRIPT_TIMEOUT", "300"))
	if err != nil {
		return Config{}, fmt.Errorf("config: SCRIPT_TIMEOUT: %w", err)
	}
	cfg.ScriptTimeout = time.Duration(scriptTimeoutSecs) * time.Second

	apiFetchTimeoutSecs, err := strconv.Atoi(getenv("API_FETCH_TIMEOUT", "30"))
	if err != nil {
		return Config{}, fmt.Errorf("config: API_FETCH_TIMEOUT: %w", err)
	}
	cfg.APIFetchTimeout = time.Duration(apiFetchTimeoutSecs) * time.Second

	shutdownTimeout, err := time.ParseDuration(getenv("SHUTDOWN_TIMEOUT", "10s"))
	if err != nil {
		return Config{}, fmt.Errorf("config: SHUTDOWN_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout = shutdownTimeout

	poolSize, err := strconv.Atoi(getenv("WORKER_POOL_SIZE", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("config: WORKER_POOL_SIZE: %w", err)
	}
	cfg.WorkerPoolSize = poolSize

	return cfg, nil
}

func getenv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
