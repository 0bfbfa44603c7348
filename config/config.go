package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Listeners
	APIAddr     string
	MetricsAddr string

	// Job store: "redis" or "memory"
	JobStore      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Ledger
	SQLitePath string

	// Price oracle
	OracleURL     string
	OraclePath    string
	OracleTimeout time.Duration
	OracleRPS     float64

	// Order queues
	GraceDelay          time.Duration
	PollInterval        time.Duration
	DispatchParallelism int
	Lease               time.Duration
	HistoryLimit        int
	JobRetention        time.Duration

	// Alerts, API, bootstrap
	NotifyWebhookURL string
	CORSOrigins      []string
	SeedUsers        []SeedUser
	LogLevel         string
}

// SeedUser is a ledger account created at start-up.
type SeedUser struct {
	Username string
	Balance  decimal.Decimal
	Token    string
}

// Load reads the optional env files (default ".env") and then the process
// environment. Variables already set in the environment win over the files.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var p parser
	c := &Config{
		APIAddr:     getEnv("API_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		JobStore:      strings.ToLower(getEnv("JOB_STORE", "redis")),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       p.int("REDIS_DB", 0),

		SQLitePath: getEnv("SQLITE_PATH", "data/ledger.db"),

		OracleURL:     strings.TrimRight(getEnv("PRICE_ORACLE_URL", "http://localhost:9001"), "/"),
		OraclePath:    getEnv("PRICE_ORACLE_PATH", "/stock/v1/current"),
		OracleTimeout: p.millis("PRICE_ORACLE_TIMEOUT_MS", 5000),
		OracleRPS:     p.float("PRICE_ORACLE_RPS", 20),

		GraceDelay:          p.millis("GRACE_DELAY_MS", 30000),
		PollInterval:        p.millis("POLL_INTERVAL_MS", 500),
		DispatchParallelism: p.int("DISPATCH_PARALLELISM", 4),
		Lease:               p.millis("LEASE_MS", 120000),
		HistoryLimit:        p.int("HISTORY_LIMIT", 50),
		JobRetention:        time.Duration(p.int("JOB_RETENTION_HOURS", 24)) * time.Hour,

		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "*")),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	seeds, err := ParseSeedUsers(getEnv("SEED_USERS", ""))
	if err != nil {
		p.errs = append(p.errs, err)
	}
	c.SeedUsers = seeds

	if err := errors.Join(append(p.errs, c.validate())...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.JobStore != "redis" && c.JobStore != "memory" {
		errs = append(errs, fmt.Errorf("JOB_STORE must be redis or memory, got %q", c.JobStore))
	}
	if c.OracleTimeout <= 0 {
		errs = append(errs, errors.New("PRICE_ORACLE_TIMEOUT_MS must be > 0"))
	}
	if c.OracleRPS <= 0 {
		errs = append(errs, errors.New("PRICE_ORACLE_RPS must be > 0"))
	}
	if c.GraceDelay < 0 {
		errs = append(errs, errors.New("GRACE_DELAY_MS must be >= 0"))
	}
	if c.PollInterval <= 0 || c.Lease <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL_MS and LEASE_MS must be > 0"))
	}
	if c.DispatchParallelism <= 0 || c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("DISPATCH_PARALLELISM and HISTORY_LIMIT must be > 0"))
	}
	return errors.Join(errs...)
}

// ParseSeedUsers parses "user:balance[:token],..." entries.
func ParseSeedUsers(s string) ([]SeedUser, error) {
	var users []SeedUser
	for _, entry := range splitList(s) {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("SEED_USERS: bad entry %q, want user:balance[:token]", entry)
		}
		bal, err := decimal.NewFromString(parts[1])
		if err != nil || bal.IsNegative() {
			return nil, fmt.Errorf("SEED_USERS: bad balance in %q", entry)
		}
		u := SeedUser{Username: parts[0], Balance: bal}
		if len(parts) == 3 {
			u.Token = parts[2]
		}
		users = append(users, u)
	}
	return users, nil
}

// parser collects every malformed numeric variable instead of stopping at
// the first one.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return fallback
	}
	return f
}

func (p *parser) millis(key string, fallback int) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Millisecond
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
