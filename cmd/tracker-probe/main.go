// README: Probe runner; checks a running tracker (HTTP, WebSocket, DB, Redis) and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"tracker/internal/logging"
)

func main() {
	cfg := loadConfig()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console"})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	probe := NewRunner(cfg)
	results := probe.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case "PASS":
			pass++
		case "FAIL":
			fail++
		case "SKIP":
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL       string
	DSN           string
	RedisAddr     string
	MigrationPath string
	JWTSecret     string
	UserID        string
	Role          string
	Strict        bool
	Timeout       time.Duration
	Connections   int
	LogLevel      string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("TRACKER_PROBE_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", envOrDefault("TRACKER_DB_DSN", ""), "Postgres DSN (empty skips DB checks)")
	flag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("TRACKER_REDIS_ADDR", ""), "Redis address (empty skips Redis checks)")
	flag.StringVar(&cfg.MigrationPath, "migration", envOrDefault("TRACKER_PROBE_MIGRATION", "migrations/0001_init.sql"), "Migration SQL path")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", envOrDefault("TRACKER_AUTH_JWT_SECRET", ""), "HS256 secret of a jwt-mode server")
	flag.StringVar(&cfg.UserID, "user", envOrDefault("TRACKER_PROBE_USER", "probe-consumer"), "User id for signed tokens")
	flag.StringVar(&cfg.Role, "role", envOrDefault("TRACKER_PROBE_ROLE", "CONSUMER"), "Role for signed tokens")
	flag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("TRACKER_PROBE_STRICT", false), "Fail on skipped checks")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("TRACKER_PROBE_TIMEOUT", 60*time.Second), "Total timeout")
	flag.IntVar(&cfg.Connections, "connections", envOrDefaultInt("TRACKER_PROBE_CONNECTIONS", 20), "Concurrent sockets for the fan-in check")
	flag.StringVar(&cfg.LogLevel, "log-level", envOrDefault("TRACKER_PROBE_LOG_LEVEL", "warn"), "Log level")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
