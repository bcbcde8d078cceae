package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     string
	LogLevel string

	FacilitatorGrace time.Duration
	IdleTimeout      time.Duration
	JanitorInterval  time.Duration
	CodeLength       int
	CodeAttempts     int

	BackupDriver  string // "none" | "redis" | "sqlite"
	RedisURL      string
	SQLitePath    string
	BackupRestore bool

	ExportEnabled bool
	ExportFile    string

	CORSOrigin string
}

func FromEnv() Config {
	c := Config{}
	c.Port = getenv("PORT", "8080")
	c.LogLevel = getenv("LOG_LEVEL", "info")
	c.FacilitatorGrace = getduration("FACILITATOR_GRACE", 2*time.Minute)
	c.IdleTimeout = getduration("SESSION_IDLE_TIMEOUT", 2*time.Hour)
	c.JanitorInterval = getduration("JANITOR_INTERVAL", time.Minute)
	c.CodeLength = getint("CODE_LENGTH", 5)
	c.CodeAttempts = getint("CODE_ATTEMPTS", 16)
	c.BackupDriver = strings.ToLower(getenv("BACKUP_DRIVER", "none"))
	c.RedisURL = getenv("REDIS_URL", "redis://localhost:6379/0")
	c.SQLitePath = getenv("SQLITE_PATH", "data/pokerdash.db")
	c.BackupRestore = getbool("BACKUP_RESTORE", true)
	c.ExportEnabled = getbool("EXPORT_ENABLED", false)
	c.ExportFile = getenv("EXPORT_FILE", "./pokerdash-results.txt")
	c.CORSOrigin = getenv("CORS_ORIGIN", "*")
	return c
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil && n > 0 {
		return n
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(k)); err == nil && d > 0 {
		return d
	}
	return def
}

func getbool(k string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(k)); err == nil {
		return b
	}
	return def
}
