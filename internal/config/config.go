package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	WorkspaceRoot string
	LogLevel      string
	LocalHost     string
	LocalPort     int
	PublicURL     string
	// DefaultMode is assumed for events that carry no mode and sessions the
	// registry has not seen.
	DefaultMode   string
	Debounce      time.Duration
	WaitTimeout   time.Duration
	HistoryDBPath string
}

const (
	defaultPort        = 4632
	defaultDebounce    = 75 * time.Millisecond
	defaultWaitTimeout = 2 * time.Second
)

func LoadConfig() Config {
	root := os.Getenv("STAGEHAND_ROOT")
	if root == "" {
		root = defaultWorkspaceRoot()
	}

	level := os.Getenv("STAGEHAND_LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	host := os.Getenv("STAGEHAND_HOST")
	if host == "" {
		host = "127.0.0.1"
	}

	port := defaultPort
	if p := os.Getenv("STAGEHAND_PORT"); p != "" {
		if n := atoiOrDefault(p, defaultPort); n > 0 {
			port = n
		}
	}

	debounce := defaultDebounce
	if d := os.Getenv("STAGEHAND_DEBOUNCE_MS"); d != "" {
		if n := atoiOrDefault(d, 0); n > 0 {
			debounce = time.Duration(n) * time.Millisecond
		}
	}

	waitTimeout := defaultWaitTimeout
	if d := os.Getenv("STAGEHAND_WAIT_TIMEOUT_MS"); d != "" {
		if n := atoiOrDefault(d, 0); n > 0 {
			waitTimeout = time.Duration(n) * time.Millisecond
		}
	}

	dbPath := os.Getenv("STAGEHAND_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(root, ".stagehand", "history.db")
	}

	publicURL := os.Getenv("STAGEHAND_PUBLIC_URL")

	defaultMode := os.Getenv("STAGEHAND_DEFAULT_MODE")
	if defaultMode != "jsx" && defaultMode != "tsx" {
		defaultMode = "jsx"
	}

	return Config{
		WorkspaceRoot: filepath.Clean(root),
		LogLevel:      level,
		LocalHost:     host,
		LocalPort:     port,
		PublicURL:     publicURL,
		DefaultMode:   defaultMode,
		Debounce:      debounce,
		WaitTimeout:   waitTimeout,
		HistoryDBPath: dbPath,
	}
}

func defaultWorkspaceRoot() string {
	wd, err := os.Getwd()
	if err != nil || wd == "" {
		return "."
	}
	return wd
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
