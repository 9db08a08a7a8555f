package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the kernel's environment-driven configuration. Everything
// has a usable default so `forge-kernel` starts with no env at all.
type Config struct {
	DBPath        string
	HTTPAddr      string
	WorkflowsPath string
	AgentID       string
	AgentName     string
	AgentImage    string
	CallbackURL   string
	LeaseDuration time.Duration
	TickInterval  time.Duration
	TickLimit     int
	MaxDispatch   int64
}

func Load() Config {
	return Config{
		DBPath:        getenv("FORGE_DB_PATH", "forge.db"),
		HTTPAddr:      getenv("FORGE_HTTP_ADDR", ":8484"),
		WorkflowsPath: getenv("FORGE_WORKFLOWS_PATH", "workflows.yaml"),
		AgentID:       getenv("FORGE_AGENT_ID", "forge-kernel"),
		AgentName:     getenv("FORGE_AGENT_NAME", "forge kernel"),
		AgentImage:    getenv("FORGE_AGENT_IMAGE", "forge-agent:latest"),
		CallbackURL:   getenv("FORGE_CALLBACK_URL", "http://localhost:8484"),
		LeaseDuration: getduration("FORGE_LEASE_DURATION", 5*time.Minute),
		TickInterval:  getduration("FORGE_TICK_INTERVAL", 30*time.Second),
		TickLimit:     getint("FORGE_TICK_LIMIT", 20),
		MaxDispatch:   int64(getint("FORGE_MAX_DISPATCH", 4)),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
