package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "forge.db", cfg.DBPath)
	assert.Equal(t, ":8484", cfg.HTTPAddr)
	assert.Equal(t, "workflows.yaml", cfg.WorkflowsPath)
	assert.Equal(t, 5*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 20, cfg.TickLimit)
	assert.EqualValues(t, 4, cfg.MaxDispatch)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FORGE_DB_PATH", "/data/forge.db")
	t.Setenv("FORGE_LEASE_DURATION", "2m")
	t.Setenv("FORGE_TICK_LIMIT", "50")

	cfg := Load()
	assert.Equal(t, "/data/forge.db", cfg.DBPath)
	assert.Equal(t, 2*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 50, cfg.TickLimit)
}

func TestLoadIgnoresGarbage(t *testing.T) {
	t.Setenv("FORGE_LEASE_DURATION", "soon")
	t.Setenv("FORGE_TICK_LIMIT", "-3")

	cfg := Load()
	assert.Equal(t, 5*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 20, cfg.TickLimit)
}
