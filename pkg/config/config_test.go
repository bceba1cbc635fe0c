package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, noEnvFile(t))
	require.NoError(t, err)

	assert.False(t, cfg.Debug)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5, cfg.EnginePoolSize)
	assert.Equal(t, 10*time.Minute, cfg.SessionRetention)
	assert.Equal(t, time.Second, cfg.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.SnapshotTTL)
	assert.Equal(t, "QUORUM", cfg.CassandraConsistency)
	assert.Empty(t, cfg.APIKeys)
}

func TestLoadEnvironmentAndFlags(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("API_KEYS", " a, b ,,c")
	t.Setenv("CASSANDRA_HOSTS", "10.0.0.1,10.0.0.2")
	t.Setenv("SESSION_RETENTION", "30s")
	t.Setenv("ENGINE_PATH", "/usr/bin/stockfish")

	cfg, err := Load([]string{"-debug"}, noEnvFile(t))
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.APIKeys)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.CassandraHosts)
	assert.Equal(t, 30*time.Second, cfg.SessionRetention)
	assert.Equal(t, "/usr/bin/stockfish", cfg.EnginePath)

	cfg, err = Load([]string{"-port", "7000"}, noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
}

func TestLoadEnvFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte("FRONTEND_ORIGIN=http://localhost:3000\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FRONTEND_ORIGIN") })

	cfg, err := Load(nil, file)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", cfg.FrontendOrigin)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	_, err := Load(nil, noEnvFile(t))
	assert.ErrorContains(t, err, "SWEEP_INTERVAL")

	t.Setenv("SWEEP_INTERVAL", "1s")
	t.Setenv("PERSIST_WORKERS", "0")
	_, err = Load(nil, noEnvFile(t))
	assert.Error(t, err)

	_, err = Load([]string{"-nope"}, noEnvFile(t))
	assert.Error(t, err)
}
