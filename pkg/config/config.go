// Package config loads the server settings from flags, an optional .env
// file and the environment.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Debug bool
	Port  string

	EnginePath     string
	EnginePoolSize int
	EngineOptions  string

	APIKeys        []string
	FrontendOrigin string

	DatabaseURL string
	RedisURL    string

	CassandraHosts       []string
	CassandraKeyspace    string
	CassandraConsistency string

	SessionRetention time.Duration
	SweepInterval    time.Duration
	PersistWorkers   int
	SnapshotTTL      time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("engine_pool_size", 5)
	v.SetDefault("engine_options", "")
	v.SetDefault("cassandra_keyspace", "chess")
	v.SetDefault("cassandra_consistency", "QUORUM")
	v.SetDefault("session_retention", "10m")
	v.SetDefault("sweep_interval", "1s")
	v.SetDefault("persist_workers", 4)
	v.SetDefault("snapshot_ttl", "24h")
}

// Load builds the configuration. Flags win over the environment, which
// wins over the defaults. A missing .env file is not an error.
func Load(args []string, envFiles ...string) (*Config, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	port := fs.String("port", "", "server port")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		// godotenv never overrides variables already set.
		_ = godotenv.Load(file)
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := &Config{
		Debug:                *debug || v.GetBool("debug"),
		Port:                 v.GetString("port"),
		EnginePath:           v.GetString("engine_path"),
		EnginePoolSize:       v.GetInt("engine_pool_size"),
		EngineOptions:        v.GetString("engine_options"),
		APIKeys:              splitList(v.GetString("api_keys")),
		FrontendOrigin:       v.GetString("frontend_origin"),
		DatabaseURL:          v.GetString("database_url"),
		RedisURL:             v.GetString("redis_url"),
		CassandraHosts:       splitList(v.GetString("cassandra_hosts")),
		CassandraKeyspace:    v.GetString("cassandra_keyspace"),
		CassandraConsistency: v.GetString("cassandra_consistency"),
		PersistWorkers:       v.GetInt("persist_workers"),
	}
	if *port != "" {
		cfg.Port = *port
	}

	var err error
	if cfg.SessionRetention, err = duration(v, "session_retention"); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = duration(v, "sweep_interval"); err != nil {
		return nil, err
	}
	if cfg.SnapshotTTL, err = duration(v, "snapshot_ttl"); err != nil {
		return nil, err
	}

	if cfg.EnginePoolSize < 1 {
		return nil, fmt.Errorf("ENGINE_POOL_SIZE must be positive, got %d", cfg.EnginePoolSize)
	}
	if cfg.PersistWorkers < 1 {
		return nil, fmt.Errorf("PERSIST_WORKERS must be positive, got %d", cfg.PersistWorkers)
	}

	return cfg, nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", strings.ToUpper(key), raw, err)
	}

	return d, nil
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
