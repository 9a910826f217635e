// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration tree.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig controls the Postgres pool.
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// NATSConfig controls the notification event publisher connection.
// An empty URL disables publishing.
type NATSConfig struct {
	URL  string
	Name string
}

// Load reads configuration from environment variables (QA_GAPS_* prefix),
// falling back to the defaults below.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QA_GAPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("service.name", "be-qa-gaps")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "qa_gaps")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", "1h")
	v.SetDefault("database.max_idle_time", "30m")
	v.SetDefault("database.health_check", "1m")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "be-qa-gaps")

	cfg := &Config{
		Service: ServiceConfig{
			Name:        v.GetString("service.name"),
			Version:     v.GetString("service.version"),
			Environment: v.GetString("service.environment"),
		},
		Server: ServerConfig{
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Host:        v.GetString("database.host"),
			Port:        v.GetInt("database.port"),
			User:        v.GetString("database.user"),
			Password:    v.GetString("database.password"),
			Database:    v.GetString("database.database"),
			SSLMode:     v.GetString("database.sslmode"),
			MaxConns:    v.GetInt32("database.max_conns"),
			MinConns:    v.GetInt32("database.min_conns"),
			MaxConnTime: v.GetDuration("database.max_conn_time"),
			MaxIdleTime: v.GetDuration("database.max_idle_time"),
			HealthCheck: v.GetDuration("database.health_check"),
		},
		NATS: NATSConfig{
			URL:  v.GetString("nats.url"),
			Name: v.GetString("nats.name"),
		},
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return cfg, nil
}
