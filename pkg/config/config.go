// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Mongo    MongoConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	JWT      JWTConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StoreConfig selects the ledger store backend.
type StoreConfig struct {
	// Backend is one of "postgres", "mongo", "file".
	Backend string
	// SnapshotDir is where the file backend writes snapshots.
	SnapshotDir string
	// SnapshotPath is an existing snapshot the file backend loads on start.
	SnapshotPath string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type QueueConfig struct {
	// Prefix namespaces all queue and job keys in redis.
	Prefix string
	// TaskTimeout bounds a single dequeue wait, not task execution.
	TaskTimeout time.Duration
	// JobTTL is how long terminal jobs are retained before expiry.
	JobTTL time.Duration
}

type WorkerConfig struct {
	Count int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Store: StoreConfig{
			Backend:      getEnv("STORE_BACKEND", "postgres"),
			SnapshotDir:  getEnv("STORE_SNAPSHOT_DIR", "snapshots"),
			SnapshotPath: getEnv("STORE_SNAPSHOT_PATH", ""),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGO_DATABASE", "dpgate"),
			Timeout:  getDurationEnv("MONGO_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Prefix:      getEnv("QUEUE_PREFIX", "dpgate"),
			TaskTimeout: getDurationEnv("QUEUE_TASK_TIMEOUT", 5*time.Second),
			JobTTL:      getDurationEnv("QUEUE_JOB_TTL", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Count: getIntEnv("WORKER_COUNT", 4),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "change-this-secret"),
			Expiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),
		},
	}
}

// Validate checks the parts of the configuration every binary needs.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store backend")
		}
	case "mongo":
		if c.Mongo.URI == "" {
			return fmt.Errorf("MONGO_URI is required for the mongo store backend")
		}
	case "file":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Queue.Prefix == "" {
		return fmt.Errorf("QUEUE_PREFIX must not be empty")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
