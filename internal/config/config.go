package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Delivery engine tunables
	DispatchTick    time.Duration // dispatch queue drain interval
	QueueTick       time.Duration // notification processing interval
	DeliveryTimeout time.Duration // max wait for an acknowledgment
	BufferTTL       time.Duration // how long a buffered notification is held
	StoreTTL        time.Duration // replay event store retention
	RetentionDays   int           // durable notification retention
	MaxIdleAge      time.Duration // connection reaper threshold
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "mesa",
		DBPassword: "",
		DBName:     "mesa",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		DispatchTick:    1 * time.Second,
		QueueTick:       1 * time.Second,
		DeliveryTimeout: 10 * time.Second,
		BufferTTL:       5 * time.Minute,
		StoreTTL:        24 * time.Hour,
		RetentionDays:   7,
		MaxIdleAge:      30 * time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Engine tunables (durations in milliseconds)
	if v := os.Getenv("DISPATCH_TICK_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_TICK_MS: %w", err)
		}
		cfg.DispatchTick = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("QUEUE_TICK_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_TICK_MS: %w", err)
		}
		cfg.QueueTick = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("DELIVERY_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_TIMEOUT_MS: %w", err)
		}
		cfg.DeliveryTimeout = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("BUFFER_TTL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BUFFER_TTL_MS: %w", err)
		}
		cfg.BufferTTL = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RETENTION_DAYS: %w", err)
		}
		cfg.RetentionDays = d
	}

	return cfg, nil
}
