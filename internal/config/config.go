package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	RedisPoolSize int
	MySQLDSN      string

	ConsumerName    string
	ConsumerBlock   time.Duration
	ConsumerBackoff time.Duration

	RebuildWorkers    int
	RebuildQueueDepth int

	ReconSchedule string
}

func Load() (*Config, error) {
	// .env is optional; explicit environment variables win either way.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisPoolSize:     100,
		MySQLDSN:          getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/seckill?parseTime=true"),
		ConsumerName:      getEnv("CONSUMER_NAME", "c1"),
		ConsumerBlock:     2 * time.Second,
		ConsumerBackoff:   20 * time.Millisecond,
		RebuildWorkers:    10,
		RebuildQueueDepth: 100,
		ReconSchedule:     getEnv("RECON_SCHEDULE", "@every 1m"),
	}

	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_POOL_SIZE %q: %w", v, err)
		}
		cfg.RedisPoolSize = n
	}
	if v := os.Getenv("REBUILD_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid REBUILD_WORKERS %q", v)
		}
		cfg.RebuildWorkers = n
	}
	if v := os.Getenv("CONSUMER_BLOCK"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CONSUMER_BLOCK %q: %w", v, err)
		}
		cfg.ConsumerBlock = d
	}

	if cfg.ConsumerName == "" {
		return nil, fmt.Errorf("CONSUMER_NAME must not be empty")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
