package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	BackupQueueLocal = "local"
	BackupQueueRedis = "redis"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Storage
	StoreDriver string
	DatabaseURL string
	RedisURL    string

	// JWT
	JWTSecret string

	// Presence
	PresenceTimeout time.Duration
	PresenceGrace   time.Duration
	TypingTTL       time.Duration

	// Chat
	ChatRatePerSecond float64
	ChatBurst         int

	// Backup
	BackupQueue   string
	BackupDBPath  string
	BackupWorkers int

	// Leaderboard
	LeaderboardTZ   string
	LeaderboardCron string

	// Rate limiting for the REST API and gateway commands
	APIRatePerSecond float64
	APIBurst         int

	// CORS
	AllowedOrigins []string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:              getEnvOrDefault("PORT", "8080"),
		Env:               getEnvOrDefault("ENV", "development"),
		StoreDriver:       strings.ToLower(getEnvOrDefault("STORE_DRIVER", StoreDriverPostgres)),
		JWTSecret:         mustGetEnv("JWT_SECRET"),
		PresenceTimeout:   getEnvAsDurationOrDefault("PRESENCE_TIMEOUT", 30*time.Second),
		PresenceGrace:     getEnvAsDurationOrDefault("PRESENCE_GRACE", 5*time.Minute),
		TypingTTL:         getEnvAsDurationOrDefault("TYPING_TTL", 5*time.Second),
		ChatRatePerSecond: getEnvAsFloatOrDefault("CHAT_RATE_PER_SECOND", 5),
		ChatBurst:         getEnvAsIntOrDefault("CHAT_BURST", 10),
		BackupQueue:       strings.ToLower(getEnvOrDefault("BACKUP_QUEUE", BackupQueueLocal)),
		BackupDBPath:      getEnvOrDefault("BACKUP_DB_PATH", "./data/chat_backup.db"),
		BackupWorkers:     getEnvAsIntOrDefault("BACKUP_WORKERS", 2),
		LeaderboardTZ:     getEnvOrDefault("LEADERBOARD_TZ", "UTC"),
		LeaderboardCron:   getEnvOrDefault("LEADERBOARD_WARM_CRON", "0 0 * * 1"),
		APIRatePerSecond:  getEnvAsFloatOrDefault("API_RATE_PER_SECOND", 20),
		APIBurst:          getEnvAsIntOrDefault("API_BURST", 40),
		AllowedOrigins:    getEnvAsListOrDefault("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
	}

	if cfg.StoreDriver != StoreDriverMemory {
		cfg.DatabaseURL = mustGetEnv("DATABASE_URL")
		cfg.RedisURL = mustGetEnv("REDIS_URL")
	} else {
		cfg.RedisURL = getEnvOrDefault("REDIS_URL", "")
	}

	return cfg
}

// Validate reports settings that parse but cannot work together.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.BackupQueue {
	case BackupQueueLocal:
	case BackupQueueRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("BACKUP_QUEUE=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown BACKUP_QUEUE %q", c.BackupQueue)
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("TYPING_TTL must be positive")
	}
	if c.PresenceTimeout < 2*time.Second {
		return fmt.Errorf("PRESENCE_TIMEOUT must be at least 2s")
	}
	if _, err := time.LoadLocation(c.LeaderboardTZ); err != nil {
		return fmt.Errorf("invalid LEADERBOARD_TZ: %w", err)
	}
	return nil
}

// Location returns the leaderboard week time zone, UTC when invalid.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.LeaderboardTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsFloatOrDefault(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

// getEnvAsDurationOrDefault accepts Go durations ("30s") or whole seconds.
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func getEnvAsListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
