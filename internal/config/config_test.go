package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal string
		expected   string
	}{
		{"uses env value", "TEST_VAR_1", "hello", "default", "hello"},
		{"uses default when empty", "TEST_VAR_2", "", "default", "default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestGetEnvAsIntOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal int
		expected   int
	}{
		{"parses integer", "TEST_INT_1", "42", 10, 42},
		{"uses default for empty", "TEST_INT_2", "", 10, 10},
		{"uses default for non-numeric", "TEST_INT_3", "abc", 10, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvAsIntOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %d, got %d", tc.expected, result)
			}
		})
	}
}

func TestMustGetEnv_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for missing required env var")
		}
	}()

	os.Unsetenv("NONEXISTENT_REQUIRED_VAR")
	mustGetEnv("NONEXISTENT_REQUIRED_VAR")
}

func TestMustGetEnv_ReturnsValue(t *testing.T) {
	os.Setenv("TEST_REQUIRED", "value123")
	defer os.Unsetenv("TEST_REQUIRED")

	result := mustGetEnv("TEST_REQUIRED")
	if result != "value123" {
		t.Errorf("Expected 'value123', got %q", result)
	}
}

func TestGetEnvAsDurationOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal time.Duration
		expected   time.Duration
	}{
		{"parses go duration", "TEST_DUR_1", "45s", time.Second, 45 * time.Second},
		{"parses whole seconds", "TEST_DUR_2", "12", time.Second, 12 * time.Second},
		{"uses default for empty", "TEST_DUR_3", "", 3 * time.Second, 3 * time.Second},
		{"uses default for garbage", "TEST_DUR_4", "soon", 3 * time.Second, 3 * time.Second},
		{"uses default for negative", "TEST_DUR_5", "-5s", 3 * time.Second, 3 * time.Second},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvAsDurationOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}

func TestGetEnvAsListOrDefault(t *testing.T) {
	t.Setenv("TEST_LIST", " http://a.test , ,http://b.test")

	got := getEnvAsListOrDefault("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Errorf("unexpected list %v", got)
	}

	def := getEnvAsListOrDefault("TEST_LIST_MISSING", []string{"x"})
	if len(def) != 1 || def[0] != "x" {
		t.Errorf("expected default list, got %v", def)
	}
}

func TestLoad_MemoryDriverNeedsNoDatabase(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("PRESENCE_TIMEOUT", "20s")

	cfg := Load()
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("expected memory driver, got %q", cfg.StoreDriver)
	}
	if cfg.PresenceTimeout != 20*time.Second {
		t.Errorf("expected 20s presence timeout, got %s", cfg.PresenceTimeout)
	}
	if cfg.TypingTTL != 5*time.Second {
		t.Errorf("expected default typing TTL, got %s", cfg.TypingTTL)
	}
	if cfg.ChatBurst != 10 || cfg.ChatRatePerSecond != 5 {
		t.Errorf("unexpected chat limits %v/%d", cfg.ChatRatePerSecond, cfg.ChatBurst)
	}
	if cfg.APIBurst != 40 || cfg.APIRatePerSecond != 20 {
		t.Errorf("unexpected API limits %v/%d", cfg.APIRatePerSecond, cfg.APIBurst)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_PostgresDriverRequiresDatabaseURL(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DATABASE_URL", "")

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when DATABASE_URL is missing")
		}
	}()
	Load()
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			StoreDriver:     StoreDriverMemory,
			BackupQueue:     BackupQueueLocal,
			TypingTTL:       5 * time.Second,
			PresenceTimeout: 30 * time.Second,
			LeaderboardTZ:   "UTC",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }, true},
		{"redis queue without redis", func(c *Config) { c.BackupQueue = BackupQueueRedis }, true},
		{"redis queue with redis", func(c *Config) {
			c.BackupQueue = BackupQueueRedis
			c.RedisURL = "redis://localhost:6379"
		}, false},
		{"bad time zone", func(c *Config) { c.LeaderboardTZ = "Mars/Olympus" }, true},
		{"tiny presence timeout", func(c *Config) { c.PresenceTimeout = time.Second }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
