package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PLATFORM_FEE_BPS", "300")
	setEnv(t, "SEED_BALANCE", "500.00")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, "500.00", cfg.SeedBalance)
	assert.Equal(t, int64(300), cfg.PlatformFeeBps)
	assert.Equal(t, int64(DefaultEscrowFeeBps), cfg.EscrowFeeBps)
	assert.Equal(t, int64(DefaultAutoReleaseDays), cfg.AutoReleaseDays)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, int64(DefaultPlatformFeeBps), cfg.PlatformFeeBps)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Env:             "development",
		PlatformFeeBps:  250,
		EscrowFeeBps:    100,
		AutoReleaseDays: 7,
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "platform fee out of range",
			mutate:  func(c *Config) { c.PlatformFeeBps = 10001 },
			wantErr: "PLATFORM_FEE_BPS",
		},
		{
			name:    "negative escrow fee",
			mutate:  func(c *Config) { c.EscrowFeeBps = -1 },
			wantErr: "ESCROW_FEE_BPS",
		},
		{
			name:    "zero auto release days",
			mutate:  func(c *Config) { c.AutoReleaseDays = 0 },
			wantErr: "AUTO_RELEASE_DAYS",
		},
		{
			name:    "production without admin secret",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "ADMIN_SECRET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
