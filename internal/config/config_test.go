package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_ValidateSSLMode(t *testing.T) {
	tests := []struct {
		name        string
		env         string
		sslMode     string
		expectError bool
	}{
		{"Production with empty SSL mode", "production", "", true},
		{"Production with disable SSL mode", "production", "disable", true},
		{"Production with require SSL mode", "production", "require", false},
		{"Prod with verify-full SSL mode", "prod", "verify-full", false},
		{"Development with disable SSL mode", "development", "disable", false},
		{"Test with empty SSL mode", "test", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				Env:        tt.env,
				DBSSLMode:  tt.sslMode,
				JWTSecret:  "secure-secret-at-least-32-chars-long",
				DBPassword: "secure-password",
				Port:       "8080",
			}

			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateRejectsDefaultSecretInProduction(t *testing.T) {
	c := &Config{
		Env:        "production",
		DBSSLMode:  "require",
		JWTSecret:  "your-secret-key-change-in-production",
		DBPassword: "secure-password",
		Port:       "8080",
	}
	assert.Error(t, c.Validate())
}

func TestConfig_ValidateRejectsNegativeLimits(t *testing.T) {
	c := &Config{Port: "8080", JWTSecret: "x", MessageMaxLength: -1}
	assert.Error(t, c.Validate())

	c = &Config{Port: "8080", JWTSecret: "x", TypingTimeout: -time.Second}
	assert.Error(t, c.Validate())
}

func TestLoadConfig_DefaultsAndNormalization(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_SSLMODE", "  DISABLE  ")
	t.Setenv("TYPING_TIMEOUT", "3s")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "disable", c.DBSSLMode)
	assert.Equal(t, 3*time.Second, c.TypingTimeout)
	assert.Equal(t, 24*time.Hour, c.MessageEditWindow)
	assert.Equal(t, 4000, c.MessageMaxLength)
	assert.Equal(t, 12, c.WSMaxConnsPerUser)
	assert.Equal(t, 72*time.Hour, c.AttachmentRetention)
}

func TestConfig_Origins(t *testing.T) {
	c := &Config{AllowedOrigins: " http://a.test, ,http://b.test "}
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, c.Origins())
}
