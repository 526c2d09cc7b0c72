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
	setEnv(t, "API_KEY", "test-secret")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
}

func TestLoad_MissingAPIKey(t *testing.T) {
	setEnv(t, "API_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "API_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config without platform key",
			config: Config{
				APIKey: "secret",
				RPCURL: "https://sepolia.arbitrum.io/rpc",
			},
			wantErr: "",
		},
		{
			name: "valid config with 0x platform key",
			config: Config{
				APIKey:             "secret",
				RPCURL:             "https://sepolia.arbitrum.io/rpc",
				PlatformPrivateKey: "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			},
			wantErr: "",
		},
		{
			name: "missing rpc url",
			config: Config{
				APIKey: "secret",
			},
			wantErr: "RPC_URL is required",
		},
		{
			name: "short platform key",
			config: Config{
				APIKey:             "secret",
				RPCURL:             "https://sepolia.arbitrum.io/rpc",
				PlatformPrivateKey: "deadbeef",
			},
			wantErr: "64 hex characters",
		},
		{
			name: "bad escrow address",
			config: Config{
				APIKey:         "secret",
				RPCURL:         "https://sepolia.arbitrum.io/rpc",
				EscrowContract: "not-an-address",
			},
			wantErr: "ESCROW_CONTRACT",
		},
		{
			name: "bad token address",
			config: Config{
				APIKey:        "secret",
				RPCURL:        "https://sepolia.arbitrum.io/rpc",
				TokenContract: "0x123",
			},
			wantErr: "TOKEN_CONTRACT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_ContractsConfigured(t *testing.T) {
	cfg := Config{}
	assert.False(t, cfg.ContractsConfigured())

	cfg.EscrowContract = "0x1234567890123456789012345678901234567890"
	assert.False(t, cfg.ContractsConfigured())

	cfg.TokenContract = "0xaBcDef1234567890123456789012345678901234"
	assert.True(t, cfg.ContractsConfigured())
}

func TestConfig_EnvHelpers(t *testing.T) {
	dev := Config{Env: "development"}
	assert.True(t, dev.IsDevelopment())
	assert.False(t, dev.IsProduction())

	prod := Config{Env: "production"}
	assert.True(t, prod.IsProduction())
	assert.False(t, prod.IsDevelopment())
}
