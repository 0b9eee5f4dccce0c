package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Storage: StorageConfig{Host: "localhost", User: "u", Password: "p", Database: "wacore"},
		Provider: ProviderConfig{AuthDir: "./data/auth"},
		Process:  ProcessConfig{OwnerID: "owner@s.whatsapp.net", NodeEnv: "development"},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validate(validConfig()))
}

func TestValidateReportsAllMissingFields(t *testing.T) {
	err := validate(&Config{})
	require.Error(t, err)
	for _, field := range []string{"storage.host", "storage.user", "storage.password", "storage.database", "provider.auth_dir", "process.owner_id"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestValidateRejectsSingleMissingField(t *testing.T) {
	cfg := validConfig()
	cfg.Process.OwnerID = ""
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process.owner_id")
}

func TestDatabaseNameSuffixesNonProductionEnv(t *testing.T) {
	cfg := validConfig()
	cfg.Process.NodeEnv = "staging"
	assert.Equal(t, "wacore_staging", cfg.DatabaseName())
}

func TestDatabaseNameLeavesProductionUnsuffixed(t *testing.T) {
	cfg := validConfig()
	cfg.Process.NodeEnv = "production"
	assert.Equal(t, "wacore", cfg.DatabaseName())
}
