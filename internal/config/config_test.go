package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "us-west-2", cfg.AWS.Region)
	assert.Equal(t, "us-west-2", cfg.AWS.ECRRegion)
	assert.Equal(t, "us-west-2", cfg.AWS.S3Region)
	assert.Equal(t, "sirpi-terraform-locks", cfg.AWS.LockTable)
	assert.Equal(t, time.Hour, cfg.AWS.AssumeRoleDuration)
	assert.Equal(t, "sirpi-generated-files", cfg.Storage.GCSBucket)
	assert.Equal(t, "us-central1", cfg.GCP.Region)
	assert.Equal(t, 50, cfg.Stream.RegistrationAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Stream.RegistrationInterval)
	assert.Equal(t, time.Second, cfg.Stream.PollInterval)
	assert.Equal(t, 600, cfg.Stream.MaxIdlePolls)

	require.NoError(t, cfg.Validate())
}

func TestConfig_PlatformFor(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		provider string
		want     string
		wantOK   bool
	}{
		{"aws", "aws_fargate", true},
		{"gcp", "gcp_cloud_run", true},
		{"azure", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			got, ok := cfg.PlatformFor(tt.provider)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "Log.Level",
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *Config) { c.Stream.PollInterval = 0 },
			wantErr: "Stream.PollInterval",
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "s3" },
			wantErr: "Storage.Backend",
		},
		{
			name:    "missing sandbox template",
			mutate:  func(c *Config) { c.Sandbox.Template = "" },
			wantErr: "Sandbox.Template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sirpi.yaml")

	configContent := `
server:
  addr: ":9090"
aws:
  region: eu-west-1
  lock_table: custom-locks
stream:
  max_idle_polls: 30
  poll_interval: 250ms
storage:
  backend: gcs
  gcs_bucket: my-artifacts
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	loader := NewLoader()
	cfg, err := loader.LoadFromFile(configPath)

	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "custom-locks", cfg.AWS.LockTable)
	assert.Equal(t, 30, cfg.Stream.MaxIdlePolls)
	assert.Equal(t, 250*time.Millisecond, cfg.Stream.PollInterval)
	assert.Equal(t, "gcs", cfg.Storage.Backend)
	assert.Equal(t, "my-artifacts", cfg.Storage.GCSBucket)

	// Untouched keys keep their defaults.
	assert.Equal(t, "us-west-2", cfg.AWS.ECRRegion)
	assert.Equal(t, 50, cfg.Stream.RegistrationAttempts)
}

func TestLoader_LoadFromFile_Invalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sirpi.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log:\n  level: shouting\n"), 0644))

	_, err := NewLoader().LoadFromFile(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoader_LoadFromFile_Missing(t *testing.T) {
	_, err := NewLoader().LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoader_Load_WithEnvOverride(t *testing.T) {
	t.Setenv("SIRPI_CONFIG_PATH", "")
	t.Setenv("SIRPI_AWS_REGION", "ap-south-1")
	t.Setenv("SIRPI_SANDBOX_TEMPLATE", "custom-sandbox:1")

	cfg, err := NewLoader().Load()

	require.NoError(t, err)
	assert.Equal(t, "ap-south-1", cfg.AWS.Region)
	assert.Equal(t, "custom-sandbox:1", cfg.Sandbox.Template)
}

func TestLoader_Load_LegacyEnvNames(t *testing.T) {
	t.Setenv("SIRPI_CONFIG_PATH", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/sirpi")
	t.Setenv("ENCRYPTION_MASTER_KEY", "secret-key")

	cfg, err := NewLoader().Load()

	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/sirpi", cfg.Database.URL)
	assert.Equal(t, "secret-key", cfg.Encrypt.MasterKey)
}

func TestLoader_Load_ConfigPathEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("gcp:\n  region: europe-west4\n"), 0644))
	t.Setenv("SIRPI_CONFIG_PATH", configPath)

	cfg, err := NewLoader().Load()

	require.NoError(t, err)
	assert.Equal(t, "europe-west4", cfg.GCP.Region)
}
