// Package config provides configuration loading and management for sirpi.
//
// Configuration is loaded using Viper, supporting YAML config files and environment
// variable overrides. The package provides defaults that work out of the box for
// local development (in-memory storage, docker sandbox), with the ability to point
// every collaborator at real infrastructure.
//
// Key types:
//   - [Config] is the root configuration container with all settings
//   - [Loader] handles Viper-based configuration loading
//   - [AWSConfig] and [GCPConfig] hold cloud provider settings
//   - [StreamConfig] controls the log stream consumer timings
//
// Configuration priority (highest to lowest):
//  1. Environment variables (SIRPI_ prefix, plus DATABASE_URL and ENCRYPTION_MASTER_KEY)
//  2. Config file specified by SIRPI_CONFIG_PATH
//  3. User config directory (platform-standard):
//     - Linux: ~/.config/sirpi/config.yaml
//     - macOS: ~/Library/Application Support/sirpi/config.yaml
//  4. ./sirpi.yaml
//  5. [DefaultConfig] defaults
package config

import "time"

// Config represents the root configuration structure.
//
// This is the main configuration container loaded by [Loader] and used throughout
// the application. Use [DefaultConfig] to get sensible defaults.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	AWS       AWSConfig       `mapstructure:"aws"`
	GCP       GCPConfig       `mapstructure:"gcp"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Encrypt   EncryptConfig   `mapstructure:"encryption"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// Addr is the listen address for the API server.
	// Default: ":8080"
	Addr string `mapstructure:"addr" validate:"required"`

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// LogConfig contains structured logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is "text" (colorized when attached to a terminal) or "json".
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// DatabaseConfig contains persistence settings.
type DatabaseConfig struct {
	// URL is a PostgreSQL connection string. When empty the process keeps all
	// records in memory, which is only suitable for local runs.
	// Can be overridden with the DATABASE_URL environment variable.
	URL string `mapstructure:"url"`
}

// StorageConfig contains artifact storage settings.
type StorageConfig struct {
	// Backend selects the artifact store: "gcs" or "memory".
	Backend string `mapstructure:"backend" validate:"oneof=gcs memory"`

	// GCSBucket receives generated artifacts under {owner}/{repo}/.
	GCSBucket string `mapstructure:"gcs_bucket"`

	// GCSProject is the Google Cloud project owning GCSBucket.
	GCSProject string `mapstructure:"gcs_project"`

	// GCSRegion is the location used when GCSBucket has to be created.
	GCSRegion string `mapstructure:"gcs_region"`

	// CredentialsFile optionally points at a service account JSON key.
	CredentialsFile string `mapstructure:"credentials_file"`
}

// AWSConfig contains AWS deployment settings.
type AWSConfig struct {
	Region    string `mapstructure:"region" validate:"required"`
	ECRRegion string `mapstructure:"ecr_region" validate:"required"`
	S3Region  string `mapstructure:"s3_region" validate:"required"`

	// LockTable is the DynamoDB table holding Terraform state locks.
	LockTable string `mapstructure:"lock_table" validate:"required"`

	// AssumeRoleDuration is the lifetime requested for assumed-role sessions.
	AssumeRoleDuration time.Duration `mapstructure:"assume_role_duration" validate:"gt=0"`
}

// GCPConfig contains Google Cloud deployment settings.
type GCPConfig struct {
	Region string `mapstructure:"region" validate:"required"`

	ArtifactRegistryLocation   string `mapstructure:"artifact_registry_location"`
	ArtifactRegistryRepository string `mapstructure:"artifact_registry_repository"`

	// OAuthClientID and OAuthClientSecret are used to refresh user tokens.
	OAuthClientID     string `mapstructure:"oauth_client_id"`
	OAuthClientSecret string `mapstructure:"oauth_client_secret"`
	OAuthTokenURL     string `mapstructure:"oauth_token_url" validate:"omitempty,url"`
}

// SandboxConfig contains isolated execution settings.
type SandboxConfig struct {
	// Template is the image used to provision sandboxes. It must contain
	// git, terraform and a docker CLI.
	Template string `mapstructure:"template" validate:"required"`

	// Runtime is the container CLI used to drive sandboxes ("docker" or "podman").
	Runtime string `mapstructure:"runtime" validate:"oneof=docker podman"`

	// WorkDir is the home directory inside the sandbox.
	WorkDir string `mapstructure:"work_dir" validate:"required"`

	// MountDockerSocket exposes the host docker socket so images can be built.
	MountDockerSocket bool `mapstructure:"mount_docker_socket"`

	Memory string `mapstructure:"memory"`
	CPUs   string `mapstructure:"cpus"`
}

// StreamConfig controls the log stream consumer.
type StreamConfig struct {
	RegistrationAttempts int           `mapstructure:"registration_attempts" validate:"gt=0"`
	RegistrationInterval time.Duration `mapstructure:"registration_interval" validate:"gt=0"`
	PollInterval         time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxIdlePolls         int           `mapstructure:"max_idle_polls" validate:"gt=0"`
}

// AnalysisConfig points at the external repository analysis service.
type AnalysisConfig struct {
	Endpoint   string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=1"`
}

// WorkflowConfig contains artifact generation settings.
type WorkflowConfig struct {
	// DefaultProvider is used when a request does not name a cloud provider.
	DefaultProvider string `mapstructure:"default_provider" validate:"oneof=aws gcp"`

	// Platforms maps a cloud provider to the template platform generated for it.
	Platforms map[string]string `mapstructure:"platforms"`
}

// EncryptConfig contains at-rest encryption settings.
type EncryptConfig struct {
	// MasterKey derives the data encryption key. When empty a temporary key is
	// generated and anything encrypted is lost on restart.
	// Can be overridden with the ENCRYPTION_MASTER_KEY environment variable.
	MasterKey string `mapstructure:"master_key"`
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC collector address. Tracing is disabled when empty.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`

	// Insecure disables TLS to the collector.
	Insecure bool `mapstructure:"insecure"`
}

// DefaultConfig returns a new [Config] with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend:   "memory",
			GCSBucket: "sirpi-generated-files",
			GCSRegion: "us-central1",
		},
		AWS: AWSConfig{
			Region:             "us-west-2",
			ECRRegion:          "us-west-2",
			S3Region:           "us-west-2",
			LockTable:          "sirpi-terraform-locks",
			AssumeRoleDuration: time.Hour,
		},
		GCP: GCPConfig{
			Region:                     "us-central1",
			ArtifactRegistryLocation:   "us-central1",
			ArtifactRegistryRepository: "sirpi-deployments",
			OAuthTokenURL:              "https://oauth2.googleapis.com/token",
		},
		Sandbox: SandboxConfig{
			Template:          "sirpi-sandbox:latest",
			Runtime:           "docker",
			WorkDir:           "/home/user",
			MountDockerSocket: true,
		},
		Stream: StreamConfig{
			RegistrationAttempts: 50,
			RegistrationInterval: 100 * time.Millisecond,
			PollInterval:         time.Second,
			MaxIdlePolls:         600,
		},
		Analysis: AnalysisConfig{
			Timeout:    5 * time.Minute,
			MaxRetries: 3,
		},
		Workflow: WorkflowConfig{
			DefaultProvider: "gcp",
			Platforms: map[string]string{
				"aws": "aws_fargate",
				"gcp": "gcp_cloud_run",
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "sirpi",
		},
	}
}

// PlatformFor returns the template platform configured for a cloud provider.
func (c *Config) PlatformFor(provider string) (string, bool) {
	p, ok := c.Workflow.Platforms[provider]
	return p, ok
}
