package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is prepended to every environment override (SIRPI_SERVER_ADDR, ...).
const envPrefix = "SIRPI"

// Loader handles configuration loading using Viper.
//
// Use [NewLoader] to create an instance, then call [Loader.Load] for automatic
// file discovery or [Loader.LoadFromFile] for an explicit path.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new [Loader] with defaults and environment bindings applied.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names kept from earlier deployments of the service.
	_ = v.BindEnv("database.url", "SIRPI_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("encryption.master_key", "SIRPI_ENCRYPTION_MASTER_KEY", "ENCRYPTION_MASTER_KEY")

	return &Loader{v: v}
}

// Load discovers the config file and returns the merged [Config].
//
// A missing config file is not an error; defaults and environment variables
// still apply. A file that exists but cannot be parsed is.
func (l *Loader) Load() (*Config, error) {
	if path := discoverConfigFile(); path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return l.unmarshal()
}

// LoadFromFile reads configuration from the given YAML file.
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct-level constraints declared with validate tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// discoverConfigFile returns the first config file found in priority order.
func discoverConfigFile() string {
	if p := os.Getenv("SIRPI_CONFIG_PATH"); p != "" {
		return p
	}

	candidates := []string{}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "sirpi", "config.yaml"))
	}
	candidates = append(candidates, "sirpi.yaml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// setDefaults registers every default with viper so that AutomaticEnv can
// override keys that never appear in a config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("database.url", d.Database.URL)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.gcs_bucket", d.Storage.GCSBucket)
	v.SetDefault("storage.gcs_project", d.Storage.GCSProject)
	v.SetDefault("storage.gcs_region", d.Storage.GCSRegion)
	v.SetDefault("storage.credentials_file", d.Storage.CredentialsFile)

	v.SetDefault("aws.region", d.AWS.Region)
	v.SetDefault("aws.ecr_region", d.AWS.ECRRegion)
	v.SetDefault("aws.s3_region", d.AWS.S3Region)
	v.SetDefault("aws.lock_table", d.AWS.LockTable)
	v.SetDefault("aws.assume_role_duration", d.AWS.AssumeRoleDuration)

	v.SetDefault("gcp.region", d.GCP.Region)
	v.SetDefault("gcp.artifact_registry_location", d.GCP.ArtifactRegistryLocation)
	v.SetDefault("gcp.artifact_registry_repository", d.GCP.ArtifactRegistryRepository)
	v.SetDefault("gcp.oauth_client_id", d.GCP.OAuthClientID)
	v.SetDefault("gcp.oauth_client_secret", d.GCP.OAuthClientSecret)
	v.SetDefault("gcp.oauth_token_url", d.GCP.OAuthTokenURL)

	v.SetDefault("sandbox.template", d.Sandbox.Template)
	v.SetDefault("sandbox.runtime", d.Sandbox.Runtime)
	v.SetDefault("sandbox.work_dir", d.Sandbox.WorkDir)
	v.SetDefault("sandbox.mount_docker_socket", d.Sandbox.MountDockerSocket)
	v.SetDefault("sandbox.memory", d.Sandbox.Memory)
	v.SetDefault("sandbox.cpus", d.Sandbox.CPUs)

	v.SetDefault("stream.registration_attempts", d.Stream.RegistrationAttempts)
	v.SetDefault("stream.registration_interval", d.Stream.RegistrationInterval)
	v.SetDefault("stream.poll_interval", d.Stream.PollInterval)
	v.SetDefault("stream.max_idle_polls", d.Stream.MaxIdlePolls)

	v.SetDefault("analysis.endpoint", d.Analysis.Endpoint)
	v.SetDefault("analysis.timeout", d.Analysis.Timeout)
	v.SetDefault("analysis.max_retries", d.Analysis.MaxRetries)

	v.SetDefault("workflow.default_provider", d.Workflow.DefaultProvider)
	v.SetDefault("workflow.platforms", d.Workflow.Platforms)

	v.SetDefault("encryption.master_key", d.Encrypt.MasterKey)

	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
}
