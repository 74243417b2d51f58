// Package analysis holds the normalized repository analysis consumed by the
// artifact generators, and a client for the external analysis service.
//
// Key types:
//   - [Result] is the normalized description of an application
//   - [Client] calls the analysis service over HTTP with retries
//   - [Repository] is a parsed owner/name repository reference
package analysis

import (
	"errors"
	"strings"
)

// Result describes what the analysis service detected in a repository.
type Result struct {
	Language             string            `json:"language"`
	Framework            string            `json:"framework,omitempty"`
	RuntimeVersion       string            `json:"runtime_version,omitempty"`
	PackageManager       string            `json:"package_manager"`
	Dependencies         map[string]string `json:"dependencies"`
	EnvironmentVariables []string          `json:"environment_variables"`
	ExposedPort          int               `json:"exposed_port,omitempty"`
	HealthCheckPath      string            `json:"health_check_path,omitempty"`
	StartCommand         string            `json:"start_command,omitempty"`
	BuildCommand         string            `json:"build_command,omitempty"`
}

// ErrNoLanguage is returned by [Result.Validate] when detection produced
// no language.
var ErrNoLanguage = errors.New("analysis result has no language")

// Validate checks the minimum a generator needs.
func (r *Result) Validate() error {
	if strings.TrimSpace(r.Language) == "" {
		return ErrNoLanguage
	}
	return nil
}

// Stack returns "Framework Language", or just the language when no
// framework was detected.
func (r *Result) Stack() string {
	if r.Framework == "" {
		return r.Language
	}
	return r.Framework + " " + r.Language
}

// Port returns the exposed port, defaulting to 8080.
func (r *Result) Port() int {
	if r.ExposedPort > 0 {
		return r.ExposedPort
	}
	return 8080
}

// HealthPath returns the health-check path, defaulting to "/".
func (r *Result) HealthPath() string {
	if r.HealthCheckPath == "" {
		return "/"
	}
	return r.HealthCheckPath
}
