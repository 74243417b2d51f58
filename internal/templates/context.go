package templates

import (
	"regexp"
	"strings"

	"sirpi/internal/analysis"
)

// Context is the input every generator renders from.
type Context struct {
	AppName    string
	Repository string

	Language             string
	Framework            string
	Runtime              string
	PackageManager       string
	Port                 int
	HealthCheckPath      string
	EnvironmentVariables []string
	StartCommand         string
	BuildCommand         string
}

// NewContext derives a generator context from an analysis result.
func NewContext(repoURL string, res *analysis.Result) Context {
	c := Context{
		AppName:              analysis.ServiceName(repoURL),
		Language:             res.Language,
		Framework:            res.Framework,
		Runtime:              res.RuntimeVersion,
		PackageManager:       strings.ToLower(res.PackageManager),
		Port:                 res.Port(),
		HealthCheckPath:      res.HealthPath(),
		EnvironmentVariables: append([]string(nil), res.EnvironmentVariables...),
		StartCommand:         res.StartCommand,
		BuildCommand:         res.BuildCommand,
	}
	if repo, err := analysis.ParseRepositoryURL(repoURL); err == nil {
		c.Repository = repo.String()
	}
	return c
}

var versionPattern = regexp.MustCompile(`\d+(\.\d+)?`)

// RuntimeTag returns the major[.minor] version found in Runtime, or def.
func (c Context) RuntimeTag(def string) string {
	if v := versionPattern.FindString(c.Runtime); v != "" {
		return v
	}
	return def
}
