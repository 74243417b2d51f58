package templates

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"sirpi/internal/analysis"
)

// ErrUnsupportedLanguage is returned when no Dockerfile template exists for
// the detected language.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// TerraformGenerator renders the Terraform file set for a platform from
// an analysis result.
type TerraformGenerator struct {
	registry *Registry
}

// NewTerraformGenerator creates a generator backed by registry.
func NewTerraformGenerator(registry *Registry) *TerraformGenerator {
	return &TerraformGenerator{registry: registry}
}

// GenerateTerraform renders the files for platform.
func (g *TerraformGenerator) GenerateTerraform(ctx context.Context, repoURL, platform string, res *analysis.Result) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := ParsePlatform(platform)
	if err != nil {
		return nil, err
	}
	gen, err := g.registry.Get(p)
	if err != nil {
		return nil, err
	}
	out, err := gen.Generate(NewContext(repoURL, res))
	if err != nil {
		return nil, fmt.Errorf("failed to generate terraform for %s: %w", p, err)
	}
	return out, nil
}

// DockerfileGenerator renders a multi-stage Dockerfile for the detected
// language.
type DockerfileGenerator struct{}

// NewDockerfileGenerator creates a [DockerfileGenerator].
func NewDockerfileGenerator() *DockerfileGenerator {
	return &DockerfileGenerator{}
}

var languageTemplates = map[string]string{
	"python":     "python",
	"javascript": "node",
	"typescript": "node",
	"node":       "node",
	"nodejs":     "node",
	"go":         "go",
	"golang":     "go",
	"java":       "java",
	"kotlin":     "java",
}

// GenerateDockerfile renders the Dockerfile for res.
func (g *DockerfileGenerator) GenerateDockerfile(ctx context.Context, res *analysis.Result) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, ok := languageTemplates[strings.ToLower(strings.TrimSpace(res.Language))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, res.Language)
	}
	return render(path.Join("files", "dockerfile", name+".tmpl"), NewContext("", res))
}
