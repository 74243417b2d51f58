package deploy

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"sirpi/internal/sandbox"
	"sirpi/internal/statebackend"
	"sirpi/internal/status"
	"sirpi/internal/store"
)

// PlaceholderImage stands in for the image URI when destroying a project
// whose image was never built.
const PlaceholderImage = "placeholder:latest"

// Shell is the sandbox surface a [Target] configures. [sandbox.Session]
// implements it.
type Shell interface {
	RunCommand(ctx context.Context, command string, opts sandbox.RunOptions) (sandbox.Result, error)
	WriteFile(ctx context.Context, filePath, content string) error
	SetEnv(key, value string)
	Log(msg string)
}

// RegistryAuth is a docker login for an image registry.
type RegistryAuth struct {
	Username string
	Password string
	Server   string
}

// Variable is one Terraform input variable.
type Variable struct {
	Name  string
	Value string
}

// Target is the cloud-specific half of a deployment operation. A target is
// built per operation and holds that operation's credentials.
type Target interface {
	Provider() status.CloudProvider

	// Configure installs the cloud credentials Terraform and docker need
	// into the sandbox. home is the sandbox home directory.
	Configure(ctx context.Context, sh Shell, home string) error

	// EnsureRepository creates the image repository for app when missing
	// and returns its URI without a tag.
	EnsureRepository(ctx context.Context, app string) (string, error)

	RegistryAuth(ctx context.Context) (RegistryAuth, error)

	// EnsureBackend provisions the remote state storage for project.
	EnsureBackend(ctx context.Context, project string) (statebackend.Backend, error)

	// CleanupBackend removes project's state. Failures are logged only.
	CleanupBackend(ctx context.Context, project string)

	// Variables returns the provider-specific Terraform inputs.
	Variables(app, imageURI string) []Variable

	// ApplicationURL derives the public URL from apply outputs, or "".
	ApplicationURL(outputs map[string]any) string

	// Close releases clients held by the target.
	Close() error
}

// TargetFactory builds the target for a project.
type TargetFactory func(ctx context.Context, p *store.Project) (Target, error)

var imagePatterns = map[status.CloudProvider]*regexp.Regexp{
	status.CloudAWS: regexp.MustCompile(`([0-9]+\.dkr\.ecr\.[a-z0-9-]+\.amazonaws\.com/[^\s:]+:[^\s]+)`),
	status.CloudGCP: regexp.MustCompile(`([a-z0-9-]+-docker\.pkg\.dev/[^\s:]+:[^\s]+)`),
}

// FindImageURI returns the first image URI of provider's registry found in
// lines.
func FindImageURI(provider status.CloudProvider, lines []string) (string, bool) {
	re, ok := imagePatterns[provider]
	if !ok {
		return "", false
	}
	for _, line := range lines {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// AppName derives the lowercase application name used for images, state
// and Terraform inputs from a project name.
func AppName(projectName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(projectName)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// RenderTFVars renders a terraform.tfvars file. env, when not empty, is
// rendered as the app_env_vars map with keys in lexical order.
func RenderTFVars(vars []Variable, env map[string]string) string {
	var b strings.Builder
	for _, v := range vars {
		b.WriteString(v.Name + " = " + hclString(v.Value) + "\n")
	}
	if len(env) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString("app_env_vars = {\n")
	for _, k := range keys {
		b.WriteString("  " + hclString(k) + " = " + hclString(env[k]) + "\n")
	}
	b.WriteString("}\n")
	return b.String()
}

var hclEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "${", "$${")

func hclString(s string) string {
	return `"` + hclEscaper.Replace(s) + `"`
}
