package templates

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"
)

//go:embed files
var files embed.FS

var funcs = template.FuncMap{
	"hcl":      hclString,
	"join":     strings.Join,
	"lower":    strings.ToLower,
	"execForm": execForm,
}

// hclString renders s as a quoted HCL string literal.
func hclString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "${", "$${", "%{", "%%{")
	return `"` + r.Replace(s) + `"`
}

// execForm renders a shell command as a Dockerfile JSON exec array.
func execForm(command string) string {
	b, _ := json.Marshal(strings.Fields(command))
	return string(b)
}

// fileGenerator renders every template in one embedded directory. Output
// names drop the .tmpl suffix.
type fileGenerator struct {
	meta Metadata
	dir  string
}

func (g *fileGenerator) Metadata() Metadata { return g.meta }

func (g *fileGenerator) Generate(c Context) (map[string]string, error) {
	root := path.Join("files", g.dir)
	entries, err := fs.ReadDir(files, root)
	if err != nil {
		return nil, fmt.Errorf("template set %s: %w", g.dir, err)
	}

	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmpl") {
			continue
		}
		content, err := render(path.Join(root, e.Name()), c)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(e.Name(), ".tmpl")] = content
	}
	return out, nil
}

func render(name string, data any) (string, error) {
	tmpl, err := template.New(path.Base(name)).Funcs(funcs).Option("missingkey=error").ParseFS(files, name)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

func builtins() []Generator {
	return []Generator{
		&fileGenerator{dir: "aws_fargate", meta: Metadata{
			Name:                      "AWS ECS Fargate",
			Platform:                  PlatformAWSFargate,
			CloudProvider:             "aws",
			Description:               "Serverless containers behind an application load balancer",
			RequiresLoadBalancer:      true,
			RequiresContainerRegistry: true,
			SupportsAutoscaling:       true,
			MinCostEstimateMonthly:    30,
			Difficulty:                "beginner",
		}},
		&fileGenerator{dir: "aws_lambda", meta: Metadata{
			Name:                      "AWS Lambda",
			Platform:                  PlatformAWSLambda,
			CloudProvider:             "aws",
			Description:               "Container image function behind an HTTP API gateway",
			RequiresLoadBalancer:      false,
			RequiresContainerRegistry: true,
			SupportsAutoscaling:       true,
			MinCostEstimateMonthly:    0,
			Difficulty:                "intermediate",
		}},
		&fileGenerator{dir: "gcp_cloud_run", meta: Metadata{
			Name:                      "GCP Cloud Run",
			Platform:                  PlatformGCPCloudRun,
			CloudProvider:             "gcp",
			Description:               "Fully managed containers that scale to zero",
			RequiresLoadBalancer:      false,
			RequiresContainerRegistry: true,
			SupportsAutoscaling:       true,
			MinCostEstimateMonthly:    0,
			Difficulty:                "beginner",
		}},
		&fileGenerator{dir: "gcp_gke", meta: Metadata{
			Name:                      "GCP GKE (Kubernetes)",
			Platform:                  PlatformGCPGKE,
			CloudProvider:             "gcp",
			Description:               "Autopilot Kubernetes cluster with a load-balanced deployment",
			RequiresLoadBalancer:      true,
			RequiresContainerRegistry: true,
			SupportsAutoscaling:       true,
			MinCostEstimateMonthly:    100,
			Difficulty:                "advanced",
		}},
	}
}
