package templates

import "fmt"

// Platform is a deployment target a generator can produce files for.
type Platform string

const (
	PlatformAWSFargate         Platform = "aws_fargate"
	PlatformAWSEC2             Platform = "aws_ec2"
	PlatformAWSLambda          Platform = "aws_lambda"
	PlatformGCPCloudRun        Platform = "gcp_cloud_run"
	PlatformGCPGKE             Platform = "gcp_gke"
	PlatformAzureContainerApps Platform = "azure_container_apps"
	PlatformKubernetesGeneric  Platform = "kubernetes_generic"
)

// Platforms lists every known platform in display order.
var Platforms = []Platform{
	PlatformAWSFargate,
	PlatformAWSEC2,
	PlatformAWSLambda,
	PlatformGCPCloudRun,
	PlatformGCPGKE,
	PlatformAzureContainerApps,
	PlatformKubernetesGeneric,
}

// IsValid reports whether p is a known platform.
func (p Platform) IsValid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// Cloud returns the provider that hosts p, or "any" for portable targets.
func (p Platform) Cloud() string {
	switch p {
	case PlatformAWSFargate, PlatformAWSEC2, PlatformAWSLambda:
		return "aws"
	case PlatformGCPCloudRun, PlatformGCPGKE:
		return "gcp"
	case PlatformAzureContainerApps:
		return "azure"
	}
	return "any"
}

// ParsePlatform converts s to a [Platform].
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if !p.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
	}
	return p, nil
}
