package deploy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"sirpi/internal/config"
	"sirpi/internal/credentials"
	"sirpi/internal/iac"
	"sirpi/internal/sandbox"
	"sirpi/internal/statebackend"
	"sirpi/internal/status"
)

// ECRAPI is the subset of the ECR client used by [AWSTarget].
type ECRAPI interface {
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// AWSCredentialSource yields assumed-role credentials. [credentials.AWSBroker]
// implements it.
type AWSCredentialSource interface {
	Credentials(ctx context.Context) (credentials.AWSCredentials, error)
}

// AWSTarget deploys to ECS Fargate: images go to ECR, state to S3 with
// DynamoDB locking.
type AWSTarget struct {
	creds  AWSCredentialSource
	cfg    config.AWSConfig
	logger *slog.Logger

	newECR     func(aws.Config) ECRAPI
	newBackend func(aws.Config) statebackend.Manager

	mu      sync.Mutex
	ecr     ECRAPI
	backend statebackend.Manager
}

// NewAWSTarget creates a target whose AWS clients are built from the
// credentials creds yields.
func NewAWSTarget(creds AWSCredentialSource, cfg config.AWSConfig, logger *slog.Logger) *AWSTarget {
	if logger == nil {
		logger = slog.Default()
	}
	t := &AWSTarget{creds: creds, cfg: cfg, logger: logger}
	t.newECR = func(c aws.Config) ECRAPI {
		return ecr.NewFromConfig(c, func(o *ecr.Options) { o.Region = cfg.ECRRegion })
	}
	t.newBackend = func(c aws.Config) statebackend.Manager {
		return statebackend.NewS3Manager(statebackend.S3Clients{
			S3:       s3.NewFromConfig(c, func(o *s3.Options) { o.Region = cfg.S3Region }),
			DynamoDB: dynamodb.NewFromConfig(c, func(o *dynamodb.Options) { o.Region = cfg.S3Region }),
			STS:      sts.NewFromConfig(c),
		}, cfg.S3Region, cfg.LockTable, logger)
	}
	return t
}

func (t *AWSTarget) Provider() status.CloudProvider { return status.CloudAWS }

func (t *AWSTarget) awsConfig(ctx context.Context) (aws.Config, error) {
	c, err := t.creds.Credentials(ctx)
	if err != nil {
		return aws.Config{}, err
	}
	return aws.Config{Region: t.cfg.Region, Credentials: c.Provider()}, nil
}

func (t *AWSTarget) ecrClient(ctx context.Context) (ECRAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ecr != nil {
		return t.ecr, nil
	}
	c, err := t.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	t.ecr = t.newECR(c)
	return t.ecr, nil
}

func (t *AWSTarget) stateBackend(ctx context.Context) (statebackend.Manager, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.backend != nil {
		return t.backend, nil
	}
	c, err := t.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	t.backend = t.newBackend(c)
	return t.backend, nil
}

// Configure writes the assumed-role credentials as the sandbox's default
// AWS profile.
func (t *AWSTarget) Configure(ctx context.Context, sh Shell, home string) error {
	c, err := t.creds.Credentials(ctx)
	if err != nil {
		return err
	}
	cfgFile, credFile := c.ConfigFiles(t.cfg.Region)

	dir := strings.TrimSuffix(home, "/") + "/.aws"
	if err := sh.WriteFile(ctx, dir+"/config", cfgFile); err != nil {
		return err
	}
	if err := sh.WriteFile(ctx, dir+"/credentials", credFile); err != nil {
		return err
	}
	sh.SetEnv("AWS_REGION", t.cfg.Region)
	sh.Log("AWS credentials configured for Terraform")
	return nil
}

// EnsureRepository returns the URI of the ECR repository "sirpi/{app}",
// creating it with scan-on-push and AES256 encryption when missing.
func (t *AWSTarget) EnsureRepository(ctx context.Context, app string) (string, error) {
	client, err := t.ecrClient(ctx)
	if err != nil {
		return "", err
	}
	name := "sirpi/" + app

	uri, found, err := describeRepository(ctx, client, name)
	if err != nil {
		return "", err
	}
	if found {
		t.logger.Debug("ecr repository exists", "repository", name, "uri", uri)
		return uri, nil
	}

	created, err := client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: true,
		},
		EncryptionConfiguration: &ecrtypes.EncryptionConfiguration{
			EncryptionType: ecrtypes.EncryptionTypeAes256,
		},
	})
	if err != nil {
		var exists *ecrtypes.RepositoryAlreadyExistsException
		if !errors.As(err, &exists) {
			return "", fmt.Errorf("failed to create ecr repository %s: %w", name, err)
		}
		// Created concurrently: look it up once more.
		uri, found, derr := describeRepository(ctx, client, name)
		if derr != nil {
			return "", derr
		}
		if !found {
			return "", fmt.Errorf("ecr repository %s exists but is not visible yet: %w", name, err)
		}
		return uri, nil
	}
	uri = aws.ToString(created.Repository.RepositoryUri)
	t.logger.Info("created ecr repository", "repository", name, "uri", uri)
	return uri, nil
}

func describeRepository(ctx context.Context, client ECRAPI, name string) (string, bool, error) {
	out, err := client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{name}})
	var notFound *ecrtypes.RepositoryNotFoundException
	if errors.As(err, &notFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to describe ecr repository %s: %w", name, err)
	}
	if len(out.Repositories) == 0 {
		return "", false, nil
	}
	return aws.ToString(out.Repositories[0].RepositoryUri), true, nil
}

// RegistryAuth decodes an ECR authorization token into a docker login.
func (t *AWSTarget) RegistryAuth(ctx context.Context) (RegistryAuth, error) {
	client, err := t.ecrClient(ctx)
	if err != nil {
		return RegistryAuth{}, err
	}
	out, err := client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return RegistryAuth{}, fmt.Errorf("failed to get ecr login: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return RegistryAuth{}, errors.New("ecr returned no authorization data")
	}
	data := out.AuthorizationData[0]

	raw, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return RegistryAuth{}, fmt.Errorf("invalid ecr authorization token: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return RegistryAuth{}, errors.New("invalid ecr authorization token: missing separator")
	}
	return RegistryAuth{Username: user, Password: pass, Server: aws.ToString(data.ProxyEndpoint)}, nil
}

func (t *AWSTarget) EnsureBackend(ctx context.Context, project string) (statebackend.Backend, error) {
	m, err := t.stateBackend(ctx)
	if err != nil {
		return statebackend.Backend{}, err
	}
	return m.EnsureBackend(ctx, project)
}

func (t *AWSTarget) CleanupBackend(ctx context.Context, project string) {
	m, err := t.stateBackend(ctx)
	if err != nil {
		t.logger.Warn("state cleanup skipped", "project", project, "error", err)
		return
	}
	m.Cleanup(ctx, project)
}

func (t *AWSTarget) Variables(app, imageURI string) []Variable {
	return []Variable{
		{Name: "image_uri", Value: imageURI},
		{Name: "app_name", Value: app},
		{Name: "ecr_repository_name", Value: "sirpi/" + app},
	}
}

// ApplicationURL is http:// plus the load balancer DNS name.
func (t *AWSTarget) ApplicationURL(outputs map[string]any) string {
	if dns, ok := iac.OutputString(outputs, "alb_dns_name"); ok {
		return "http://" + dns
	}
	return ""
}

func (t *AWSTarget) Close() error { return nil }

// Compile-time checks.
var (
	_ Target = (*AWSTarget)(nil)
	_ Shell  = (*sandbox.Session)(nil)
)
