package deploy

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"sirpi/internal/config"
	"sirpi/internal/credentials"
	"sirpi/internal/logging"
	"sirpi/internal/sandbox"
	"sirpi/internal/statebackend"
	"sirpi/internal/status"
)

// fakeShell records what a target does to a sandbox.
type fakeShell struct {
	files map[string]string
	env   map[string]string
	logs  []string
}

func newFakeShell() *fakeShell {
	return &fakeShell{files: map[string]string{}, env: map[string]string{}}
}

func (f *fakeShell) RunCommand(ctx context.Context, command string, opts sandbox.RunOptions) (sandbox.Result, error) {
	return sandbox.Result{}, nil
}

func (f *fakeShell) WriteFile(ctx context.Context, path, content string) error {
	f.files[path] = content
	return nil
}

func (f *fakeShell) SetEnv(key, value string) { f.env[key] = value }
func (f *fakeShell) Log(line string)          { f.logs = append(f.logs, line) }

type fakeStateManager struct {
	backend statebackend.Backend
	ensured []string
	cleaned []string
}

func (f *fakeStateManager) EnsureBackend(ctx context.Context, project string) (statebackend.Backend, error) {
	f.ensured = append(f.ensured, project)
	return f.backend, nil
}

func (f *fakeStateManager) Cleanup(ctx context.Context, project string) {
	f.cleaned = append(f.cleaned, project)
}

type fakeAWSCreds struct {
	creds credentials.AWSCredentials
	err   error
}

func (f *fakeAWSCreds) Credentials(ctx context.Context) (credentials.AWSCredentials, error) {
	return f.creds, f.err
}

type fakeECR struct {
	repos     map[string]string
	created   []*ecr.CreateRepositoryInput
	token     string
	describes int

	// createErr, when set, is returned by CreateRepository instead of
	// creating the repository.
	createErr error
}

func (f *fakeECR) DescribeRepositories(ctx context.Context, in *ecr.DescribeRepositoriesInput, _ ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	f.describes++
	uri, ok := f.repos[in.RepositoryNames[0]]
	if !ok {
		return nil, &ecrtypes.RepositoryNotFoundException{Message: aws.String("not found")}
	}
	return &ecr.DescribeRepositoriesOutput{Repositories: []ecrtypes.Repository{{RepositoryUri: aws.String(uri)}}}, nil
}

func (f *fakeECR) CreateRepository(ctx context.Context, in *ecr.CreateRepositoryInput, _ ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	f.created = append(f.created, in)
	if f.createErr != nil {
		return nil, f.createErr
	}
	uri := "123456789012.dkr.ecr.us-west-2.amazonaws.com/" + aws.ToString(in.RepositoryName)
	f.repos[aws.ToString(in.RepositoryName)] = uri
	return &ecr.CreateRepositoryOutput{Repository: &ecrtypes.Repository{RepositoryUri: aws.String(uri)}}, nil
}

func (f *fakeECR) GetAuthorizationToken(ctx context.Context, in *ecr.GetAuthorizationTokenInput, _ ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	return &ecr.GetAuthorizationTokenOutput{AuthorizationData: []ecrtypes.AuthorizationData{{
		AuthorizationToken: aws.String(f.token),
		ProxyEndpoint:      aws.String("https://123456789012.dkr.ecr.us-west-2.amazonaws.com"),
	}}}, nil
}

func newTestAWSTarget(creds *fakeAWSCreds) (*AWSTarget, *fakeECR, *fakeStateManager) {
	fe := &fakeECR{repos: map[string]string{}, token: base64.StdEncoding.EncodeToString([]byte("AWS:ecr-password"))}
	fm := &fakeStateManager{backend: statebackend.Backend{Kind: "s3", Bucket: "states"}}
	t := NewAWSTarget(creds, config.DefaultConfig().AWS, logging.Discard())
	t.newECR = func(aws.Config) ECRAPI { return fe }
	t.newBackend = func(aws.Config) statebackend.Manager { return fm }
	return t, fe, fm
}

func TestAWSTarget_EnsureRepositoryCreatesOnce(t *testing.T) {
	target, fe, _ := newTestAWSTarget(&fakeAWSCreds{})
	ctx := context.Background()

	uri, err := target.EnsureRepository(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, awsRepo, uri)
	require.Len(t, fe.created, 1)
	assert.Equal(t, "sirpi/shop", aws.ToString(fe.created[0].RepositoryName))
	assert.True(t, fe.created[0].ImageScanningConfiguration.ScanOnPush)
	assert.Equal(t, ecrtypes.EncryptionTypeAes256, fe.created[0].EncryptionConfiguration.EncryptionType)

	uri, err = target.EnsureRepository(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, awsRepo, uri)
	assert.Len(t, fe.created, 1)
}

func TestAWSTarget_EnsureRepositoryCreateRace(t *testing.T) {
	target, fe, _ := newTestAWSTarget(&fakeAWSCreds{})
	fe.createErr = &ecrtypes.RepositoryAlreadyExistsException{Message: aws.String("exists")}

	// Describe keeps answering not found, as it may right after a
	// concurrent create.
	_, err := target.EnsureRepository(context.Background(), "shop")

	require.Error(t, err)
	var exists *ecrtypes.RepositoryAlreadyExistsException
	assert.ErrorAs(t, err, &exists)
	assert.Equal(t, 2, fe.describes, "describe is retried once")
	assert.Len(t, fe.created, 1)
}

func TestAWSTarget_EnsureRepositoryCreateRaceResolved(t *testing.T) {
	target, fe, _ := newTestAWSTarget(&fakeAWSCreds{})
	fe.createErr = &ecrtypes.RepositoryAlreadyExistsException{Message: aws.String("exists")}
	target.newECR = func(aws.Config) ECRAPI {
		return &racingECR{fakeECR: fe, uri: awsRepo}
	}

	uri, err := target.EnsureRepository(context.Background(), "shop")

	require.NoError(t, err)
	assert.Equal(t, awsRepo, uri)
	assert.Equal(t, 2, fe.describes)
}

// racingECR makes the repository visible once CreateRepository has lost
// the race.
type racingECR struct {
	*fakeECR
	uri string
}

func (r *racingECR) CreateRepository(ctx context.Context, in *ecr.CreateRepositoryInput, opts ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	out, err := r.fakeECR.CreateRepository(ctx, in, opts...)
	r.repos[aws.ToString(in.RepositoryName)] = r.uri
	return out, err
}

func TestAWSTarget_RegistryAuth(t *testing.T) {
	target, _, _ := newTestAWSTarget(&fakeAWSCreds{})

	auth, err := target.RegistryAuth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RegistryAuth{
		Username: "AWS",
		Password: "ecr-password",
		Server:   "https://123456789012.dkr.ecr.us-west-2.amazonaws.com",
	}, auth)
}

func TestAWSTarget_Configure(t *testing.T) {
	target, _, _ := newTestAWSTarget(&fakeAWSCreds{creds: credentials.AWSCredentials{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "session",
	}})
	sh := newFakeShell()

	require.NoError(t, target.Configure(context.Background(), sh, "/home/user"))
	assert.Equal(t, "[default]\nregion = us-west-2\noutput = json\n", sh.files["/home/user/.aws/config"])
	assert.Contains(t, sh.files["/home/user/.aws/credentials"], "aws_access_key_id = AKIAEXAMPLE\n")
	assert.Contains(t, sh.files["/home/user/.aws/credentials"], "aws_session_token = session\n")
	assert.Equal(t, "us-west-2", sh.env["AWS_REGION"])
	assert.Equal(t, []string{"AWS credentials configured for Terraform"}, sh.logs)
}

func TestAWSTarget_CredentialFailure(t *testing.T) {
	trust := &credentials.TrustError{Provider: "aws", Reason: "AccessDenied"}
	target, _, _ := newTestAWSTarget(&fakeAWSCreds{err: trust})

	err := target.Configure(context.Background(), newFakeShell(), "/home/user")
	assert.ErrorIs(t, err, trust)
	_, err = target.EnsureRepository(context.Background(), "shop")
	assert.ErrorIs(t, err, trust)
}

func TestAWSTarget_BackendAndOutputs(t *testing.T) {
	target, _, fm := newTestAWSTarget(&fakeAWSCreds{})
	ctx := context.Background()

	b, err := target.EnsureBackend(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "states", b.Bucket)
	target.CleanupBackend(ctx, "shop")
	assert.Equal(t, []string{"shop"}, fm.ensured)
	assert.Equal(t, []string{"shop"}, fm.cleaned)

	assert.Equal(t, []Variable{
		{Name: "image_uri", Value: awsImage},
		{Name: "app_name", Value: "shop"},
		{Name: "ecr_repository_name", Value: "sirpi/shop"},
	}, target.Variables("shop", awsImage))
	assert.Equal(t, "http://shop.elb.amazonaws.com", target.ApplicationURL(map[string]any{"alb_dns_name": "shop.elb.amazonaws.com"}))
	assert.Empty(t, target.ApplicationURL(map[string]any{}))
	assert.Equal(t, status.CloudAWS, target.Provider())
}

type fakeGCPCreds struct {
	creds credentials.GCPCredentials
	err   error
}

func (f *fakeGCPCreds) Credentials(ctx context.Context) (credentials.GCPCredentials, error) {
	return f.creds, f.err
}

type fakeRegistry struct {
	calls [][3]string
}

func (f *fakeRegistry) EnsureDockerRepository(ctx context.Context, project, location, repository string) (bool, error) {
	f.calls = append(f.calls, [3]string{project, location, repository})
	return len(f.calls) == 1, nil
}

func newTestGCPTarget(projectID string, creds *fakeGCPCreds) (*GCPTarget, *fakeRegistry, *fakeStateManager, *int) {
	fr := &fakeRegistry{}
	fm := &fakeStateManager{backend: statebackend.Backend{Kind: "gcs", Bucket: "user-proj-sirpi-terraform-state"}}
	closed := new(int)
	t := NewGCPTarget(creds, projectID, config.DefaultConfig().GCP, logging.Discard())
	t.newRegistry = func(context.Context, oauth2.TokenSource) (RegistryAPI, error) { return fr, nil }
	t.newBackend = func(context.Context, oauth2.TokenSource, string) (statebackend.Manager, func() error, error) {
		return fm, func() error { *closed++; return nil }, nil
	}
	return t, fr, fm, closed
}

func userGCPCreds() *fakeGCPCreds {
	return &fakeGCPCreds{creds: credentials.GCPCredentials{ProjectID: "user-proj", AccessToken: "ya29.token", TokenType: "Bearer"}}
}

func TestGCPTarget_EnsureRepository(t *testing.T) {
	target, fr, _, _ := newTestGCPTarget("", userGCPCreds())

	uri, err := target.EnsureRepository(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, "us-central1-docker.pkg.dev/user-proj/sirpi-deployments/shop", uri)
	assert.Equal(t, [][3]string{{"user-proj", "us-central1", "sirpi-deployments"}}, fr.calls)

	found, ok := FindImageURI(status.CloudGCP, []string{"Image pushed successfully: " + uri + ":latest"})
	require.True(t, ok)
	assert.Equal(t, uri+":latest", found)
}

func TestGCPTarget_ExplicitProjectWins(t *testing.T) {
	target, _, _, _ := newTestGCPTarget("other-proj", userGCPCreds())

	uri, err := target.EnsureRepository(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, "us-central1-docker.pkg.dev/other-proj/sirpi-deployments/shop", uri)
}

func TestGCPTarget_ConfigureAndVariables(t *testing.T) {
	target, _, _, _ := newTestGCPTarget("", userGCPCreds())
	sh := newFakeShell()

	require.NoError(t, target.Configure(context.Background(), sh, "/home/user"))
	assert.Equal(t, map[string]string{
		"GOOGLE_OAUTH_ACCESS_TOKEN": "ya29.token",
		"GOOGLE_PROJECT":            "user-proj",
		"CLOUDSDK_CORE_PROJECT":     "user-proj",
	}, sh.env)
	assert.Equal(t, []string{"GCP credentials configured for Terraform"}, sh.logs)

	assert.Equal(t, []Variable{
		{Name: "image_uri", Value: "img"},
		{Name: "app_name", Value: "shop"},
		{Name: "project_id", Value: "user-proj"},
		{Name: "region", Value: "us-central1"},
	}, target.Variables("shop", "img"))
}

func TestGCPTarget_RegistryAuthAndURL(t *testing.T) {
	target, _, _, _ := newTestGCPTarget("", userGCPCreds())

	auth, err := target.RegistryAuth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RegistryAuth{Username: "oauth2accesstoken", Password: "ya29.token", Server: "https://us-central1-docker.pkg.dev"}, auth)

	assert.Equal(t, "https://shop-abc.a.run.app", target.ApplicationURL(map[string]any{"service_url": "https://shop-abc.a.run.app"}))
	assert.Empty(t, target.ApplicationURL(nil))
}

func TestGCPTarget_BackendIsClosed(t *testing.T) {
	target, _, fm, closed := newTestGCPTarget("", userGCPCreds())
	ctx := context.Background()

	_, err := target.EnsureBackend(ctx, "shop")
	require.NoError(t, err)
	target.CleanupBackend(ctx, "shop")
	assert.Equal(t, []string{"shop"}, fm.ensured)
	assert.Equal(t, []string{"shop"}, fm.cleaned)

	require.NoError(t, target.Close())
	assert.Equal(t, 1, *closed)
	require.NoError(t, target.Close())
	assert.Equal(t, 1, *closed)
}

func TestGCPTarget_NoProject(t *testing.T) {
	target, _, _, _ := newTestGCPTarget("", &fakeGCPCreds{creds: credentials.GCPCredentials{AccessToken: "ya29.token"}})

	_, err := target.EnsureRepository(context.Background(), "shop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no gcp project configured")
}

func TestGCPTarget_CredentialFailure(t *testing.T) {
	target, _, _, _ := newTestGCPTarget("", &fakeGCPCreds{err: credentials.ErrNoCredentials})

	err := target.Configure(context.Background(), newFakeShell(), "/home/user")
	assert.True(t, errors.Is(err, credentials.ErrNoCredentials))
}

func TestFindImageURI(t *testing.T) {
	tests := []struct {
		name     string
		provider status.CloudProvider
		lines    []string
		want     string
		ok       bool
	}{
		{
			name:     "aws push line",
			provider: status.CloudAWS,
			lines:    []string{"Starting Docker image build...", "Image pushed successfully: " + awsImage},
			want:     awsImage,
			ok:       true,
		},
		{
			name:     "aws pattern ignores gcp images",
			provider: status.CloudAWS,
			lines:    []string{"Image pushed successfully: us-central1-docker.pkg.dev/p/r/app:latest"},
		},
		{
			name:     "no image",
			provider: status.CloudGCP,
			lines:    []string{"Build failed: boom"},
		},
		{
			name:     "unsupported provider",
			provider: status.CloudAzure,
			lines:    []string{awsImage},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindImageURI(tt.provider, tt.lines)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAppName(t *testing.T) {
	assert.Equal(t, "shop", AppName("Shop"))
	assert.Equal(t, "my-shop", AppName("  My Shop! "))
	assert.Equal(t, "api_v2.svc", AppName("API_v2.svc"))
}

func TestRenderTFVars(t *testing.T) {
	vars := []Variable{{Name: "image_uri", Value: "img:latest"}, {Name: "app_name", Value: "shop"}}

	assert.Equal(t, "image_uri = \"img:latest\"\napp_name = \"shop\"\n", RenderTFVars(vars, nil))

	got := RenderTFVars(vars, map[string]string{
		"Z_LAST":  "line1\nline2",
		"A_FIRST": `C:\path`,
		"TMPL":    "${HOME}",
	})
	assert.Equal(t, "image_uri = \"img:latest\"\napp_name = \"shop\"\n"+
		"app_env_vars = {\n"+
		"  \"A_FIRST\" = \"C:\\\\path\"\n"+
		"  \"TMPL\" = \"$${HOME}\"\n"+
		"  \"Z_LAST\" = \"line1\\nline2\"\n"+
		"}\n", got)
}
