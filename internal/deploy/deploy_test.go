package deploy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirpi/internal/credentials"
	"sirpi/internal/encryption"
	"sirpi/internal/iac"
	"sirpi/internal/logging"
	"sirpi/internal/sandbox"
	"sirpi/internal/sandbox/sandboxtest"
	"sirpi/internal/statebackend"
	"sirpi/internal/status"
	"sirpi/internal/storage"
	"sirpi/internal/store"
)

const (
	awsRepo  = "123456789012.dkr.ecr.us-west-2.amazonaws.com/sirpi/shop"
	awsImage = awsRepo + ":latest"
)

type env struct {
	ctx       context.Context
	store     *store.Memory
	artifacts *storage.Memory
	rt        *sandboxtest.Runtime
	target    *MockTarget
	pub       *MockPublisher
	svc       *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	enc, err := encryption.New("test-master-key", nil)
	require.NoError(t, err)

	e := &env{
		ctx:       context.Background(),
		store:     store.NewMemory(enc),
		artifacts: storage.NewMemory(),
		rt:        sandboxtest.New(),
		target: &MockTarget{
			RepositoryURI: awsRepo,
			Auth:          RegistryAuth{Username: "AWS", Password: "secret", Server: "https://123456789012.dkr.ecr.us-west-2.amazonaws.com"},
			Backend: statebackend.Backend{
				Kind:      "s3",
				Bucket:    "sirpi-terraform-states-123456789012",
				Key:       "projects/shop/terraform.tfstate",
				Region:    "us-west-2",
				LockTable: "sirpi-terraform-locks",
			},
			URLOutput: "alb_dns_name",
		},
		pub: &MockPublisher{},
	}
	e.svc = New(e.store, e.artifacts, sandbox.NewManager(e.rt, logging.Discard()), e.target.Factory(),
		Options{Template: "sirpi-sandbox:latest"}, logging.Discard())
	e.svc.SetPublisher(e.pub)

	require.NoError(t, e.store.CreateProject(e.ctx, &store.Project{
		ID:            "p1",
		UserID:        "u1",
		Name:          "Shop",
		RepositoryURL: "https://github.com/acme/shop",
		Provider:      status.CloudAWS,
		AWSRoleARN:    "arn:aws:iam::123456789012:role/sirpi",
	}))
	return e
}

func (e *env) seedArtifacts(t *testing.T) {
	t.Helper()
	files := map[string]string{
		"acme/shop/Dockerfile":   "FROM python:3.11-slim\n",
		"acme/shop/main.tf":      "terraform {\n  backend \"s3\" {\n    bucket = \"old\"\n  }\n}\nresource \"aws_ecs_service\" \"app\" {}\n",
		"acme/shop/variables.tf": "variable \"image_uri\" {}\n",
	}
	for p, c := range files {
		_, err := e.artifacts.Upload(e.ctx, p, c)
		require.NoError(t, err)
	}
}

func (e *env) seedBuild(t *testing.T) {
	t.Helper()
	require.NoError(t, e.store.SaveDeploymentLog(e.ctx, store.DeploymentLog{
		ProjectID: "p1",
		Operation: status.OperationBuildImage,
		Status:    status.StageSuccess,
		Lines:     []string{"Starting Docker image build...", "Image pushed successfully: " + awsImage},
	}))
}

func (e *env) project(t *testing.T) *store.Project {
	t.Helper()
	p, err := e.store.GetProject(e.ctx, "p1")
	require.NoError(t, err)
	return p
}

func (e *env) latestLog(t *testing.T, op status.Operation) *store.DeploymentLog {
	t.Helper()
	l, err := e.store.LatestDeploymentLog(e.ctx, "p1", op)
	require.NoError(t, err)
	return l
}

func TestBuildImage_Success(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)

	res, err := e.svc.BuildImage(e.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, status.OperationBuildImage, res.Operation)
	assert.Equal(t, awsImage, res.ImageURI)

	clone := e.rt.CommandsContaining("git clone")
	require.Len(t, clone, 1)
	assert.Contains(t, clone[0], "'https://github.com/acme/shop' '/home/user/repo'")

	dockerfile, ok := e.rt.File("/home/user/repo/Dockerfile")
	require.True(t, ok)
	assert.Equal(t, "FROM python:3.11-slim\n", dockerfile)

	assert.Len(t, e.rt.CommandsContaining("docker build -f '/home/user/repo/Dockerfile' -t 'shop:latest' '/home/user/repo'"), 1)
	assert.Len(t, e.rt.CommandsContaining("docker login --username 'AWS' --password-stdin"), 1)
	assert.Len(t, e.rt.CommandsContaining("docker tag 'shop:latest' '"+awsImage+"'"), 1)
	assert.Len(t, e.rt.CommandsContaining("docker push '"+awsImage+"'"), 1)

	assert.Equal(t, status.DeploymentImageBuilt, e.project(t).DeploymentStatus)

	l := e.latestLog(t, status.OperationBuildImage)
	assert.Equal(t, status.StageSuccess, l.Status)
	assert.Equal(t, "Starting Docker image build...", l.Lines[0])
	assert.Equal(t, "Image pushed successfully: "+awsImage, l.Lines[len(l.Lines)-1])
	uri, ok := FindImageURI(status.CloudAWS, l.Lines)
	require.True(t, ok)
	assert.Equal(t, awsImage, uri)

	assert.Equal(t, []string{"p1"}, e.pub.Registered)
	assert.Equal(t, []string{"p1"}, e.pub.Completed)
	assert.Equal(t, []string{"p1"}, e.pub.Expired)
	assert.Equal(t, l.Lines, e.pub.Lines)

	assert.Equal(t, 1, e.rt.Created())
	assert.Equal(t, 1, e.rt.Removed())
	assert.True(t, e.target.Closed)
}

func TestBuildImage_MissingDockerfile(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.BuildImage(e.ctx, "p1")
	require.ErrorIs(t, err, ErrDockerfileNotFound)
	assert.Zero(t, e.rt.Created())
	assert.Empty(t, e.pub.Registered)
}

func TestBuildImage_PushFailure(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)
	e.rt.On("docker push", sandboxtest.Response{ExitCode: 1, Stderr: "denied: not authorized"})

	_, err := e.svc.BuildImage(e.ctx, "p1")
	require.Error(t, err)
	assert.Equal(t, "docker push failed with exit code 1: denied: not authorized", err.Error())

	l := e.latestLog(t, status.OperationBuildImage)
	assert.Equal(t, status.StageError, l.Status)
	assert.Equal(t, "Error: "+err.Error(), l.Lines[len(l.Lines)-1])
	assert.Contains(t, l.Lines, "Build failed: "+err.Error())

	assert.Equal(t, status.DeploymentNone, e.project(t).DeploymentStatus)
	assert.Equal(t, []string{"p1"}, e.pub.Completed)
	assert.Equal(t, 1, e.rt.Removed())
}

func TestBuildImage_CredentialFailureIsRecorded(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)
	e.svc.targets = func(ctx context.Context, p *store.Project) (Target, error) {
		return nil, &credentials.TrustError{Provider: "aws", Reason: "AccessDenied"}
	}

	_, err := e.svc.BuildImage(e.ctx, "p1")
	var trust *credentials.TrustError
	require.ErrorAs(t, err, &trust)
	assert.Zero(t, e.rt.Created())

	l := e.latestLog(t, status.OperationBuildImage)
	assert.Equal(t, status.StageError, l.Status)
	assert.Equal(t, []string{"Starting Docker image build...", "Error: " + err.Error()}, l.Lines)
	assert.Equal(t, []string{"p1"}, e.pub.Completed)
}

func TestBuildImage_SandboxProvisioningFailure(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)
	e.rt.CreateErr = errors.New("docker daemon unavailable")

	_, err := e.svc.BuildImage(e.ctx, "p1")
	var perr *sandbox.ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, status.StageError, e.latestLog(t, status.OperationBuildImage).Status)
}

func TestPlan_RequiresBuiltImage(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)

	_, err := e.svc.Plan(e.ctx, "p1")
	require.ErrorIs(t, err, ErrImageNotBuilt)

	_, err = e.svc.Apply(e.ctx, "p1")
	require.ErrorIs(t, err, ErrImageNotBuilt)

	assert.Zero(t, e.rt.Created())
	assert.Empty(t, e.rt.Commands())
	assert.Empty(t, e.pub.Registered)
}

func TestPlan_RequiresTerraform(t *testing.T) {
	e := newEnv(t)
	e.seedBuild(t)

	_, err := e.svc.Plan(e.ctx, "p1")
	require.ErrorIs(t, err, ErrNoTerraform)
	assert.Zero(t, e.rt.Created())
}

func TestPlan_Success(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)
	e.seedBuild(t)
	require.NoError(t, e.store.SetEnvVar(e.ctx, "p1", "API_KEY", `se"cret`))
	e.rt.On("terraform plan", sandboxtest.Response{Stdout: "Plan: 3 to add, 0 to change, 0 to destroy.\n"})

	res, err := e.svc.Plan(e.ctx, "p1")
	require.NoError(t, err)
	assert.Contains(t, res.PlanOutput, "Plan: 3 to add")

	tfvars, ok := e.rt.File("/home/user/terraform/terraform.tfvars")
	require.True(t, ok)
	assert.Equal(t, "image_uri = \""+awsImage+"\"\n"+
		"app_name = \"shop\"\n"+
		"app_env_vars = {\n  \"API_KEY\" = \"se\\\"cret\"\n}\n", tfvars)

	backend, ok := e.rt.File("/home/user/terraform/backend.tf")
	require.True(t, ok)
	assert.Equal(t, e.target.Backend.Config(), backend)

	mainTF, ok := e.rt.File("/home/user/terraform/main.tf")
	require.True(t, ok)
	assert.NotContains(t, mainTF, `backend "s3"`)
	assert.Contains(t, mainTF, `resource "aws_ecs_service" "app"`)

	cmds := e.rt.CommandsContaining("terraform ")
	require.Len(t, cmds, 2)
	assert.Contains(t, cmds[0], "terraform init")
	assert.Contains(t, cmds[1], "terraform plan")
	assert.Contains(t, cmds[1], "-var-file='/home/user/terraform/terraform.tfvars'")

	assert.Equal(t, 1, e.target.Configured)
	assert.Equal(t, status.DeploymentPlanGenerated, e.project(t).DeploymentStatus)

	l := e.latestLog(t, status.OperationPlan)
	assert.Equal(t, status.StageSuccess, l.Status)
	assert.Equal(t, "Starting Terraform planning...", l.Lines[0])
	assert.Contains(t, l.Lines, "Found backend configuration in main.tf, replacing it")
	assert.Contains(t, l.Lines, "Terraform plan generated successfully")
}

func TestPlan_InitFailure(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)
	e.seedBuild(t)
	e.rt.On("terraform init", sandboxtest.Response{ExitCode: 1, Stderr: "Error: Failed to get existing workspaces"})

	_, err := e.svc.Plan(e.ctx, "p1")
	require.ErrorIs(t, err, iac.ErrInitFailed)
	var step *iac.StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, "Error: Failed to get existing workspaces", step.Stderr)

	assert.Empty(t, e.rt.CommandsContaining("terraform plan"))
	assert.Equal(t, status.DeploymentNone, e.project(t).DeploymentStatus)
	assert.Equal(t, status.StageError, e.latestLog(t, status.OperationPlan).Status)
}

func TestApply_RecordsApplicationURL(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)
	e.seedBuild(t)
	e.rt.On("terraform output -json", sandboxtest.Response{
		Stdout: `{"alb_dns_name":{"value":"shop-alb.us-west-2.elb.amazonaws.com","type":"string","sensitive":false}}`,
	})

	res, err := e.svc.Apply(e.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "http://shop-alb.us-west-2.elb.amazonaws.com", res.ApplicationURL)
	assert.Equal(t, "shop-alb.us-west-2.elb.amazonaws.com", res.Outputs["alb_dns_name"])
	assert.Len(t, e.rt.CommandsContaining("terraform apply -auto-approve"), 1)

	p := e.project(t)
	assert.Equal(t, status.DeploymentDeployed, p.DeploymentStatus)
	assert.Equal(t, "http://shop-alb.us-west-2.elb.amazonaws.com", p.ApplicationURL)
	assert.Equal(t, "shop-alb.us-west-2.elb.amazonaws.com", p.Outputs["alb_dns_name"])
}

func TestDestroy_UsesPlaceholderAndClearsOutputs(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)
	require.NoError(t, e.store.SetDeploymentResult(e.ctx, "p1", "http://old", map[string]any{"alb_dns_name": "old"}))

	_, err := e.svc.Destroy(e.ctx, "p1")
	require.NoError(t, err)

	tfvars, ok := e.rt.File("/home/user/terraform/terraform.tfvars")
	require.True(t, ok)
	assert.Contains(t, tfvars, `image_uri = "placeholder:latest"`)
	assert.Len(t, e.rt.CommandsContaining("terraform destroy -auto-approve"), 1)
	assert.Equal(t, []string{"shop"}, e.target.Cleaned)

	p := e.project(t)
	assert.Equal(t, status.DeploymentDestroyed, p.DeploymentStatus)
	assert.Empty(t, p.ApplicationURL)
	assert.Nil(t, p.Outputs)
}

func TestDestroy_FailureKeepsState(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)
	e.seedBuild(t)
	e.rt.On("terraform destroy", sandboxtest.Response{ExitCode: 1, Stderr: "Error: resource in use"})

	_, err := e.svc.Destroy(e.ctx, "p1")
	require.ErrorIs(t, err, iac.ErrDestroyFailed)
	assert.Empty(t, e.target.Cleaned)
	assert.Equal(t, status.DeploymentNone, e.project(t).DeploymentStatus)
}

func TestOperations_UnknownProject(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.BuildImage(e.ctx, "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
	_, err = e.svc.Plan(e.ctx, "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
	_, err = e.svc.Logs(e.ctx, "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestOperations_UnsupportedProvider(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.CreateProject(e.ctx, &store.Project{
		ID:            "p2",
		Name:          "Other",
		RepositoryURL: "https://github.com/acme/other",
		Provider:      status.CloudAzure,
	}))

	_, err := e.svc.BuildImage(e.ctx, "p2")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestLogs_LatestPerOperation(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)

	_, err := e.svc.BuildImage(e.ctx, "p1")
	require.NoError(t, err)
	_, err = e.svc.Plan(e.ctx, "p1")
	require.NoError(t, err)

	logs, err := e.svc.Logs(e.ctx, "p1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, status.OperationBuildImage, logs[0].Operation)
	assert.Equal(t, status.OperationPlan, logs[1].Operation)
}

func TestRun_DispatchesOperations(t *testing.T) {
	e := newEnv(t)
	e.seedArtifacts(t)

	res, err := e.svc.Run(e.ctx, status.OperationBuildImage, "p1")
	require.NoError(t, err)
	assert.Equal(t, awsImage, res.ImageURI)

	st, err := e.svc.DeploymentStatus(e.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, status.DeploymentImageBuilt, st)

	_, err = e.svc.Run(e.ctx, status.Operation("rollback"), "p1")
	assert.ErrorIs(t, err, ErrUnknownOperation)
}
