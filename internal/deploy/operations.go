package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sirpi/internal/iac"
	"sirpi/internal/orchestrator"
	"sirpi/internal/sandbox"
	"sirpi/internal/status"
	"sirpi/internal/storage"
	"sirpi/internal/store"
)

const (
	cloneTimeout = 5 * time.Minute
	pushTimeout  = 600 * time.Second

	tfVarsFile = "terraform.tfvars"
)

// BuildImage clones the project's repository, builds it with the generated
// Dockerfile and pushes the image to the project's cloud registry. The
// final log line carries the image URI, which later operations read back.
func (s *Service) BuildImage(ctx context.Context, projectID string) (*Result, error) {
	p, err := s.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	prefix, err := repositoryPrefix(p)
	if err != nil {
		return nil, err
	}
	dockerfile, found, err := s.artifacts.Download(ctx, prefix+orchestrator.DockerfileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read dockerfile: %w", err)
	}
	if !found {
		return nil, ErrDockerfileNotFound
	}

	return s.execute(ctx, p, status.OperationBuildImage, "Starting Docker image build...", status.DeploymentImageBuilt,
		func(ctx context.Context, op *operation) (*Result, error) {
			uri, err := s.buildAndPush(ctx, op, dockerfile)
			if err != nil {
				op.log("Build failed: " + err.Error())
				return nil, err
			}
			return &Result{ImageURI: uri}, nil
		}, nil)
}

func (s *Service) buildAndPush(ctx context.Context, op *operation, dockerfile string) (string, error) {
	app := AppName(op.project.Name)

	repoURI, err := op.target.EnsureRepository(ctx, app)
	if err != nil {
		return "", err
	}
	image := repoURI + ":latest"
	localTag := app + ":latest"
	repoDir := s.home("repo")

	op.log("Cloning " + op.project.RepositoryURL + "...")
	if err := run(ctx, op.sess, "git clone", fmt.Sprintf("git clone --depth 1 %s %s",
		sandbox.ShellQuote(op.project.RepositoryURL), sandbox.ShellQuote(repoDir)),
		sandbox.RunOptions{StreamOutput: true, Timeout: cloneTimeout}); err != nil {
		return "", err
	}
	op.log("Repository cloned")

	if err := op.sess.WriteFile(ctx, repoDir+"/"+orchestrator.DockerfileName, dockerfile); err != nil {
		return "", err
	}
	op.log("Wrote Dockerfile")

	if err := op.sess.BuildImage(ctx, repoDir+"/"+orchestrator.DockerfileName, localTag, repoDir); err != nil {
		return "", err
	}

	op.log("Authenticating with image registry...")
	auth, err := op.target.RegistryAuth(ctx)
	if err != nil {
		return "", err
	}
	login := fmt.Sprintf("printf %%s %s | docker login --username %s --password-stdin %s",
		sandbox.ShellQuote(auth.Password), sandbox.ShellQuote(auth.Username), sandbox.ShellQuote(auth.Server))
	if err := run(ctx, op.sess, "registry login", login, sandbox.RunOptions{}); err != nil {
		return "", err
	}
	op.log("Registry authentication successful")

	op.log("Tagging image: " + image)
	if err := run(ctx, op.sess, "docker tag", "docker tag "+sandbox.ShellQuote(localTag)+" "+sandbox.ShellQuote(image), sandbox.RunOptions{}); err != nil {
		return "", err
	}

	op.log("Pushing image: " + image)
	if err := run(ctx, op.sess, "docker push", "docker push "+sandbox.ShellQuote(image),
		sandbox.RunOptions{StreamOutput: true, Timeout: pushTimeout}); err != nil {
		return "", err
	}

	op.log("Image pushed successfully: " + image)
	return image, nil
}

// Plan runs terraform plan against the project's generated Terraform.
func (s *Service) Plan(ctx context.Context, projectID string) (*Result, error) {
	in, err := s.terraformInputs(ctx, projectID, true)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, in.project, status.OperationPlan, "Starting Terraform planning...", status.DeploymentPlanGenerated,
		func(ctx context.Context, op *operation) (*Result, error) {
			runner, varFile, err := s.prepareTerraform(ctx, op, in)
			if err != nil {
				return nil, err
			}
			out, err := runner.Plan(ctx, varFile)
			if err != nil {
				return nil, err
			}
			return &Result{PlanOutput: out}, nil
		}, nil)
}

// Apply provisions the project's infrastructure and records the
// application URL and Terraform outputs.
func (s *Service) Apply(ctx context.Context, projectID string) (*Result, error) {
	in, err := s.terraformInputs(ctx, projectID, true)
	if err != nil {
		return nil, err
	}

	return s.execute(ctx, in.project, status.OperationApply, "Starting deployment...", status.DeploymentDeployed,
		func(ctx context.Context, op *operation) (*Result, error) {
			runner, varFile, err := s.prepareTerraform(ctx, op, in)
			if err != nil {
				return nil, err
			}
			outputs, err := runner.Apply(ctx, varFile)
			if err != nil {
				return nil, err
			}
			appURL := op.target.ApplicationURL(outputs)
			if appURL != "" {
				op.log("Application available at " + appURL)
			}
			return &Result{Outputs: outputs, ApplicationURL: appURL}, nil
		},
		func(ctx context.Context, res *Result) {
			if len(res.Outputs) == 0 {
				return
			}
			if err := s.projects.SetDeploymentResult(ctx, in.project.ID, res.ApplicationURL, res.Outputs); err != nil {
				s.logger.Warn("failed to save deployment outputs", "project", in.project.ID, "error", err)
			}
		})
}

// Destroy tears down the project's infrastructure, removes its Terraform
// state and clears the recorded application URL and outputs.
func (s *Service) Destroy(ctx context.Context, projectID string) (*Result, error) {
	in, err := s.terraformInputs(ctx, projectID, false)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, in.project, status.OperationDestroy, "Starting infrastructure destruction...", status.DeploymentDestroyed,
		func(ctx context.Context, op *operation) (*Result, error) {
			runner, varFile, err := s.prepareTerraform(ctx, op, in)
			if err != nil {
				return nil, err
			}
			if err := runner.Destroy(ctx, varFile); err != nil {
				return nil, err
			}
			op.target.CleanupBackend(ctx, AppName(in.project.Name))
			return &Result{}, nil
		},
		func(ctx context.Context, _ *Result) {
			if err := s.projects.SetDeploymentResult(ctx, in.project.ID, "", nil); err != nil {
				s.logger.Warn("failed to clear deployment outputs", "project", in.project.ID, "error", err)
			}
		})
}

// terraformInputs is everything a Terraform operation reads before it
// touches a sandbox.
type terraformInputs struct {
	project  *store.Project
	files    map[string]string
	imageURI string
	env      map[string]string
}

func (s *Service) terraformInputs(ctx context.Context, projectID string, requireImage bool) (*terraformInputs, error) {
	p, err := s.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	prefix, err := repositoryPrefix(p)
	if err != nil {
		return nil, err
	}

	files, err := storage.DownloadPrefix(ctx, s.artifacts, prefix, ".tf")
	if err != nil {
		return nil, fmt.Errorf("failed to read terraform files: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrNoTerraform
	}

	image, err := s.imageURI(ctx, p)
	if err != nil {
		return nil, err
	}
	if image == "" {
		if requireImage {
			return nil, ErrImageNotBuilt
		}
		image = PlaceholderImage
	}

	env, err := s.projects.EnvVars(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return &terraformInputs{project: p, files: files, imageURI: image, env: env}, nil
}

// imageURI finds the pushed image in the latest build logs.
func (s *Service) imageURI(ctx context.Context, p *store.Project) (string, error) {
	l, err := s.projects.LatestDeploymentLog(ctx, p.ID, status.OperationBuildImage)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read build logs: %w", err)
	}
	uri, _ := FindImageURI(p.Provider, l.Lines)
	return uri, nil
}

// prepareTerraform configures credentials, writes the workspace, backend
// and variables, and runs terraform init.
func (s *Service) prepareTerraform(ctx context.Context, op *operation, in *terraformInputs) (*iac.Runner, string, error) {
	if err := op.target.Configure(ctx, op.sess, s.workDir); err != nil {
		return nil, "", err
	}

	app := AppName(in.project.Name)
	op.log("Configuring Terraform state backend...")
	backend, err := op.target.EnsureBackend(ctx, app)
	if err != nil {
		return nil, "", err
	}

	runner := iac.NewRunner(op.sess, s.home("terraform"), op.logger)
	for name, content := range in.files {
		if strings.Contains(content, `backend "s3"`) || strings.Contains(content, `backend "gcs"`) {
			op.log("Found backend configuration in " + name + ", replacing it")
		}
	}
	if err := runner.Prepare(ctx, in.files, backend.Config()); err != nil {
		return nil, "", err
	}
	op.log("Configured " + backend.Kind + " backend for Terraform state")

	varFile, err := runner.WriteVarFile(ctx, tfVarsFile, RenderTFVars(op.target.Variables(app, in.imageURI), in.env))
	if err != nil {
		return nil, "", err
	}
	op.log("Wrote " + tfVarsFile)

	if err := runner.Init(ctx); err != nil {
		return nil, "", err
	}
	return runner, varFile, nil
}

// run executes command and turns a non-zero exit into an error carrying
// the command's stderr.
func run(ctx context.Context, sess *sandbox.Session, what, command string, opts sandbox.RunOptions) error {
	res, err := sess.RunCommand(ctx, command, opts)
	if err != nil {
		return err
	}
	if !res.OK() {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "no error output"
		}
		return fmt.Errorf("%s failed with exit code %d: %s", what, res.ExitCode, msg)
	}
	return nil
}
