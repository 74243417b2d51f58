package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/artifactregistry/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"sirpi/internal/config"
	"sirpi/internal/credentials"
	"sirpi/internal/iac"
	"sirpi/internal/statebackend"
	"sirpi/internal/status"
)

// registryOperationWait bounds how long repository creation is awaited.
const registryOperationWait = time.Minute

// GCPCredentialSource yields a valid user access token.
// [credentials.GCPBroker] implements it.
type GCPCredentialSource interface {
	Credentials(ctx context.Context) (credentials.GCPCredentials, error)
}

// RegistryAPI manages Artifact Registry repositories.
type RegistryAPI interface {
	// EnsureDockerRepository creates the docker repository when missing and
	// reports whether it did.
	EnsureDockerRepository(ctx context.Context, project, location, repository string) (bool, error)
}

// GCPTarget deploys to Cloud Run: images go to Artifact Registry, state to
// a GCS bucket in the user's project.
type GCPTarget struct {
	creds     GCPCredentialSource
	projectID string
	cfg       config.GCPConfig
	logger    *slog.Logger

	newRegistry func(ctx context.Context, ts oauth2.TokenSource) (RegistryAPI, error)
	newBackend  func(ctx context.Context, ts oauth2.TokenSource, projectID string) (statebackend.Manager, func() error, error)

	mu       sync.Mutex
	resolved string
	registry RegistryAPI
	backend  statebackend.Manager
	closers  []func() error
}

// NewGCPTarget creates a target for projectID. When projectID is empty the
// project stored with the user's credentials is used.
func NewGCPTarget(creds GCPCredentialSource, projectID string, cfg config.GCPConfig, logger *slog.Logger) *GCPTarget {
	if logger == nil {
		logger = slog.Default()
	}
	return &GCPTarget{
		creds:     creds,
		projectID: projectID,
		cfg:       cfg,
		logger:    logger,
		newRegistry: func(ctx context.Context, ts oauth2.TokenSource) (RegistryAPI, error) {
			svc, err := artifactregistry.NewService(ctx, option.WithTokenSource(ts))
			if err != nil {
				return nil, fmt.Errorf("failed to create artifact registry client: %w", err)
			}
			return &artifactRegistry{svc: svc}, nil
		},
		newBackend: func(ctx context.Context, ts oauth2.TokenSource, projectID string) (statebackend.Manager, func() error, error) {
			client, err := gcstorage.NewClient(ctx, option.WithTokenSource(ts))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create storage client: %w", err)
			}
			return statebackend.NewGCSManagerFromClient(client, projectID, cfg.Region, logger), client.Close, nil
		},
	}
}

func (t *GCPTarget) Provider() status.CloudProvider { return status.CloudGCP }

// session returns the current credentials and the effective project.
func (t *GCPTarget) session(ctx context.Context) (credentials.GCPCredentials, string, error) {
	c, err := t.creds.Credentials(ctx)
	if err != nil {
		return credentials.GCPCredentials{}, "", err
	}
	project := t.projectID
	if project == "" {
		project = c.ProjectID
	}
	if project == "" {
		return credentials.GCPCredentials{}, "", errors.New("no gcp project configured")
	}
	t.mu.Lock()
	t.resolved = project
	t.mu.Unlock()
	return c, project, nil
}

// Configure exports the user's access token so Terraform's google
// provider and gcloud use it.
func (t *GCPTarget) Configure(ctx context.Context, sh Shell, home string) error {
	c, project, err := t.session(ctx)
	if err != nil {
		return err
	}
	sh.SetEnv("GOOGLE_OAUTH_ACCESS_TOKEN", c.AccessToken)
	sh.SetEnv("GOOGLE_PROJECT", project)
	sh.SetEnv("CLOUDSDK_CORE_PROJECT", project)
	sh.Log("GCP credentials configured for Terraform")
	return nil
}

func (t *GCPTarget) registryHost() string {
	return t.cfg.ArtifactRegistryLocation + "-docker.pkg.dev"
}

// EnsureRepository makes sure the shared docker repository exists and
// returns the image path of app inside it.
func (t *GCPTarget) EnsureRepository(ctx context.Context, app string) (string, error) {
	c, project, err := t.session(ctx)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	if t.registry == nil {
		t.registry, err = t.newRegistry(ctx, c.TokenSource())
	}
	registry := t.registry
	t.mu.Unlock()
	if err != nil {
		return "", err
	}

	created, err := registry.EnsureDockerRepository(ctx, project, t.cfg.ArtifactRegistryLocation, t.cfg.ArtifactRegistryRepository)
	if err != nil {
		return "", err
	}
	if created {
		t.logger.Info("created artifact registry repository", "project", project, "repository", t.cfg.ArtifactRegistryRepository)
	}
	return fmt.Sprintf("%s/%s/%s/%s", t.registryHost(), project, t.cfg.ArtifactRegistryRepository, app), nil
}

// RegistryAuth logs docker in with the access token.
func (t *GCPTarget) RegistryAuth(ctx context.Context) (RegistryAuth, error) {
	c, _, err := t.session(ctx)
	if err != nil {
		return RegistryAuth{}, err
	}
	return RegistryAuth{Username: "oauth2accesstoken", Password: c.AccessToken, Server: "https://" + t.registryHost()}, nil
}

func (t *GCPTarget) stateBackend(ctx context.Context) (statebackend.Manager, error) {
	c, project, err := t.session(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.backend != nil {
		return t.backend, nil
	}
	m, closer, err := t.newBackend(ctx, c.TokenSource(), project)
	if err != nil {
		return nil, err
	}
	t.backend = m
	if closer != nil {
		t.closers = append(t.closers, closer)
	}
	return m, nil
}

func (t *GCPTarget) EnsureBackend(ctx context.Context, project string) (statebackend.Backend, error) {
	m, err := t.stateBackend(ctx)
	if err != nil {
		return statebackend.Backend{}, err
	}
	return m.EnsureBackend(ctx, project)
}

func (t *GCPTarget) CleanupBackend(ctx context.Context, project string) {
	m, err := t.stateBackend(ctx)
	if err != nil {
		t.logger.Warn("state cleanup skipped", "project", project, "error", err)
		return
	}
	m.Cleanup(ctx, project)
}

func (t *GCPTarget) Variables(app, imageURI string) []Variable {
	t.mu.Lock()
	project := t.resolved
	t.mu.Unlock()
	if project == "" {
		project = t.projectID
	}
	return []Variable{
		{Name: "image_uri", Value: imageURI},
		{Name: "app_name", Value: app},
		{Name: "project_id", Value: project},
		{Name: "region", Value: t.cfg.Region},
	}
}

// ApplicationURL is the Cloud Run service URL.
func (t *GCPTarget) ApplicationURL(outputs map[string]any) string {
	u, _ := iac.OutputString(outputs, "service_url")
	return u
}

func (t *GCPTarget) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, c := range t.closers {
		errs = append(errs, c())
	}
	t.closers = nil
	return errors.Join(errs...)
}

// artifactRegistry implements [RegistryAPI] with the Artifact Registry API.
type artifactRegistry struct {
	svc *artifactregistry.Service
}

func (a *artifactRegistry) EnsureDockerRepository(ctx context.Context, project, location, repository string) (bool, error) {
	parent := fmt.Sprintf("projects/%s/locations/%s", project, location)
	name := parent + "/repositories/" + repository

	_, err := a.svc.Projects.Locations.Repositories.Get(name).Context(ctx).Do()
	if err == nil {
		return false, nil
	}
	if !isHTTPStatus(err, http.StatusNotFound) {
		return false, fmt.Errorf("failed to get repository %s: %w", name, err)
	}

	op, err := a.svc.Projects.Locations.Repositories.Create(parent, &artifactregistry.Repository{
		Format:      "DOCKER",
		Description: "Container images built by sirpi",
	}).RepositoryId(repository).Context(ctx).Do()
	if err != nil {
		if isHTTPStatus(err, http.StatusConflict) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create repository %s: %w", name, err)
	}
	return true, a.wait(ctx, op)
}

func (a *artifactRegistry) wait(ctx context.Context, op *artifactregistry.Operation) error {
	ctx, cancel := context.WithTimeout(ctx, registryOperationWait)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			return fmt.Errorf("repository creation did not finish: %w", ctx.Err())
		case <-ticker.C:
		}
		next, err := a.svc.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to poll repository creation: %w", err)
		}
		op = next
	}
	if op.Error != nil {
		return fmt.Errorf("repository creation failed: %s", op.Error.Message)
	}
	return nil
}

func isHTTPStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

var _ Target = (*GCPTarget)(nil)
