// Package statebackend provisions the remote Terraform state storage for a
// customer cloud account and renders the matching backend configuration.
//
// Key types:
//   - [Manager] ensures and cleans up state storage for a project
//   - [S3Manager] uses an S3 bucket with a DynamoDB lock table
//   - [GCSManager] uses a GCS bucket with per-project prefixes
//   - [Backend] describes the resolved location and renders its HCL
//
// One state bucket exists per customer account (or project). Buckets are
// never deleted; cleanup only removes a project's state objects.
package statebackend

import (
	"context"
	"fmt"
)

// BucketPrefix starts every state bucket name.
const BucketPrefix = "sirpi-terraform-states-"

// Manager ensures remote state storage exists for a project.
type Manager interface {
	// EnsureBackend creates the state bucket (and lock table) when missing and
	// returns the backend for project. It is idempotent and safe to call
	// concurrently.
	EnsureBackend(ctx context.Context, project string) (Backend, error)

	// Cleanup removes project's state objects. Failures are logged, never
	// returned.
	Cleanup(ctx context.Context, project string)
}

// BucketName returns the state bucket for an AWS account id or GCP project id.
func BucketName(owner string) string {
	return BucketPrefix + owner
}

// StatePrefix returns the object prefix holding project's state.
func StatePrefix(project string) string {
	return "projects/" + project
}

// StateKey returns the state object key for project.
func StateKey(project string) string {
	return StatePrefix(project) + "/terraform.tfstate"
}

// LockID returns the DynamoDB lock item id Terraform uses for a state object.
func LockID(bucket, key string) string {
	return bucket + "/" + key + "-md5"
}

// Backend is a resolved remote state location.
type Backend struct {
	// Kind is "s3" or "gcs".
	Kind   string
	Bucket string

	// Key is the state object (s3) and Prefix the state directory (gcs).
	Key    string
	Prefix string

	Region    string
	LockTable string
}

// Config renders the Terraform backend block for b.
func (b Backend) Config() string {
	switch b.Kind {
	case "gcs":
		return fmt.Sprintf(`terraform {
  backend "gcs" {
    bucket = %q
    prefix = %q
  }
}
`, b.Bucket, b.Prefix)
	default:
		return fmt.Sprintf(`terraform {
  backend "s3" {
    bucket         = %q
    key            = %q
    region         = %q
    dynamodb_table = %q
    encrypt        = true
  }
}
`, b.Bucket, b.Key, b.Region, b.LockTable)
	}
}
