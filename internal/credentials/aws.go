package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// SessionName is the RoleSessionName used for every assumed role, visible
// in the customer's CloudTrail.
const SessionName = "sirpi-terraform"

// DefaultSessionDuration is the assumed-role lifetime.
const DefaultSessionDuration = time.Hour

// trustErrorCodes are STS error codes caused by the customer's role setup.
var trustErrorCodes = map[string]bool{
	"AccessDenied":            true,
	"AccessDeniedException":   true,
	"ValidationError":         true,
	"InvalidIdentityToken":    true,
	"RegionDisabledException": true,
}

// STSAPI is the subset of the STS client used by [AWSBroker].
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// AWSTrust identifies the role the platform is allowed to assume.
type AWSTrust struct {
	RoleARN    string
	ExternalID string
}

// AWSCredentials is an immutable set of temporary AWS credentials.
type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// Provider adapts the credentials for AWS SDK clients.
func (c AWSCredentials) Provider() aws.CredentialsProvider {
	return awscreds.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)
}

// ConfigFiles renders the bodies of ~/.aws/config and ~/.aws/credentials
// for tools running inside a sandbox.
func (c AWSCredentials) ConfigFiles(region string) (config, credentials string) {
	config = fmt.Sprintf("[default]\nregion = %s\noutput = json\n", region)

	var b strings.Builder
	b.WriteString("[default]\n")
	fmt.Fprintf(&b, "aws_access_key_id = %s\n", c.AccessKeyID)
	fmt.Fprintf(&b, "aws_secret_access_key = %s\n", c.SecretAccessKey)
	if c.SessionToken != "" {
		fmt.Fprintf(&b, "aws_session_token = %s\n", c.SessionToken)
	}
	return config, b.String()
}

// AWSBroker assumes a customer role and memoizes the result.
type AWSBroker struct {
	client   STSAPI
	trust    AWSTrust
	duration time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cached *AWSCredentials
}

// NewAWSBroker creates a broker for trust. A zero duration selects
// [DefaultSessionDuration].
func NewAWSBroker(client STSAPI, trust AWSTrust, duration time.Duration, logger *slog.Logger) *AWSBroker {
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSBroker{client: client, trust: trust, duration: duration, logger: logger}
}

// Credentials returns the broker's credentials, assuming the role on first
// use. The first successful result is kept for the broker's lifetime;
// renewal only happens through [AWSBroker.Refresh]. Concurrent callers
// share a single STS call.
func (b *AWSBroker) Credentials(ctx context.Context) (AWSCredentials, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cached != nil {
		return *b.cached, nil
	}
	creds, err := b.assume(ctx)
	if err != nil {
		return AWSCredentials{}, err
	}
	b.cached = &creds
	return creds, nil
}

// Refresh assumes the role again and replaces the memoized credentials.
func (b *AWSBroker) Refresh(ctx context.Context) (AWSCredentials, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	creds, err := b.assume(ctx)
	if err != nil {
		return AWSCredentials{}, err
	}
	b.cached = &creds
	return creds, nil
}

func (b *AWSBroker) assume(ctx context.Context) (AWSCredentials, error) {
	if b.trust.RoleARN == "" {
		return AWSCredentials{}, ErrNoCredentials
	}

	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(b.trust.RoleARN),
		RoleSessionName: aws.String(SessionName),
		DurationSeconds: aws.Int32(int32(b.duration / time.Second)),
	}
	if b.trust.ExternalID != "" {
		input.ExternalId = aws.String(b.trust.ExternalID)
	}

	out, err := b.client.AssumeRole(ctx, input)
	if err != nil {
		return AWSCredentials{}, classifyAWSError(err)
	}
	if out.Credentials == nil {
		return AWSCredentials{}, errors.New("assume role returned no credentials")
	}

	c := out.Credentials
	creds := AWSCredentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Expiration:      aws.ToTime(c.Expiration),
	}
	b.logger.Info("assumed role", "role_arn", b.trust.RoleARN, "expires", creds.Expiration)
	return creds, nil
}

func classifyAWSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && trustErrorCodes[apiErr.ErrorCode()] {
		return &TrustError{Provider: "aws", Reason: apiErr.ErrorMessage(), Err: err}
	}
	return fmt.Errorf("failed to assume role: %w", err)
}
