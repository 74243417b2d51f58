package deploy

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"golang.org/x/oauth2"

	"sirpi/internal/config"
	"sirpi/internal/credentials"
	"sirpi/internal/status"
	"sirpi/internal/store"
)

// NewTargetFactory returns a [TargetFactory] backed by the real cloud SDKs.
// Every call builds a new credential broker, so credentials are never
// shared between operations.
//
// AWS targets assume the project's role with the platform's own AWS
// credentials. GCP targets use the project owner's stored OAuth token,
// refreshing it through tokens when it has expired.
func NewTargetFactory(cfg *config.Config, tokens credentials.TokenStore, logger *slog.Logger) TargetFactory {
	if logger == nil {
		logger = slog.Default()
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GCP.OAuthClientID,
		ClientSecret: cfg.GCP.OAuthClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.GCP.OAuthTokenURL},
	}

	return func(ctx context.Context, p *store.Project) (Target, error) {
		switch p.Provider {
		case status.CloudAWS:
			if p.AWSRoleARN == "" {
				return nil, fmt.Errorf("no AWS connection configured for project %s: %w", p.ID, credentials.ErrNoCredentials)
			}
			base, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
			if err != nil {
				return nil, fmt.Errorf("failed to load aws configuration: %w", err)
			}
			broker := credentials.NewAWSBroker(sts.NewFromConfig(base), credentials.AWSTrust{
				RoleARN:    p.AWSRoleARN,
				ExternalID: p.AWSExternalID,
			}, cfg.AWS.AssumeRoleDuration, logger)
			return NewAWSTarget(broker, cfg.AWS, logger), nil

		case status.CloudGCP:
			broker := credentials.NewGCPBroker(oauthCfg, tokens, p.UserID, logger)
			return NewGCPTarget(broker, p.GCPProjectID, cfg.GCP, logger), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, p.Provider)
	}
}
