package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// refreshMargin refreshes tokens slightly before they expire.
const refreshMargin = time.Minute

// trustGrantErrors are OAuth error codes meaning the user's grant is gone.
var trustGrantErrors = map[string]bool{
	"invalid_grant":       true,
	"unauthorized_client": true,
	"invalid_client":      true,
}

// GCPCredentials is an immutable OAuth credential for one GCP project.
type GCPCredentials struct {
	ProjectID    string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// Valid reports whether the access token can be used at now.
func (c GCPCredentials) Valid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.Expiry.IsZero() || now.Add(refreshMargin).Before(c.Expiry)
}

// Token converts the credentials to an [oauth2.Token].
func (c GCPCredentials) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// TokenSource returns a static token source for Google API clients.
func (c GCPCredentials) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(c.Token())
}

// TokenStore persists a user's GCP credentials. Implementations encrypt
// tokens at rest and return [ErrNoCredentials] when none are stored.
type TokenStore interface {
	LoadGCPCredentials(ctx context.Context, userID string) (GCPCredentials, error)
	SaveGCPCredentials(ctx context.Context, userID string, creds GCPCredentials) error
}

// GCPBroker yields valid GCP credentials for one user, refreshing and
// re-persisting the token when it has expired.
type GCPBroker struct {
	oauth  *oauth2.Config
	store  TokenStore
	userID string
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cached *GCPCredentials
}

// NewGCPBroker creates a broker. oauthCfg must carry the client id, secret
// and token endpoint used to refresh tokens.
func NewGCPBroker(oauthCfg *oauth2.Config, store TokenStore, userID string, logger *slog.Logger) *GCPBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &GCPBroker{oauth: oauthCfg, store: store, userID: userID, logger: logger, now: time.Now}
}

// Credentials returns the broker's credentials. The stored token is loaded
// once and refreshed only if it has already expired at load time; a
// refreshed token is persisted before it is returned. Later calls return
// the memoized value until [GCPBroker.Refresh] replaces it.
func (b *GCPBroker) Credentials(ctx context.Context) (GCPCredentials, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cached != nil {
		return *b.cached, nil
	}

	creds, err := b.store.LoadGCPCredentials(ctx, b.userID)
	if err != nil {
		if errors.Is(err, ErrNoCredentials) {
			return GCPCredentials{}, err
		}
		return GCPCredentials{}, fmt.Errorf("failed to load gcp credentials: %w", err)
	}

	if !creds.Valid(b.now()) {
		creds, err = b.refresh(ctx, creds)
		if err != nil {
			return GCPCredentials{}, err
		}
	}

	b.cached = &creds
	return creds, nil
}

// Refresh exchanges the refresh token in c for a new access token, persists
// the result and returns it. c itself is not modified.
func (b *GCPBroker) Refresh(ctx context.Context, c GCPCredentials) (GCPCredentials, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next, err := b.refresh(ctx, c)
	if err != nil {
		return GCPCredentials{}, err
	}
	b.cached = &next
	return next, nil
}

func (b *GCPBroker) refresh(ctx context.Context, c GCPCredentials) (GCPCredentials, error) {
	if c.RefreshToken == "" {
		return GCPCredentials{}, &TrustError{Provider: "gcp", Reason: "token expired and no refresh token is available"}
	}

	// A token without an access token forces the source to refresh.
	tok, err := b.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && trustGrantErrors[rerr.ErrorCode] {
			return GCPCredentials{}, &TrustError{Provider: "gcp", Reason: rerr.ErrorCode, Err: err}
		}
		return GCPCredentials{}, fmt.Errorf("failed to refresh gcp token: %w", err)
	}

	next := GCPCredentials{
		ProjectID:    c.ProjectID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = c.RefreshToken
	}

	if err := b.store.SaveGCPCredentials(ctx, b.userID, next); err != nil {
		return GCPCredentials{}, fmt.Errorf("failed to persist refreshed gcp token: %w", err)
	}
	b.logger.Info("refreshed gcp token", "project_id", c.ProjectID, "expires", next.Expiry)
	return next, nil
}
