// Package session turns a stored credential set into a live
// authenticated session against the remote store. The Binder's Open is
// the single place where an auth type becomes concrete auth material.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	deperr "github.com/mbaxter/depot/internal/errors"
	"github.com/mbaxter/depot/internal/models"
	"github.com/mbaxter/depot/internal/remote"
)

//go:generate mockgen -source=binder.go -destination=mock_binder_test.go -package=session

// TokenSource resolves access tokens for oauth2 connections.
type TokenSource interface {
	GetAccessToken(ctx context.Context, id, clientID, clientSecret string, forceRefresh bool) (string, error)
}

// Lister is the slice of the remote client the binder needs: the minimal
// round trip that proves a session works.
type Lister interface {
	List(ctx context.Context, path string) ([]remote.Entry, error)
}

// Dialer constructs a remote client for an endpoint with fixed auth
// material. Injected so tests can substitute a mock.
type Dialer func(baseURL string, auth remote.AuthConfig) Lister

// Handle is a live authenticated session. It retains the originating
// connection and secret bundle so auth material can be re-derived.
type Handle struct {
	conn   models.Connection
	secret models.SecretBundle
	client Lister
}

// Connection returns the connection this session was opened for.
func (h *Handle) Connection() models.Connection { return h.conn }

// Client returns the authenticated remote client.
func (h *Handle) Client() Lister { return h.client }

// Binder derives auth configs from stored credentials and opens
// sessions. tokens may be nil when no oauth2 connections exist.
type Binder struct {
	tokens TokenSource
	dial   Dialer
	logger *slog.Logger
}

// NewBinder creates a Binder. If dial is nil, sessions use remote.NewClient
// with the given http.Client (which may itself be nil for defaults).
func NewBinder(tokens TokenSource, dial Dialer, httpClient *http.Client, logger *slog.Logger) *Binder {
	if dial == nil {
		dial = func(baseURL string, auth remote.AuthConfig) Lister {
			return remote.NewClient(baseURL, auth, httpClient)
		}
	}

	return &Binder{
		tokens: tokens,
		dial:   dial,
		logger: logger,
	}
}

// Open builds an authenticated session handle for the connection.
// For oauth2 connections the access token is resolved through the token
// cache; tokens outlive individual sessions and are reused across opens.
func (b *Binder) Open(ctx context.Context, conn models.Connection, secret models.SecretBundle) (*Handle, error) {
	if err := secret.Validate(conn.AuthType); err != nil {
		return nil, fmt.Errorf("opening session for %s: %w", conn.ID, err)
	}

	var auth remote.AuthConfig

	switch conn.AuthType {
	case models.AuthBasic:
		auth = remote.AuthConfig{
			Username: secret.Basic.Username,
			Password: secret.Basic.Password,
		}

	case models.AuthBearer:
		auth = remote.AuthConfig{Token: secret.Bearer.Token}

	case models.AuthOAuth2:
		if b.tokens == nil {
			return nil, fmt.Errorf("opening session for %s: %w", conn.ID, deperr.ErrOAuth2Unavailable)
		}

		token, err := b.tokens.GetAccessToken(ctx, conn.ID, secret.OAuth2.ClientID, secret.OAuth2.ClientSecret, false)
		if err != nil {
			return nil, fmt.Errorf("opening session for %s: %w", conn.ID, err)
		}

		auth = remote.AuthConfig{Token: token}

	default:
		return nil, fmt.Errorf("opening session for %s: unknown auth type %q", conn.ID, conn.AuthType)
	}

	return &Handle{
		conn:   conn,
		secret: secret,
		client: b.dial(conn.URL, auth),
	}, nil
}

// Verify confirms the session is usable with a minimal round trip
// (listing the store root). Ordinary auth and connectivity failures
// collapse to false; they are logged, not returned. A nil or closed
// handle verifies false.
func (b *Binder) Verify(ctx context.Context, h *Handle) bool {
	if h == nil || h.client == nil {
		return false
	}

	if _, err := h.client.List(ctx, "/"); err != nil {
		b.logger.Debug("session verification failed",
			slog.String("connection", h.conn.ID),
			slog.String("error", err.Error()),
		)

		return false
	}

	return true
}

// VerifyWithRetry opens and verifies a session. When verification fails
// for an oauth2 connection, the cached token may simply be stale: force
// one refresh and retry open+verify exactly once. Every other failure is
// terminal. This is the only automatic retry in the broker.
func (b *Binder) VerifyWithRetry(ctx context.Context, conn models.Connection, secret models.SecretBundle) (bool, error) {
	h, err := b.Open(ctx, conn, secret)
	if err != nil {
		return false, err
	}
	defer b.Close(h)

	if b.Verify(ctx, h) {
		return true, nil
	}

	if conn.AuthType != models.AuthOAuth2 {
		return false, nil
	}

	b.logger.Debug("forcing token refresh after failed verification",
		slog.String("connection", conn.ID),
	)

	if _, err := b.tokens.GetAccessToken(ctx, conn.ID, secret.OAuth2.ClientID, secret.OAuth2.ClientSecret, true); err != nil {
		return false, err
	}

	h2, err := b.Open(ctx, conn, secret)
	if err != nil {
		return false, err
	}
	defer b.Close(h2)

	return b.Verify(ctx, h2), nil
}

// Close releases a session handle. Cached tokens are untouched; they are
// shared across sessions for the same connection.
func (b *Binder) Close(h *Handle) {
	if h == nil {
		return
	}

	h.client = nil
}
