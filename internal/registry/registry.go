// Package registry is the thin orchestration layer over the store, the
// token cache, and the session binder. It owns the cascades (deleting a
// connection clears its cached token) so the store and binder stay free
// of each other's concerns.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbaxter/depot/internal/models"
	"github.com/mbaxter/depot/internal/store"
)

// testAllConcurrency bounds how many connections TestAll probes at once.
const testAllConcurrency = 4

// TokenCache is the slice of the token cache the registry needs for
// cascades.
type TokenCache interface {
	ClearConnection(id string)
}

// Verifier opens and verifies sessions; implemented by session.Binder.
type Verifier interface {
	VerifyWithRetry(ctx context.Context, conn models.Connection, secret models.SecretBundle) (bool, error)
}

// Registry exposes the connection CRUD and verification surface consumed
// by the UI shell.
type Registry struct {
	store  *store.Store
	tokens TokenCache
	binder Verifier
	logger *slog.Logger
}

// New creates a Registry.
func New(st *store.Store, tokens TokenCache, binder Verifier, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		tokens: tokens,
		binder: binder,
		logger: logger,
	}
}

// SaveCredentials splits the record into public metadata and secret
// bundle and persists both. Returns the (possibly newly assigned) id.
func (r *Registry) SaveCredentials(creds models.Credentials) (string, error) {
	id, err := r.store.Put(creds.Connection, creds.Secret)
	if err != nil {
		return "", fmt.Errorf("saving credentials: %w", err)
	}

	return id, nil
}

// LoadConnections returns all public connection records, most recently
// connected first.
func (r *Registry) LoadConnections() ([]models.Connection, error) {
	conns, err := r.store.List()
	if err != nil {
		return nil, err
	}

	slices.SortFunc(conns, func(a, b models.Connection) int {
		if c := b.LastConnectedAt.Compare(a.LastConnectedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.Name, b.Name)
	})

	return conns, nil
}

// LoadCredentials returns the full record: public metadata plus the
// decrypted secret bundle.
func (r *Registry) LoadCredentials(id string) (models.Credentials, error) {
	conn, err := r.store.Get(id)
	if err != nil {
		return models.Credentials{}, err
	}

	secret, err := r.store.GetSecret(id)
	if err != nil {
		return models.Credentials{}, err
	}

	return models.Credentials{Connection: conn, Secret: secret}, nil
}

// DeleteCredentials removes the stored record and cascades to the token
// cache so no refresh timer outlives its connection. Returns whether a
// record existed.
func (r *Registry) DeleteCredentials(id string) (bool, error) {
	existed, err := r.store.Delete(id)
	if err != nil {
		return false, err
	}

	r.tokens.ClearConnection(id)

	return existed, nil
}

// TestConnection opens and verifies a session for the record. On success
// the connection's last-connected timestamp is touched; a failure to do
// so is logged and ignored.
func (r *Registry) TestConnection(ctx context.Context, creds models.Credentials) (bool, error) {
	ok, err := r.binder.VerifyWithRetry(ctx, creds.Connection, creds.Secret)
	if err != nil || !ok {
		return false, err
	}

	if creds.ID != "" {
		if err := r.store.TouchLastConnected(creds.ID, time.Now()); err != nil {
			r.logger.Warn("failed to update last-connected timestamp",
				slog.String("connection", creds.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return true, nil
}

// TestSaved loads a stored record by id and verifies it.
func (r *Registry) TestSaved(ctx context.Context, id string) (bool, error) {
	creds, err := r.LoadCredentials(id)
	if err != nil {
		return false, err
	}

	return r.TestConnection(ctx, creds)
}

// TestAll verifies every stored connection concurrently and returns the
// per-connection outcome. Connections whose secrets cannot be loaded
// count as failed; the first load/verify error is returned alongside
// the partial results.
func (r *Registry) TestAll(ctx context.Context) (map[string]bool, error) {
	conns, err := r.store.List()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex

	results := make(map[string]bool, len(conns))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(testAllConcurrency)

	for _, conn := range conns {
		g.Go(func() error {
			ok, err := r.TestSaved(gctx, conn.ID)

			mu.Lock()
			results[conn.ID] = ok && err == nil
			mu.Unlock()

			return err
		})
	}

	err = g.Wait()

	return results, err
}

// SetLastLocalFolder records the UI's local folder hint. Best effort:
// failures are logged, never surfaced.
func (r *Registry) SetLastLocalFolder(id, path string) {
	if err := r.store.SetLastLocalFolder(id, path); err != nil {
		r.logger.Warn("failed to update local folder hint",
			slog.String("connection", id),
			slog.String("error", err.Error()),
		)
	}
}

// CustomIDs returns the catalog/library id lists for a connection.
func (r *Registry) CustomIDs(id string) (models.CustomIDs, error) {
	return r.store.CustomIDs(id)
}

// AddCatalogID records a user-asserted catalog id.
func (r *Registry) AddCatalogID(id, catalogID string) error {
	return r.store.AddCatalogID(id, catalogID)
}

// AddLibraryID records a user-asserted library id.
func (r *Registry) AddLibraryID(id, libraryID string) error {
	return r.store.AddLibraryID(id, libraryID)
}

// RemoveCatalogID removes a catalog id.
func (r *Registry) RemoveCatalogID(id, catalogID string) error {
	return r.store.RemoveCatalogID(id, catalogID)
}

// RemoveLibraryID removes a library id.
func (r *Registry) RemoveLibraryID(id, libraryID string) error {
	return r.store.RemoveLibraryID(id, libraryID)
}

// Wipe clears every cached token, then the entire store including the
// encryption key. Irreversible.
func (r *Registry) Wipe() error {
	conns, err := r.store.List()
	if err != nil {
		return err
	}

	for _, conn := range conns {
		r.tokens.ClearConnection(conn.ID)
	}

	return r.store.ClearAll()
}
