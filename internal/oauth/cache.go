package oauth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbaxter/depot/internal/logging"
)

const (
	// expiryBuffer is subtracted from the server-declared token lifetime
	// so cached tokens are retired well before they actually expire.
	expiryBuffer = 5 * time.Minute

	// minRefreshDelay bounds how soon a scheduled refresh may fire, so
	// very short-lived tokens cannot produce a refresh storm.
	minRefreshDelay = time.Minute
)

// Requester performs a client-credentials token request.
type Requester interface {
	RequestToken(ctx context.Context, clientID, clientSecret string) (TokenResponse, error)
}

// Entry is a cached access token for one connection.
type Entry struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// cacheEntry pairs a token with its scheduled-refresh timer. gen lets a
// firing timer detect that its entry has since been replaced or removed.
type cacheEntry struct {
	Entry
	timer *time.Timer
	gen   uint64
}

// Cache holds per-connection bearer tokens obtained via the
// client-credentials grant and keeps them fresh with a background
// refresh per entry. Entries are never persisted; a restart starts cold.
//
// Concurrent requests for the same connection id are collapsed to one
// in-flight token request. A forced foreground refresh racing a
// background one is tolerated: the last response to land wins.
type Cache struct {
	requester Requester
	logger    *slog.Logger
	group     singleflight.Group

	mu      sync.Mutex
	entries map[string]*cacheEntry
	nextGen uint64
	closed  bool
}

// NewCache creates a token cache on top of the given requester.
func NewCache(requester Requester, logger *slog.Logger) *Cache {
	return &Cache{
		requester: requester,
		logger:    logger,
		entries:   make(map[string]*cacheEntry),
	}
}

// GetAccessToken returns a valid access token for the connection,
// serving from cache when possible. forceRefresh bypasses the cache
// check and always issues (or joins) a token request.
func (c *Cache) GetAccessToken(ctx context.Context, id, clientID, clientSecret string, forceRefresh bool) (string, error) {
	if !forceRefresh {
		c.mu.Lock()
		if e, ok := c.entries[id]; ok && time.Now().Before(e.ExpiresAt) {
			token := e.AccessToken
			c.mu.Unlock()

			return token, nil
		}
		c.mu.Unlock()
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		return c.requestAndStore(ctx, id, clientID, clientSecret)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// requestAndStore performs a synchronous token request and replaces the
// cache entry wholesale on success.
func (c *Cache) requestAndStore(ctx context.Context, id, clientID, clientSecret string) (string, error) {
	resp, err := c.requester.RequestToken(ctx, clientID, clientSecret)
	if err != nil {
		return "", err
	}

	c.store(id, clientID, clientSecret, resp)

	c.logger.Debug("token acquired",
		slog.String("connection", id),
		slog.String("token_prefix", logging.MaskSecret(resp.AccessToken)),
	)

	return resp.AccessToken, nil
}

// store replaces the entry for id and schedules its background refresh.
// The previous refresh timer, if any, is cancelled first.
func (c *Cache) store(id, clientID, clientSecret string, resp TokenResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.storeLocked(id, clientID, clientSecret, resp)
}

// storeLocked is store with c.mu already held.
func (c *Cache) storeLocked(id, clientID, clientSecret string, resp TokenResponse) {
	lifetime := time.Duration(resp.ExpiresIn) * time.Second

	// Retire the token expiryBuffer before the server does, floored so
	// a short-lived token never yields an already-expired entry. The
	// refresh fires at the same instant the cached copy stops being
	// served.
	delay := lifetime - expiryBuffer
	if delay < minRefreshDelay {
		delay = minRefreshDelay
	}

	if old, ok := c.entries[id]; ok && old.timer != nil {
		old.timer.Stop()
	}

	c.nextGen++
	gen := c.nextGen

	e := &cacheEntry{
		Entry: Entry{
			AccessToken: resp.AccessToken,
			TokenType:   resp.TokenType,
			ExpiresAt:   time.Now().Add(delay),
		},
		gen: gen,
	}

	if !c.closed {
		e.timer = time.AfterFunc(delay, func() {
			c.refresh(id, clientID, clientSecret, gen)
		})
	}

	c.entries[id] = e
}

// refresh is the scheduled background refresh. On failure the entry is
// evicted so the next caller re-requests synchronously; there is no
// retry loop here.
func (c *Cache) refresh(id, clientID, clientSecret string, gen uint64) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.gen != gen || c.closed {
		// Entry was replaced or cleared after this timer was armed.
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	resp, err := c.requester.RequestToken(context.Background(), clientID, clientSecret)
	if err != nil {
		c.logger.Warn("scheduled token refresh failed, evicting cached token",
			slog.String("connection", id),
			slog.String("error", err.Error()),
		)

		c.mu.Lock()
		if e, ok := c.entries[id]; ok && e.gen == gen {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(c.entries, id)
		}
		c.mu.Unlock()

		return
	}

	// Re-check under the lock: ClearConnection or Close may have landed
	// while the request was in flight, and the fresh token must not
	// resurrect the evicted entry.
	c.mu.Lock()
	if e, ok := c.entries[id]; !ok || e.gen != gen || c.closed {
		c.mu.Unlock()

		c.logger.Debug("discarding refreshed token for cleared connection",
			slog.String("connection", id),
		)

		return
	}
	c.storeLocked(id, clientID, clientSecret, resp)
	c.mu.Unlock()

	c.logger.Debug("token refreshed",
		slog.String("connection", id),
		slog.String("token_prefix", logging.MaskSecret(resp.AccessToken)),
	)
}

// ClearConnection cancels any pending refresh and evicts the cached
// token for the connection. Idempotent.
func (c *Cache) ClearConnection(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.entries, id)
	}
}

// Close cancels every pending refresh and empties the cache. Call at
// process shutdown so no background work dangles. Tokens requested
// after Close are still returned but no refresh is scheduled for them.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	for id, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.entries, id)
	}
}

// entry returns a copy of the cached entry for tests.
func (c *Cache) entry(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}

	return e.Entry, true
}
