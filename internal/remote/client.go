// Package remote is a minimal authenticated client for the depot file
// store. The broker only needs enough of the protocol to prove a session
// works: listing a directory. The full file-operation surface lives in
// the browser layer, outside this repository's core.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnauthorized means the store rejected the session's credentials.
var ErrUnauthorized = errors.New("remote store rejected credentials")

// TransportError wraps a network-level failure reaching the store.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err (or any error in its chain) is a
// TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads.
	maxResponseBytes = 4 * 1024 * 1024
)

// AuthConfig carries the authentication material for one session.
// Exactly one of the basic pair or Token is set.
type AuthConfig struct {
	Username string
	Password string
	Token    string
}

// Entry is one item in a directory listing.
type Entry struct {
	Path   string `json:"path"`
	Folder bool   `json:"folder"`
	Size   int64  `json:"size"`
	MTime  int64  `json:"mtime"`
}

type listRequest struct {
	Path string `json:"path"`
}

type listResponse struct {
	Entries []Entry `json:"entries"`
	Error   string  `json:"error,omitempty"`
}

// Client talks to one depot store endpoint with fixed auth material.
type Client struct {
	httpClient *http.Client
	baseURL    string
	auth       AuthConfig
}

func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a store client. If httpClient is nil, a client with
// a 30-second timeout and same-host redirect policy is created.
func NewClient(baseURL string, auth AuthConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		auth:       auth,
	}
}

// List returns the entries under path. A 401/403 reply surfaces as
// ErrUnauthorized; network failures as TransportError.
func (c *Client) List(ctx context.Context, path string) ([]Entry, error) {
	var resp listResponse
	if err := c.post(ctx, "/files/list", listRequest{Path: path}, &resp); err != nil {
		return nil, err
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("listing %s: store error: %s", path, resp.Error)
	}

	return resp.Entries, nil
}

// post sends a JSON POST request with the session's auth material and
// decodes the response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.auth.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	} else {
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts, connection refused, DNS failures.
		return &TransportError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", endpoint, ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("store %s returned status %d", endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}
