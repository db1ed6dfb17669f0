package remote

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server, auth AuthConfig) *Client {
	return &Client{
		httpClient: srv.Client(),
		baseURL:    srv.URL,
		auth:       auth,
	}
}

// --- auth headers ---

func TestList_SendsBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)
		w.Write([]byte(`{"entries":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, AuthConfig{Username: "u", Password: "p"})

	_, err := c.List(t.Context(), "/")
	require.NoError(t, err)
}

func TestList_SendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.Write([]byte(`{"entries":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, AuthConfig{Token: "tok-123"})

	_, err := c.List(t.Context(), "/")
	require.NoError(t, err)
}

// --- List ---

func TestList_DecodesEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		var req listRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "/docs", req.Path)

		w.Write([]byte(`{"entries":[{"path":"/docs/a.txt","folder":false,"size":12},{"path":"/docs/sub","folder":true}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, AuthConfig{Token: "t"})

	entries, err := c.List(t.Context(), "/docs")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/docs/a.txt", entries[0].Path)
	assert.True(t, entries[1].Folder)
}

func TestList_UnauthorizedStatus(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := newTestClient(srv, AuthConfig{Token: "stale"})

		_, err := c.List(t.Context(), "/")
		assert.ErrorIs(t, err, ErrUnauthorized, "status %d", status)
		srv.Close()
	}
}

func TestList_StoreErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"path does not exist"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, AuthConfig{Token: "t"})

	_, err := c.List(t.Context(), "/gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path does not exist")
}

func TestList_ServerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv, AuthConfig{Token: "t"})

	_, err := c.List(t.Context(), "/")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestList_NetworkErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(srv, AuthConfig{Token: "t"})
	srv.Close()

	_, err := c.List(t.Context(), "/")
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

// --- redirect policy ---

func TestSameHostRedirectPolicy_BlocksCrossHost(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://store.example.com/a", nil)
	next, _ := http.NewRequest(http.MethodGet, "https://evil.example.org/b", nil)

	err := sameHostRedirectPolicy(next, []*http.Request{orig})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect to different host blocked")
}

func TestSameHostRedirectPolicy_AllowsSameHost(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://store.example.com/a", nil)
	next, _ := http.NewRequest(http.MethodGet, "https://store.example.com/b", nil)

	assert.NoError(t, sameHostRedirectPolicy(next, []*http.Request{orig}))
}
