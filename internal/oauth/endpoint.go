// Package oauth obtains and caches bearer tokens for oauth2-type
// connections using the client-credentials grant.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	deperr "github.com/mbaxter/depot/internal/errors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxTokenResponseBytes caps response body reads. Token responses
	// are small JSON payloads.
	maxTokenResponseBytes = 64 * 1024

	// defaultExpiresIn is assumed when the server omits expires_in.
	defaultExpiresIn = 3600
)

// TokenResponse is a successful token-endpoint reply.
type TokenResponse struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int // seconds, as declared by the server
}

// EndpointClient performs client-credentials grants against a single
// token endpoint.
type EndpointClient struct {
	httpClient *http.Client
	tokenURL   string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so client credentials never leak
// to third-party domains.
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

// NewEndpointClient creates a token endpoint client. If httpClient is
// nil, a client with a 30-second timeout and same-host redirect policy
// is created.
func NewEndpointClient(tokenURL string, httpClient *http.Client) *EndpointClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &EndpointClient{
		httpClient: httpClient,
		tokenURL:   tokenURL,
	}
}

// RequestToken POSTs a client_credentials grant and parses the reply.
// Any failure mode (transport error, non-2xx status, missing
// access_token) comes back wrapped in ErrTokenRequest; secrets never
// appear in the returned error.
func (c *EndpointClient) RequestToken(ctx context.Context, clientID, clientSecret string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: creating request: %v", deperr.ErrTokenRequest, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: sending request: %v", deperr.ErrTokenRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: reading response: %v", deperr.ErrTokenRequest, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// OAuth2 error replies carry an "error" field; prefer it over
		// dumping the raw body.
		if errCode := gjson.GetBytes(body, "error"); errCode.Exists() {
			return TokenResponse{}, fmt.Errorf("%w: endpoint returned %d: %s", deperr.ErrTokenRequest, resp.StatusCode, errCode.String())
		}

		return TokenResponse{}, fmt.Errorf("%w: endpoint returned %d: %s", deperr.ErrTokenRequest, resp.StatusCode, sanitizeResponseBody(body))
	}

	access := gjson.GetBytes(body, "access_token")
	if !access.Exists() || access.String() == "" {
		return TokenResponse{}, fmt.Errorf("%w: response has no access_token", deperr.ErrTokenRequest)
	}

	out := TokenResponse{
		AccessToken: access.String(),
		TokenType:   "Bearer",
		ExpiresIn:   defaultExpiresIn,
	}

	if v := gjson.GetBytes(body, "token_type"); v.Exists() && v.String() != "" {
		out.TokenType = v.String()
	}

	if v := gjson.GetBytes(body, "expires_in"); v.Exists() && v.Int() > 0 {
		out.ExpiresIn = int(v.Int())
	}

	return out, nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
