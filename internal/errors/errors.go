// Package errors defines the sentinel error values shared by the store,
// token cache, session binder, and registry.
package errors

import "errors"

// Store errors.
var (
	// ErrNotFound means the referenced connection id does not exist.
	ErrNotFound = errors.New("connection not found")

	// ErrSecretMissing means the public record exists but no encrypted
	// secret is stored for it. The caller must prompt for re-entry.
	ErrSecretMissing = errors.New("no stored secret for connection, re-enter credentials")

	// ErrDecryptionFailed means ciphertext is present but cannot be
	// decrypted under the current key. Retrying will not help.
	ErrDecryptionFailed = errors.New("secret decryption failed")
)

// Token and session errors.
var (
	// ErrTokenRequest means the OAuth2 token endpoint returned an error
	// or a malformed response.
	ErrTokenRequest = errors.New("token request failed")

	// ErrOAuth2Unavailable means an oauth2 connection was opened without
	// a token cache wired into the binder.
	ErrOAuth2Unavailable = errors.New("oauth2 requested but no token cache configured")
)
