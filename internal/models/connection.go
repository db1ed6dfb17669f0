// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"time"
)

// AuthType identifies how a connection authenticates to its remote store.
type AuthType string

const (
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthOAuth2 AuthType = "oauth2"
)

// Valid reports whether t is one of the known auth types.
func (t AuthType) Valid() bool {
	switch t {
	case AuthBasic, AuthBearer, AuthOAuth2:
		return true
	}

	return false
}

// Connection is the public, non-secret half of a stored credential set.
// Persisted in cleartext; must never carry secret material.
type Connection struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	AuthType        AuthType  `json:"auth_type"`
	LastConnectedAt time.Time `json:"last_connected_at,omitempty"`
	LastLocalFolder string    `json:"last_local_folder,omitempty"`
}

// BasicSecret is the secret material for basic auth.
type BasicSecret struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// BearerSecret is the secret material for static bearer-token auth.
type BearerSecret struct {
	Token string `json:"token"`
}

// OAuth2Secret is the secret material for the client-credentials grant.
type OAuth2Secret struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// SecretBundle is the sensitive half of a stored credential set. Exactly
// one variant is set, matching the connection's AuthType. Stored only as
// ciphertext; never logged.
type SecretBundle struct {
	Basic  *BasicSecret  `json:"basic,omitempty"`
	Bearer *BearerSecret `json:"bearer,omitempty"`
	OAuth2 *OAuth2Secret `json:"oauth2,omitempty"`
}

// Kind returns the auth type implied by the populated variant, or "" if
// no variant (or more than one) is set.
func (b SecretBundle) Kind() AuthType {
	switch {
	case b.Basic != nil && b.Bearer == nil && b.OAuth2 == nil:
		return AuthBasic
	case b.Bearer != nil && b.Basic == nil && b.OAuth2 == nil:
		return AuthBearer
	case b.OAuth2 != nil && b.Basic == nil && b.Bearer == nil:
		return AuthOAuth2
	}

	return ""
}

// Validate checks that the bundle has exactly one variant, that it matches
// the given auth type, and that the variant's required fields are present.
func (b SecretBundle) Validate(t AuthType) error {
	if b.Kind() != t {
		return fmt.Errorf("secret bundle does not match auth type %q", t)
	}

	switch t {
	case AuthBasic:
		if b.Basic.Username == "" || b.Basic.Password == "" {
			return fmt.Errorf("basic auth requires username and password")
		}
	case AuthBearer:
		if b.Bearer.Token == "" {
			return fmt.Errorf("bearer auth requires a token")
		}
	case AuthOAuth2:
		if b.OAuth2.ClientID == "" || b.OAuth2.ClientSecret == "" {
			return fmt.Errorf("oauth2 auth requires client id and secret")
		}
	}

	return nil
}

// Credentials is the full record exposed at the registry surface: public
// connection metadata plus its secret bundle.
type Credentials struct {
	Connection
	Secret SecretBundle
}

// CustomIDs holds the user-asserted catalog and library identifier lists
// for one connection. Used by the discovery layer, not by the auth core.
type CustomIDs struct {
	CatalogIDs []string `json:"catalog_ids"`
	LibraryIDs []string `json:"library_ids"`
}
