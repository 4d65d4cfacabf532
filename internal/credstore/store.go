// Package credstore associates stable user identities with the OAuth2
// credentials last obtained from Google, encrypted at rest.
package credstore

import (
	"context"
	"errors"
)

// ErrCredentialNotFound indicates no credentials are stored for the identity.
var ErrCredentialNotFound = errors.New("credstore.not_found")

// Credentials are the tokens Google issued for one authenticated user.
// ExpiryDate is unix milliseconds, matching what Google's client libraries
// report and what the extension expects back.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiryDate   int64  `json:"expiry_date,omitempty"`
}

// CredentialStore keys the latest credentials by user identity.
//
// A login callback and a token refresh racing on the same identity are
// last-write-wins. Both paths install a valid credential, so the race is
// benign and deliberately not serialized.
type CredentialStore interface {
	Get(ctx context.Context, userUID string) (Credentials, error)
	// Put overwrites any existing record for the identity.
	Put(ctx context.Context, userUID string, credentials Credentials) error
	// Delete removes the record; deleting an absent identity is a no-op.
	Delete(ctx context.Context, userUID string) error
}
