package brokerkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenInvalid indicates a malformed token or a bad signature.
	ErrTokenInvalid = errors.New("token.invalid")
	// ErrTokenExpired indicates a correctly signed token past its expiry.
	ErrTokenExpired = errors.New("token.expired")

	errMissingSigningKey = errors.New("token.missing_signing_key")
)

// tokenClaims carry a single opaque payload string under the "p" claim.
type tokenClaims struct {
	Payload string `json:"p"`
	jwt.RegisteredClaims
}

// TokenCodec encodes and verifies compact HS256 tokens carrying one payload
// string. The same codec signs OAuth state nonces and per-user app tokens;
// only the payload and TTL differ.
type TokenCodec struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// NewTokenCodec constructs a codec. The signing key is required; a missing
// key is a process misconfiguration, not a per-call condition.
func NewTokenCodec(signingKey []byte, issuer string, clock Clock) (*TokenCodec, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("token.new: %w", errMissingSigningKey)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenCodec{
		signingKey: signingKey,
		issuer:     issuer,
		clock:      clock,
	}, nil
}

// Encode issues a signed token embedding payload, valid for ttl.
func (codec *TokenCodec) Encode(payload string, ttl time.Duration) (string, error) {
	issuedAt := codec.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Payload: payload,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    codec.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	signed, signErr := token.SignedString(codec.signingKey)
	if signErr != nil {
		return "", fmt.Errorf("token.encode: %w", signErr)
	}
	return signed, nil
}

// Decode verifies signature and expiry and returns the embedded payload.
// Callers must treat ErrTokenInvalid and ErrTokenExpired identically, as
// "not authenticated"; the distinction exists for logging only.
func (codec *TokenCodec) Decode(tokenString string) (string, error) {
	if strings.TrimSpace(tokenString) == "" {
		return "", fmt.Errorf("token.decode: %w", ErrTokenInvalid)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return codec.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return codec.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("token.decode: %w", ErrTokenExpired)
		}
		return "", fmt.Errorf("token.decode: %w", ErrTokenInvalid)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return "", fmt.Errorf("token.decode: %w", ErrTokenInvalid)
	}
	claims, ok := parsedToken.Claims.(*tokenClaims)
	if !ok {
		return "", fmt.Errorf("token.decode: %w", ErrTokenInvalid)
	}
	if codec.issuer != "" && claims.Issuer != codec.issuer {
		return "", fmt.Errorf("token.decode: %w", ErrTokenInvalid)
	}
	return claims.Payload, nil
}
