// Package apptoken validates the broker's signed app tokens, so sibling
// backend services can accept them as bearer credentials without talking to
// the broker.
package apptoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "app_token_claims"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("apptoken.missing_signing_key")
	ErrMissingToken      = errors.New("apptoken.missing_token")
	ErrInvalidToken      = errors.New("apptoken.invalid_token")
	ErrTokenExpired      = errors.New("apptoken.expired")
)

// Config configures the Validator. SigningKey is required; Issuer, when set,
// must match the broker's issuer claim.
type Config struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

// Claims is the payload embedded inside broker app tokens: the stable user
// identity under the "p" claim plus the registered timestamp claims.
type Claims struct {
	Payload string `json:"p"`
	jwt.RegisteredClaims
}

// UserUID returns the stable user identity the token stands in for.
func (claims *Claims) UserUID() string {
	if claims == nil {
		return ""
	}
	return claims.Payload
}

// Validator verifies broker app tokens.
type Validator struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// New constructs a Validator after validating the configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("apptoken.new: %w", ErrMissingSigningKey)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		clock:      clock,
	}, nil
}

// ValidateToken verifies the token string and returns its claims. Expired and
// malformed tokens both mean "not authenticated"; the distinct errors exist
// for logging.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("apptoken.validate: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("apptoken.validate: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("apptoken.validate: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("apptoken.validate: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("apptoken.validate: %w", ErrInvalidToken)
	}
	if validator.issuer != "" && claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("apptoken.validate: %w", ErrInvalidToken)
	}
	return claims, nil
}

// ValidateRequest reads the Authorization bearer token and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("apptoken.validate_request: %w", ErrMissingToken)
	}
	header := request.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("apptoken.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(strings.TrimSpace(token))
}

// GinMiddleware validates the bearer app token and injects the claims under
// contextKey.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
