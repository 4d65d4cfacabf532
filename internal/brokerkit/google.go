package brokerkit

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	youtube "google.golang.org/api/youtube/v3"

	"github.com/ythelper/broker/internal/credstore"
)

var (
	// ErrExchangeFailed indicates Google rejected the authorization code.
	ErrExchangeFailed = errors.New("google.exchange_failed")
	// ErrRefreshFailed indicates the refresh round trip failed for a reason
	// that does not condemn the stored refresh token (network, 5xx).
	ErrRefreshFailed = errors.New("google.refresh_failed")
	// ErrRefreshRejected indicates Google reported the refresh token invalid
	// or revoked; the stored credential must be dropped, not retried.
	ErrRefreshRejected = errors.New("google.refresh_rejected")
)

const profileScope = "https://www.googleapis.com/auth/userinfo.profile"

// Exchanger abstracts the token-endpoint round trips so handlers can be
// exercised against a stub.
type Exchanger interface {
	// AuthCodeURL builds the authorization URL for one login transaction.
	AuthCodeURL(state string, challenge string) string
	// Exchange trades an authorization code plus PKCE verifier for tokens.
	Exchange(ctx context.Context, code string, verifier string) (credstore.Credentials, error)
	// Refresh trades a stored refresh token for a new access token.
	Refresh(ctx context.Context, credentials credstore.Credentials) (credstore.Credentials, error)
}

// GoogleExchanger performs the real exchanges against Google's OAuth2
// endpoints. The fixed server-side redirect URI is the point of the broker:
// extension redirect URIs are installation-specific and cannot be registered
// with Google, a static server URI can.
type GoogleExchanger struct {
	config *oauth2.Config
}

// NewGoogleExchanger builds the exchanger for the configured OAuth client.
func NewGoogleExchanger(clientID string, clientSecret string, redirectURL string) *GoogleExchanger {
	return &GoogleExchanger{config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{youtube.YoutubeScope, profileScope},
	}}
}

// AuthCodeURL returns Google's authorization URL. access_type=offline is
// required to receive a refresh token at all; prompt=consent is required to
// receive one again on repeat logins, since Google otherwise omits it.
func (exchanger *GoogleExchanger) AuthCodeURL(state string, challenge string) string {
	return exchanger.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades the code for tokens, passing the exact verifier that
// produced the challenge for this transaction.
func (exchanger *GoogleExchanger) Exchange(ctx context.Context, code string, verifier string) (credstore.Credentials, error) {
	token, exchangeErr := exchanger.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if exchangeErr != nil {
		return credstore.Credentials{}, fmt.Errorf("%w: %v", ErrExchangeFailed, exchangeErr)
	}
	return credentialsFromToken(token), nil
}

// Refresh obtains a fresh access token. When Google rejects the grant
// outright the error is ErrRefreshRejected so the caller drops the stored
// credential and forces a re-login.
func (exchanger *GoogleExchanger) Refresh(ctx context.Context, credentials credstore.Credentials) (credstore.Credentials, error) {
	source := exchanger.config.TokenSource(ctx, &oauth2.Token{RefreshToken: credentials.RefreshToken})
	token, refreshErr := source.Token()
	if refreshErr != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(refreshErr, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return credstore.Credentials{}, fmt.Errorf("%w: %v", ErrRefreshRejected, refreshErr)
		}
		return credstore.Credentials{}, fmt.Errorf("%w: %v", ErrRefreshFailed, refreshErr)
	}
	refreshed := credentialsFromToken(token)
	if refreshed.RefreshToken == "" {
		// Google does not echo the refresh token back on refresh.
		refreshed.RefreshToken = credentials.RefreshToken
	}
	return refreshed, nil
}

func credentialsFromToken(token *oauth2.Token) credstore.Credentials {
	credentials := credstore.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		credentials.ExpiryDate = token.Expiry.UnixMilli()
	}
	return credentials
}
