// Package brokerkit implements the OAuth broker protocol: PKCE-based
// authorization-code exchange against Google, short-lived signed state
// correlating browser logins with the server-side callback, and rotating
// per-user app tokens the extension uses to request refreshes.
package brokerkit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ythelper/broker/internal/credstore"
)

// genericAuthFailure is the uniform body for every state failure on the
// callback: unknown, expired, and replayed nonces must be indistinguishable
// so a probe cannot tell "never existed" from "already used".
const genericAuthFailure = "invalid or expired authorization"

var errMissingDependency = errors.New("broker.missing_dependency")

// CallbackRenderer produces the HTML page that hands the access token and
// app token back to the extension through the content-script relay.
type CallbackRenderer func(accessToken string, appToken string) (string, error)

// Broker wires the token codec, pending table, exchanger, and credential
// store into the externally visible protocol.
type Broker struct {
	config      ServerConfig
	codec       *TokenCodec
	pending     PendingStore
	exchanger   Exchanger
	credentials credstore.CredentialStore
	render      CallbackRenderer
	metrics     *EventCounters
	logger      *zap.Logger
}

// NewBroker validates the collaborators and builds a Broker.
func NewBroker(config ServerConfig, codec *TokenCodec, pending PendingStore, exchanger Exchanger, credentials credstore.CredentialStore, render CallbackRenderer, metrics *EventCounters, logger *zap.Logger) (*Broker, error) {
	if codec == nil || pending == nil || exchanger == nil || credentials == nil || render == nil {
		return nil, fmt.Errorf("broker.new: %w", errMissingDependency)
	}
	if metrics == nil {
		metrics = NewEventCounters()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		config:      config,
		codec:       codec,
		pending:     pending,
		exchanger:   exchanger,
		credentials: credentials,
		render:      render,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// MountBrokerRoutes registers /auth/login, /auth/callback, and /auth/token.
func MountBrokerRoutes(router gin.IRouter, broker *Broker) {
	router.GET("/auth/login", broker.handleLogin)
	router.GET("/auth/callback", broker.handleCallback)
	router.GET("/auth/token", broker.handleToken)
}

// handleLogin starts a transaction: PKCE pair, app token, signed state nonce,
// pending-table insert, and the authorization URL back to the extension.
func (broker *Broker) handleLogin(contextGin *gin.Context) {
	userUID := strings.TrimSpace(contextGin.Query("userUid"))
	if userUID == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_user_uid"})
		return
	}

	appToken, mintErr := broker.codec.Encode(userUID, broker.config.AppTokenTTL)
	if mintErr != nil {
		broker.logger.Error("minting app token", zap.Error(mintErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	pair, pkceErr := GeneratePKCE()
	if pkceErr != nil {
		broker.logger.Error("generating pkce pair", zap.Error(pkceErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	nonce := NewNonce()
	state, stateErr := broker.codec.Encode(nonce, broker.config.StateTTL)
	if stateErr != nil {
		broker.logger.Error("minting state token", zap.Error(stateErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	if createErr := broker.pending.Create(contextGin, PendingAuthorization{
		Nonce:        nonce,
		CodeVerifier: pair.Verifier,
		UserUID:      userUID,
		AppToken:     appToken,
	}); createErr != nil {
		broker.logger.Error("recording pending authorization", zap.Error(createErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	broker.metrics.Increment(MetricLoginStarted)
	broker.logger.Info("login started", zap.String("user_uid", userUID))
	contextGin.JSON(http.StatusOK, gin.H{"url": broker.exchanger.AuthCodeURL(state, pair.Challenge)})
}

// handleCallback completes the transaction Google redirected back to. Every
// state failure terminates the attempt; a new login always starts over with a
// fresh nonce.
func (broker *Broker) handleCallback(contextGin *gin.Context) {
	if providerError := contextGin.Query("error"); providerError != "" {
		broker.metrics.Increment(MetricCallbackRejected)
		broker.logger.Warn("authorization error from provider", zap.String("error", providerError))
		contextGin.String(http.StatusBadRequest, "authorization error: %s", providerError)
		return
	}

	state := contextGin.Query("state")
	if state == "" {
		broker.rejectCallback(contextGin, "missing state")
		return
	}
	nonce, decodeErr := broker.codec.Decode(state)
	if decodeErr != nil {
		broker.rejectCallback(contextGin, "state rejected", zap.Error(decodeErr))
		return
	}

	code := contextGin.Query("code")
	if code == "" {
		broker.metrics.Increment(MetricCallbackRejected)
		contextGin.String(http.StatusBadRequest, "missing code")
		return
	}

	authorization, consumeErr := broker.pending.Consume(contextGin, nonce)
	if consumeErr != nil {
		broker.rejectCallback(contextGin, "pending authorization rejected", zap.Error(consumeErr))
		return
	}

	credentials, exchangeErr := broker.exchanger.Exchange(contextGin, code, authorization.CodeVerifier)
	if exchangeErr != nil {
		broker.metrics.Increment(MetricExchangeFailed)
		broker.logger.Error("code exchange failed", zap.Error(exchangeErr))
		// Provider error detail never reaches the page.
		contextGin.String(http.StatusInternalServerError, "authentication failed")
		return
	}

	if putErr := broker.credentials.Put(contextGin, authorization.UserUID, credentials); putErr != nil {
		broker.logger.Error("storing credentials",
			zap.String("user_uid", authorization.UserUID),
			zap.Error(putErr))
	}

	page, renderErr := broker.render(credentials.AccessToken, authorization.AppToken)
	if renderErr != nil {
		broker.logger.Error("rendering callback page", zap.Error(renderErr))
		contextGin.String(http.StatusInternalServerError, "authentication failed")
		return
	}

	broker.metrics.Increment(MetricCallbackSuccess)
	broker.logger.Info("login completed", zap.String("user_uid", authorization.UserUID))
	contextGin.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

// handleToken refreshes the access token for the identity inside a bearer app
// token, rotating the app token on every success so its expiry window keeps
// sliding while the user stays active.
func (broker *Broker) handleToken(contextGin *gin.Context) {
	appToken := bearerToken(contextGin.Request)
	if appToken == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_app_token"})
		return
	}

	userUID, decodeErr := broker.codec.Decode(appToken)
	if decodeErr != nil {
		broker.logger.Warn("app token rejected", zap.Error(decodeErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_app_token"})
		return
	}

	stored, getErr := broker.credentials.Get(contextGin, userUID)
	if getErr != nil {
		if errors.Is(getErr, credstore.ErrCredentialNotFound) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "login_required"})
			return
		}
		broker.logger.Error("loading credentials", zap.Error(getErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if stored.RefreshToken == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "login_required"})
		return
	}

	refreshed, refreshErr := broker.exchanger.Refresh(contextGin, stored)
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrRefreshRejected) {
			// The grant is dead; drop the record so the next call reports
			// login_required instead of retrying forever.
			if deleteErr := broker.credentials.Delete(contextGin, userUID); deleteErr != nil {
				broker.logger.Error("dropping rejected credentials", zap.Error(deleteErr))
			}
			broker.metrics.Increment(MetricRefreshRejected)
		}
		broker.logger.Error("refresh failed",
			zap.String("user_uid", userUID),
			zap.Error(refreshErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "refresh_failed"})
		return
	}

	if putErr := broker.credentials.Put(contextGin, userUID, refreshed); putErr != nil {
		broker.logger.Error("storing refreshed credentials", zap.Error(putErr))
	}

	rotated, mintErr := broker.codec.Encode(userUID, broker.config.AppTokenTTL)
	if mintErr != nil {
		broker.logger.Error("rotating app token", zap.Error(mintErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	broker.metrics.Increment(MetricTokenRefreshed)
	contextGin.JSON(http.StatusOK, gin.H{
		"access_token": refreshed.AccessToken,
		"expiry_date":  refreshed.ExpiryDate,
		"app_token":    rotated,
	})
}

func (broker *Broker) rejectCallback(contextGin *gin.Context, reason string, fields ...zap.Field) {
	broker.metrics.Increment(MetricCallbackRejected)
	broker.logger.Warn(reason, fields...)
	contextGin.String(http.StatusBadRequest, genericAuthFailure)
}

func bearerToken(request *http.Request) string {
	header := request.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}
