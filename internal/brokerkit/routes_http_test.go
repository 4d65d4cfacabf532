package brokerkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/ythelper/broker/internal/credstore"
	"github.com/ythelper/broker/internal/web"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type stubExchanger struct {
	mutex         sync.Mutex
	exchanged     credstore.Credentials
	exchangeErr   error
	exchangeCalls int
	lastCode      string
	lastVerifier  string
	refreshed     credstore.Credentials
	refreshErr    error
}

func (stub *stubExchanger) AuthCodeURL(state string, challenge string) string {
	query := url.Values{}
	query.Set("state", state)
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", "S256")
	return "https://accounts.example/o/oauth2/auth?" + query.Encode()
}

func (stub *stubExchanger) Exchange(ctx context.Context, code string, verifier string) (credstore.Credentials, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.exchangeCalls++
	stub.lastCode = code
	stub.lastVerifier = verifier
	if stub.exchangeErr != nil {
		return credstore.Credentials{}, stub.exchangeErr
	}
	return stub.exchanged, nil
}

func (stub *stubExchanger) Refresh(ctx context.Context, credentials credstore.Credentials) (credstore.Credentials, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if stub.refreshErr != nil {
		return credstore.Credentials{}, stub.refreshErr
	}
	return stub.refreshed, nil
}

type brokerEnv struct {
	router    *gin.Engine
	codec     *TokenCodec
	pending   PendingStore
	store     *credstore.FileStore
	exchanger *stubExchanger
	metrics   *EventCounters
	clock     *controllableClock
	config    ServerConfig
}

func newBrokerEnv(t *testing.T) *brokerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	config := ServerConfig{
		Issuer:      "yths-broker",
		StateTTL:    10 * time.Minute,
		AppTokenTTL: 7 * 24 * time.Hour,
	}

	codec, codecErr := NewTokenCodec([]byte("signing-key-for-tests"), config.Issuer, clock)
	if codecErr != nil {
		t.Fatalf("new codec: %v", codecErr)
	}

	storageKey := []byte("0123456789abcdef0123456789abcdef")
	store, storeErr := credstore.NewFileStore(filepath.Join(t.TempDir(), "credentials.enc"), storageKey, zaptest.NewLogger(t))
	if storeErr != nil {
		t.Fatalf("new file store: %v", storeErr)
	}

	pending := NewMemoryPendingStore(config.StateTTL)
	exchanger := &stubExchanger{
		exchanged: credstore.Credentials{
			AccessToken:  "AT1",
			RefreshToken: "RT1",
			TokenType:    "Bearer",
			ExpiryDate:   clock.Now().Add(time.Hour).UnixMilli(),
		},
	}
	metrics := NewEventCounters()

	broker, brokerErr := NewBroker(config, codec, pending, exchanger, store, web.RenderCallbackPage, metrics, zaptest.NewLogger(t))
	if brokerErr != nil {
		t.Fatalf("new broker: %v", brokerErr)
	}

	router := gin.New()
	MountBrokerRoutes(router, broker)

	return &brokerEnv{
		router:    router,
		codec:     codec,
		pending:   pending,
		store:     store,
		exchanger: exchanger,
		metrics:   metrics,
		clock:     clock,
		config:    config,
	}
}

func (env *brokerEnv) get(t *testing.T, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	env.router.ServeHTTP(recorder, request)
	return recorder
}

// startLogin runs /auth/login and returns the state and challenge embedded in
// the authorization URL.
func (env *brokerEnv) startLogin(t *testing.T, userUID string) (state string, challenge string) {
	t.Helper()
	recorder := env.get(t, "/auth/login?userUid="+url.QueryEscape(userUID), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	authURL, parseErr := url.Parse(body.URL)
	if parseErr != nil {
		t.Fatalf("parse authorization url: %v", parseErr)
	}
	return authURL.Query().Get("state"), authURL.Query().Get("code_challenge")
}

func TestLoginRequiresUserUID(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	recorder := env.get(t, "/auth/login", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without userUid, got %d", recorder.Code)
	}
}

func TestLoginChallengeMatchesStoredVerifier(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	state, challenge := env.startLogin(t, "u1")

	nonce, decodeErr := env.codec.Decode(state)
	if decodeErr != nil {
		t.Fatalf("state must be a valid signed token: %v", decodeErr)
	}
	authorization, consumeErr := env.pending.Consume(context.Background(), nonce)
	if consumeErr != nil {
		t.Fatalf("consume pending transaction: %v", consumeErr)
	}
	if authorization.UserUID != "u1" {
		t.Fatalf("expected transaction for u1, got %q", authorization.UserUID)
	}
	if ComputeS256Challenge(authorization.CodeVerifier) != challenge {
		t.Fatalf("code_challenge is not the S256 digest of the stored verifier")
	}
	if authorization.AppToken == "" {
		t.Fatalf("expected app token minted at login time")
	}
	if payload, err := env.codec.Decode(authorization.AppToken); err != nil || payload != "u1" {
		t.Fatalf("app token must encode the user uid, got %q (%v)", payload, err)
	}
}

func TestCallbackExchangesAndStoresCredentials(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	state, _ := env.startLogin(t, "u1")

	recorder := env.get(t, "/auth/callback?code=validcode&state="+url.QueryEscape(state), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from callback, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := recorder.Body.String()
	if !strings.Contains(body, "AT1") {
		t.Fatalf("callback page must hand back the access token")
	}
	if strings.Contains(body, "RT1") {
		t.Fatalf("refresh token must never reach the callback page")
	}

	stored, getErr := env.store.Get(context.Background(), "u1")
	if getErr != nil {
		t.Fatalf("expected stored credentials: %v", getErr)
	}
	if stored.AccessToken != "AT1" || stored.RefreshToken != "RT1" {
		t.Fatalf("unexpected stored credentials: %+v", stored)
	}
	if env.exchanger.lastCode != "validcode" {
		t.Fatalf("expected exchange with the callback code, got %q", env.exchanger.lastCode)
	}
}

func TestCallbackReplayIsRejectedWithoutOverwrite(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	state, _ := env.startLogin(t, "u1")

	first := env.get(t, "/auth/callback?code=validcode&state="+url.QueryEscape(state), nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200 from first callback, got %d", first.Code)
	}

	env.exchanger.exchanged = credstore.Credentials{AccessToken: "AT-REPLAY", RefreshToken: "RT-REPLAY"}
	second := env.get(t, "/auth/callback?code=validcode&state="+url.QueryEscape(state), nil)
	if second.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 from replayed callback, got %d", second.Code)
	}
	if second.Body.String() != genericAuthFailure {
		t.Fatalf("replay response must be the generic failure, got %q", second.Body.String())
	}

	stored, getErr := env.store.Get(context.Background(), "u1")
	if getErr != nil {
		t.Fatalf("expected stored credentials: %v", getErr)
	}
	if stored.AccessToken != "AT1" || stored.RefreshToken != "RT1" {
		t.Fatalf("replay must not overwrite credentials: %+v", stored)
	}
	if env.exchanger.exchangeCalls != 1 {
		t.Fatalf("expected exactly one exchange, got %d", env.exchanger.exchangeCalls)
	}
}

func TestCallbackRejectionsAreUniform(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)

	// Unknown and expired state must be indistinguishable in the response.
	unknownState, _ := env.codec.Encode("nonce-never-issued", time.Minute)
	for name, path := range map[string]string{
		"missing state": "/auth/callback?code=validcode",
		"garbage state": "/auth/callback?code=validcode&state=garbage",
		"unknown nonce": "/auth/callback?code=validcode&state=" + url.QueryEscape(unknownState),
	} {
		recorder := env.get(t, path, nil)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, recorder.Code)
		}
		if recorder.Body.String() != genericAuthFailure {
			t.Fatalf("%s: expected generic failure body, got %q", name, recorder.Body.String())
		}
	}
}

func TestCallbackExpiredStateRejected(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	state, _ := env.startLogin(t, "u1")

	env.clock.Advance(11 * time.Minute)
	recorder := env.get(t, "/auth/callback?code=validcode&state="+url.QueryEscape(state), nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for expired state, got %d", recorder.Code)
	}
	if recorder.Body.String() != genericAuthFailure {
		t.Fatalf("expected generic failure body, got %q", recorder.Body.String())
	}
}

func TestCallbackProviderErrorAndMissingCode(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)

	recorder := env.get(t, "/auth/callback?error=access_denied", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for provider error, got %d", recorder.Code)
	}

	state, _ := env.startLogin(t, "u1")
	recorder = env.get(t, "/auth/callback?state="+url.QueryEscape(state), nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing code, got %d", recorder.Code)
	}
}

func TestCallbackExchangeFailureIsOpaque500(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	env.exchanger.exchangeErr = fmt.Errorf("%w: provider detail that must not leak", ErrExchangeFailed)
	state, _ := env.startLogin(t, "u1")

	recorder := env.get(t, "/auth/callback?code=validcode&state="+url.QueryEscape(state), nil)
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for exchange failure, got %d", recorder.Code)
	}
	if strings.Contains(recorder.Body.String(), "provider detail") {
		t.Fatalf("provider error detail leaked to the page: %q", recorder.Body.String())
	}
}

func TestTokenRequiresBearerAppToken(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)

	if recorder := env.get(t, "/auth/token", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", recorder.Code)
	}
	headers := map[string]string{"Authorization": "Bearer not-a-token"}
	if recorder := env.get(t, "/auth/token", headers); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid app token, got %d", recorder.Code)
	}
}

func TestTokenExpiredAppTokenRejected(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	appToken, _ := env.codec.Encode("u1", env.config.AppTokenTTL)

	env.clock.Advance(8 * 24 * time.Hour)
	headers := map[string]string{"Authorization": "Bearer " + appToken}
	if recorder := env.get(t, "/auth/token", headers); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired app token, got %d", recorder.Code)
	}
}

func TestTokenWithoutStoredCredentialsIsLoginRequired(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	appToken, _ := env.codec.Encode("u-without-credentials", env.config.AppTokenTTL)

	recorder := env.get(t, "/auth/token", map[string]string{"Authorization": "Bearer " + appToken})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when no credentials stored, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), "login_required") {
		t.Fatalf("expected login_required, got %q", recorder.Body.String())
	}
}

func TestTokenWithoutRefreshTokenIsLoginRequired(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	_ = env.store.Put(context.Background(), "u1", credstore.Credentials{AccessToken: "AT1"})
	appToken, _ := env.codec.Encode("u1", env.config.AppTokenTTL)

	recorder := env.get(t, "/auth/token", map[string]string{"Authorization": "Bearer " + appToken})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without refresh token, got %d", recorder.Code)
	}
}

func TestTokenRefreshRotatesAppToken(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	_ = env.store.Put(context.Background(), "u1", credstore.Credentials{AccessToken: "AT1", RefreshToken: "RT1"})
	env.exchanger.refreshed = credstore.Credentials{
		AccessToken:  "AT2",
		RefreshToken: "RT1",
		ExpiryDate:   env.clock.Now().Add(time.Hour).UnixMilli(),
	}
	appToken, _ := env.codec.Encode("u1", env.config.AppTokenTTL)

	recorder := env.get(t, "/auth/token", map[string]string{"Authorization": "Bearer " + appToken})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from refresh, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiryDate  int64  `json:"expiry_date"`
		AppToken    string `json:"app_token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode token body: %v", err)
	}
	if body.AccessToken != "AT2" {
		t.Fatalf("expected refreshed access token, got %q", body.AccessToken)
	}
	if body.ExpiryDate == 0 {
		t.Fatalf("expected expiry date in response")
	}
	if body.AppToken == "" {
		t.Fatalf("expected rotated app token")
	}
	if payload, err := env.codec.Decode(body.AppToken); err != nil || payload != "u1" {
		t.Fatalf("rotated app token must encode the same identity, got %q (%v)", payload, err)
	}

	stored, _ := env.store.Get(context.Background(), "u1")
	if stored.AccessToken != "AT2" {
		t.Fatalf("expected store updated with refreshed credentials, got %+v", stored)
	}
}

func TestTokenRefreshRejectionDropsCredentials(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	_ = env.store.Put(context.Background(), "u1", credstore.Credentials{AccessToken: "AT1", RefreshToken: "RT1"})
	env.exchanger.refreshErr = fmt.Errorf("%w: revoked", ErrRefreshRejected)
	appToken, _ := env.codec.Encode("u1", env.config.AppTokenTTL)
	headers := map[string]string{"Authorization": "Bearer " + appToken}

	recorder := env.get(t, "/auth/token", headers)
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for rejected refresh, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "refresh_failed") {
		t.Fatalf("expected refresh_failed, got %q", recorder.Body.String())
	}

	// The dead grant is dropped: the next call demands a fresh login instead
	// of retrying forever.
	recorder = env.get(t, "/auth/token", headers)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 login_required after drop, got %d", recorder.Code)
	}
	if env.metrics.Count(MetricRefreshRejected) != 1 {
		t.Fatalf("expected one refresh_rejected event, got %d", env.metrics.Count(MetricRefreshRejected))
	}
}

func TestBrokerCountsEvents(t *testing.T) {
	t.Parallel()

	env := newBrokerEnv(t)
	state, _ := env.startLogin(t, "u1")
	_ = env.get(t, "/auth/callback?code=validcode&state="+url.QueryEscape(state), nil)
	_ = env.get(t, "/auth/callback?code=validcode&state="+url.QueryEscape(state), nil)

	if env.metrics.Count(MetricLoginStarted) != 1 {
		t.Fatalf("expected one login_started, got %d", env.metrics.Count(MetricLoginStarted))
	}
	if env.metrics.Count(MetricCallbackSuccess) != 1 {
		t.Fatalf("expected one callback_success, got %d", env.metrics.Count(MetricCallbackSuccess))
	}
	if env.metrics.Count(MetricCallbackRejected) != 1 {
		t.Fatalf("expected one callback_rejected, got %d", env.metrics.Count(MetricCallbackRejected))
	}
}
