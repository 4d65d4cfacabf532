// Package sessionclient is the extension side of the broker protocol: it
// starts logins, waits for the relayed completion, and requests access-token
// refreshes with the stored app token.
package sessionclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrLoginCancelled indicates the user closed the authorization tab; the
	// caller returns to the logged-out state, it is not a crash.
	ErrLoginCancelled = errors.New("sessionclient.login_cancelled")
	// ErrBrokerUnavailable indicates the broker answered with an unexpected
	// status.
	ErrBrokerUnavailable = errors.New("sessionclient.broker_unavailable")
)

// Storage keys for the values that survive browser restarts. The user UID is
// created once per install; the app token is replaced on every refresh.
const (
	storageKeyUserUID  = "YTHS_USER_UID"
	storageKeyAppToken = "YTHS_APP_TOKEN"
)

// Storage persists small string values between sessions, the way extension
// local storage does.
type Storage interface {
	Get(key string) (string, bool)
	Set(key string, value string)
	Delete(key string)
}

// MemoryStorage is a Storage for tests and non-extension hosts.
type MemoryStorage struct {
	mutex  sync.Mutex
	values map[string]string
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

// Get returns the stored value for key.
func (storage *MemoryStorage) Get(key string) (string, bool) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	value, ok := storage.values[key]
	return value, ok
}

// Set stores value under key.
func (storage *MemoryStorage) Set(key string, value string) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	storage.values[key] = value
}

// Delete removes key.
func (storage *MemoryStorage) Delete(key string) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	delete(storage.values, key)
}

// Credentials is what a completed login or refresh yields. The access token
// lives only in memory; the app token is persisted.
type Credentials struct {
	AccessToken string
	ExpiryDate  int64
	AppToken    string
}

// Client drives the broker endpoints. OpenURL is the hook that opens the
// authorization tab; the host environment delivers the relayed completion
// back through Deliver.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Storage    Storage
	OpenURL    func(authorizationURL string) error

	completions chan RelayMessage
	once        sync.Once
}

// Deliver hands a relay message to the waiting login, if any. The relay
// boundary calls this once per completed or abandoned tab.
func (client *Client) Deliver(message RelayMessage) {
	client.init()
	select {
	case client.completions <- message:
	default:
		// No login is waiting; the message is stale.
	}
}

// Login starts a fresh login: asks the broker for an authorization URL, opens
// it, and waits for the relayed result. Tab closure resolves with
// ErrLoginCancelled rather than hanging forever.
func (client *Client) Login(ctx context.Context) (Credentials, error) {
	client.init()
	userUID := client.ensureUserUID()

	loginURL := fmt.Sprintf("%s/auth/login?userUid=%s", client.BaseURL, url.QueryEscape(userUID))
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if requestErr != nil {
		return Credentials{}, fmt.Errorf("sessionclient.login: %w", requestErr)
	}
	response, doErr := client.httpClient().Do(request)
	if doErr != nil {
		return Credentials{}, fmt.Errorf("sessionclient.login: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("%w: login status %d", ErrBrokerUnavailable, response.StatusCode)
	}
	var loginBody struct {
		URL string `json:"url"`
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(&loginBody); decodeErr != nil {
		return Credentials{}, fmt.Errorf("sessionclient.login: %w", decodeErr)
	}

	if client.OpenURL != nil {
		if openErr := client.OpenURL(loginBody.URL); openErr != nil {
			return Credentials{}, fmt.Errorf("sessionclient.login: %w", openErr)
		}
	}

	select {
	case <-ctx.Done():
		return Credentials{}, fmt.Errorf("sessionclient.login: %w", ctx.Err())
	case message := <-client.completions:
		switch completed := message.(type) {
		case OAuthResult:
			client.Storage.Set(storageKeyAppToken, completed.AppToken)
			return Credentials{
				AccessToken: completed.AccessToken,
				AppToken:    completed.AppToken,
			}, nil
		case TabClosed:
			return Credentials{}, ErrLoginCancelled
		default:
			return Credentials{}, fmt.Errorf("%w: %T", ErrUnknownAction, message)
		}
	}
}

// GetToken returns a fresh access token, refreshing with the stored app token
// when possible and falling back to a full login when the broker answers 400
// or 401.
func (client *Client) GetToken(ctx context.Context) (Credentials, error) {
	client.init()
	appToken, ok := client.Storage.Get(storageKeyAppToken)
	if !ok || appToken == "" {
		return client.Login(ctx)
	}

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, client.BaseURL+"/auth/token", nil)
	if requestErr != nil {
		return Credentials{}, fmt.Errorf("sessionclient.get_token: %w", requestErr)
	}
	request.Header.Set("Authorization", "Bearer "+appToken)
	response, doErr := client.httpClient().Do(request)
	if doErr != nil {
		return Credentials{}, fmt.Errorf("sessionclient.get_token: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	switch response.StatusCode {
	case http.StatusOK:
		var tokenBody struct {
			AccessToken string `json:"access_token"`
			ExpiryDate  int64  `json:"expiry_date"`
			AppToken    string `json:"app_token"`
		}
		if decodeErr := json.NewDecoder(response.Body).Decode(&tokenBody); decodeErr != nil {
			return Credentials{}, fmt.Errorf("sessionclient.get_token: %w", decodeErr)
		}
		client.Storage.Set(storageKeyAppToken, tokenBody.AppToken)
		return Credentials{
			AccessToken: tokenBody.AccessToken,
			ExpiryDate:  tokenBody.ExpiryDate,
			AppToken:    tokenBody.AppToken,
		}, nil
	case http.StatusBadRequest, http.StatusUnauthorized:
		client.Storage.Delete(storageKeyAppToken)
		return client.Login(ctx)
	default:
		return Credentials{}, fmt.Errorf("%w: token status %d", ErrBrokerUnavailable, response.StatusCode)
	}
}

func (client *Client) init() {
	client.once.Do(func() {
		client.completions = make(chan RelayMessage, 1)
		if client.Storage == nil {
			client.Storage = NewMemoryStorage()
		}
	})
}

func (client *Client) ensureUserUID() string {
	if userUID, ok := client.Storage.Get(storageKeyUserUID); ok && userUID != "" {
		return userUID
	}
	userUID := uuid.NewString()
	client.Storage.Set(storageKeyUserUID, userUID)
	return userUID
}

func (client *Client) httpClient() *http.Client {
	if client.HTTPClient != nil {
		return client.HTTPClient
	}
	return http.DefaultClient
}
