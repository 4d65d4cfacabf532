package brokerkit

import "time"

// ServerConfig holds the secrets, Google client settings, and token TTLs the
// broker needs. SigningKey and StorageKey are kept as separate fields even
// though deployments may feed both from one secret.
type ServerConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	SigningKey         []byte
	StorageKey         []byte
	Issuer             string
	RedirectURL        string
	StateTTL           time.Duration
	AppTokenTTL        time.Duration
}
