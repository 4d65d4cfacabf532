package brokerkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const verifierByteLength = 64

// PKCEPair is a code verifier and its S256 challenge. The challenge travels
// to Google with the authorization request; the verifier never leaves the
// server until the code exchange.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE produces a fresh verifier/challenge pair. Pairs are never
// reused across transactions.
func GeneratePKCE() (PKCEPair, error) {
	buffer := make([]byte, verifierByteLength)
	if _, err := rand.Read(buffer); err != nil {
		return PKCEPair{}, fmt.Errorf("pkce.random: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buffer)
	return PKCEPair{
		Verifier:  verifier,
		Challenge: ComputeS256Challenge(verifier),
	}, nil
}

// ComputeS256Challenge returns the unpadded URL-safe base64 SHA-256 digest of
// the verifier, as required by code_challenge_method=S256.
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
