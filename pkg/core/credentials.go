package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// Credentials identifies one exchange account. The secret never leaves the
// value: callers sign payloads through Sign and release it with Close.
// A Credentials value is safe for concurrent use.
type Credentials struct {
	apiKey      string
	fingerprint string

	mu     sync.RWMutex
	secret []byte
	closed bool
}

// NewCredentials builds credentials from an API key and secret.
func NewCredentials(apiKey, secret string) (*Credentials, error) {
	if apiKey == "" || secret == "" {
		return nil, errors.New("api key and secret are required")
	}

	sum := sha256.Sum256([]byte(apiKey + "\x00" + secret))
	return &Credentials{
		apiKey:      apiKey,
		fingerprint: hex.EncodeToString(sum[:8]),
		secret:      []byte(secret),
	}, nil
}

// APIKey returns the public key identifier.
func (c *Credentials) APIKey() string {
	return c.apiKey
}

// Fingerprint returns a stable, non-secret identifier for the key pair.
// Two Credentials built from the same key and secret share a fingerprint.
func (c *Credentials) Fingerprint() string {
	return c.fingerprint
}

// Sign returns the hex encoded HMAC-SHA256 of payload.
func (c *Credentials) Sign(payload string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return "", ErrCredentialsClosed
	}

	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Closed reports whether Close has been called.
func (c *Credentials) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close zeroes the secret. Further Sign calls fail with ErrCredentialsClosed.
func (c *Credentials) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	clear(c.secret)
	c.secret = nil
	c.closed = true
	return nil
}

// String masks the API key so credentials can be logged.
func (c *Credentials) String() string {
	return MaskKey(c.apiKey)
}

// MaskKey keeps the first and last four characters of key.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
