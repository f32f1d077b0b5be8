// Package auth provides venue L2 authentication using HMAC-SHA256 signatures.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header names sent on every authenticated REST request.
const (
	HeaderAddress    = "POLY_ADDRESS"
	HeaderAPIKey     = "POLY_API_KEY"
	HeaderPassphrase = "POLY_PASSPHRASE"
	HeaderTimestamp  = "POLY_TIMESTAMP"
	HeaderSignature  = "POLY_SIGNATURE"
)

// Credentials holds the L2 credential triple and the address it belongs to.
type Credentials struct {
	APIKey     string
	Secret     string // base64url-encoded HMAC key
	Passphrase string
	Address    string

	secret []byte
	now    func() time.Time
}

// ChannelAuth is the auth object carried on user-channel subscribe frames.
type ChannelAuth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// NewCredentials validates and decodes a credential triple.
func NewCredentials(apiKey, secret, passphrase, address string) (*Credentials, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	key, err := decodeSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}

	return &Credentials{
		APIKey:     apiKey,
		Secret:     secret,
		Passphrase: passphrase,
		Address:    address,
		secret:     key,
		now:        time.Now,
	}, nil
}

// decodeSecret accepts padded or unpadded base64url, falling back to standard base64.
func decodeSecret(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("secret is required")
	}
	s := strings.TrimRight(secret, "=")
	if key, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return key, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// SignRequest generates L2 authentication headers for a REST request.
// Path must include the query string if any; body is the exact request body.
func (c *Credentials) SignRequest(method, path string, body []byte) map[string]string {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	ts := strconv.FormatInt(now().Unix(), 10)

	return map[string]string{
		HeaderAddress:    c.Address,
		HeaderAPIKey:     c.APIKey,
		HeaderPassphrase: c.Passphrase,
		HeaderTimestamp:  ts,
		HeaderSignature:  c.signature(ts, method, path, body),
	}
}

// signature is base64url(HMAC-SHA256(secret, timestamp + method + path + body)).
func (c *Credentials) signature(timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// ChannelAuth returns the auth payload for a user-channel subscription.
func (c *Credentials) ChannelAuth() *ChannelAuth {
	return &ChannelAuth{
		APIKey:     c.APIKey,
		Secret:     c.Secret,
		Passphrase: c.Passphrase,
	}
}
