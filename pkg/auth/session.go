package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// DefaultSessionCookieName is used when the config leaves the name empty.
const DefaultSessionCookieName = "ieim_session"

const sessionValuePrefix = "v1."

// SessionCodec seals the access token into an opaque cookie value. The
// AES-GCM key is derived from the configured secret with HKDF-SHA256, so
// rotating the secret invalidates every outstanding cookie at once.
type SessionCodec struct {
	aead cipher.AEAD
}

// NewSessionCodec derives the cookie key from the session secret.
func NewSessionCodec(secret string) (*SessionCodec, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret must be non-empty")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), []byte("ieim-session"), []byte("cookie-key-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SessionCodec{aead: aead}, nil
}

// Seal encrypts the access token into a cookie value.
func (c *SessionCodec) Seal(accessToken string) (string, error) {
	if accessToken == "" {
		return "", fmt.Errorf("empty access token")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(accessToken), nil)
	return sessionValuePrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a cookie value back into the access token. Tampered or
// foreign values fail.
func (c *SessionCodec) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sessionValuePrefix) {
		return "", fmt.Errorf("unrecognized session cookie format")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sessionValuePrefix))
	if err != nil {
		return "", fmt.Errorf("malformed session cookie")
	}
	ns := c.aead.NonceSize()
	if len(raw) <= ns {
		return "", fmt.Errorf("malformed session cookie")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("session cookie rejected")
	}
	return string(plain), nil
}
