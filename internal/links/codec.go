// Package links seals and opens the stateless capability tokens handed to
// providers and customers in place of a login session.
//
// A token is base64url(nonce || XChaCha20-Poly1305(ciphertext)). The sealed
// plaintext is a small JSON envelope carrying the token kind, an absolute
// expiry and the kind-specific payload, so validity can be decided without a
// server-side lookup.
package links

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"bookingflow/backend/internal/apperror"
)

// Kind distinguishes payload shapes so a token minted for one purpose is
// rejected when presented for another.
type Kind string

const (
	KindProvider Kind = "provider"
	KindQuote    Kind = "quote"
	KindSession  Kind = "pin_session"
)

var (
	ErrMalformed = apperror.Validation("malformed link token")
	ErrTampered  = apperror.Validation("link token failed integrity check")
	ErrWrongKind = apperror.Validation("link token has the wrong payload type")
)

const keyInfo = "bookingflow/links/v1"

type envelope struct {
	Kind      Kind            `json:"k"`
	ExpiresAt int64           `json:"exp"`
	Data      json.RawMessage `json:"d"`
}

// Codec seals and opens tokens with a key derived from a shared secret.
type Codec struct {
	aead cipher.AEAD
	now  func() time.Time
}

// NewCodec derives the sealing key from secret. The secret must be non-empty;
// every process sharing the secret can open every token.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("links: secret must not be empty")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("links: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("links: init cipher: %w", err)
	}

	return &Codec{aead: aead, now: time.Now}, nil
}

// WithClock returns a copy of the codec that reads the current time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

// Now returns the codec's notion of the current time.
func (c *Codec) Now() time.Time {
	return c.now()
}

// Seal encrypts v under the given kind with an absolute expiry.
func (c *Codec) Seal(kind Kind, v any, expiresAt time.Time) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("links: marshal payload: %w", err)
	}

	plaintext, err := json.Marshal(envelope{Kind: kind, ExpiresAt: expiresAt.UnixMilli(), Data: data})
	if err != nil {
		return "", fmt.Errorf("links: marshal envelope: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("links: nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts token into v. A token whose expiry has
// passed still decodes; expired reports that so callers can render a
// "link expired" answer instead of a generic failure. Open never mutates
// state.
func (c *Codec) Open(kind Kind, token string, v any) (expiresAt time.Time, expired bool, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return time.Time{}, false, ErrMalformed
	}

	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return time.Time{}, false, ErrTampered
	}

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return time.Time{}, false, ErrMalformed
	}
	if env.Kind != kind {
		return time.Time{}, false, ErrWrongKind
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return time.Time{}, false, ErrMalformed
	}

	expiresAt = time.UnixMilli(env.ExpiresAt)
	return expiresAt, !c.now().Before(expiresAt), nil
}
