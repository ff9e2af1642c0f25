package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const sealedPrefix = "sealed:v1:"

// SealedSessionStore encrypts the token fields of sessions with AES-256-GCM
// before passing them to the wrapped store. Values saved without a key are
// read back unchanged and sealed on the next save.
type SealedSessionStore struct {
	inner SessionStore
	aead  cipher.AEAD
}

var _ SessionStore = (*SealedSessionStore)(nil)

// ParseSessionKey decodes a standard base64 32-byte key.
func ParseSessionKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("session key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// NewSealedSessionStore wraps inner, sealing tokens with key. key must be 32 bytes.
func NewSealedSessionStore(inner SessionStore, key []byte) (*SealedSessionStore, error) {
	if len(key) != 32 {
		return nil, errors.New("session key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SealedSessionStore{inner: inner, aead: aead}, nil
}

// SaveAuthSession seals the access, refresh and ID tokens of a and stores the
// copy. a itself is left as is.
func (s *SealedSessionStore) SaveAuthSession(ctx context.Context, a *AuthSession) error {
	sealed := *a
	for _, f := range []*string{&sealed.AccessToken, &sealed.RefreshToken, &sealed.IDToken} {
		v, err := s.seal(a.Key, *f)
		if err != nil {
			return fmt.Errorf("seal auth session %s: %w", a.Key, err)
		}
		*f = v
	}
	return s.inner.SaveAuthSession(ctx, &sealed)
}

// GetAuthSession loads the session under key and opens its tokens. A value
// sealed with another key, or bound to another session, is an error.
func (s *SealedSessionStore) GetAuthSession(ctx context.Context, key string) (*AuthSession, error) {
	a, err := s.inner.GetAuthSession(ctx, key)
	if err != nil || a == nil {
		return a, err
	}
	for _, f := range []*string{&a.AccessToken, &a.RefreshToken, &a.IDToken} {
		v, err := s.open(key, *f)
		if err != nil {
			return nil, fmt.Errorf("open auth session %s: %w", key, err)
		}
		*f = v
	}
	return a, nil
}

// DeleteAuthSession removes the session under key from the wrapped store.
func (s *SealedSessionStore) DeleteAuthSession(ctx context.Context, key string) error {
	return s.inner.DeleteAuthSession(ctx, key)
}

// seal returns prefix || base64(nonce || ciphertext). The session key is the
// additional data, so a value cannot be moved to another session.
func (s *SealedSessionStore) seal(sessionKey, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(sessionKey))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *SealedSessionStore) open(sessionKey, value string) (string, error) {
	enc, ok := strings.CutPrefix(value, sealedPrefix)
	if !ok {
		return value, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return "", errors.New("ciphertext too short")
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], []byte(sessionKey))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
