// Package crypto protects cookie values at rest. With CRYPTO_KEY set,
// values are sealed with AES-GCM under a sha256-derived key; without one
// they are base64 encoded so the stored format stays uniform and older
// rows keep decoding.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

type Cipher struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from the configured secret. An empty secret
// yields a passthrough cipher.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return &Cipher{}, nil
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plain string) (string, error) {
	if c == nil || c.aead == nil {
		return base64.StdEncoding.EncodeToString([]byte(plain)), nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if c == nil || c.aead == nil {
		return string(raw), nil
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}

// EncryptMap seals every value in place of a copy, preserving keys so
// jsonb merges at the store stay key-wise.
func (c *Cipher) EncryptMap(m map[string]string) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		enc, err := c.Encrypt(v)
		if err != nil {
			return nil, fmt.Errorf("encrypt %q: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptMap is tolerant: values that fail to open (legacy plaintext,
// rotated keys) are returned as stored.
func (c *Cipher) DecryptMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		plain, err := c.Decrypt(v)
		if err != nil {
			out[k] = v
			continue
		}
		out[k] = plain
	}
	return out
}
