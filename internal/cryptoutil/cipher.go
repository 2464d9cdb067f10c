package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const cipherInfo = "sentinel/payload-encryption/v1"

// ErrCiphertext is returned for ciphertexts that are malformed or fail
// authentication.
var ErrCiphertext = errors.New("cryptoutil: invalid ciphertext")

// Cipher encrypts payloads with XChaCha20-Poly1305 under a key derived from
// an operator secret via HKDF-SHA256. Output is base64(nonce || sealed).
type Cipher struct {
	key []byte
}

// NewCipher derives an encryption key from secret. An empty secret is an
// error; callers that treat encryption as optional should check first.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("cryptoutil: encryption key is required")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(cipherInfo)), key); err != nil {
		return nil, fmt.Errorf("cryptoutil: derive key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cryptoutil: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCiphertext
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertext
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plaintext, nil
}
