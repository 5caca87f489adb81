package custody

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	cipherVersion = "v1"
	hkdfInfo      = "bchescrow wallet key v1"
)

var (
	ErrInvalidSecret    = errors.New("wallet encryption secret must be 32 bytes")
	ErrInvalidSealedKey = errors.New("sealed key is malformed or was not sealed for this address")
)

// KeyCipher seals private keys with XChaCha20-Poly1305 under a key derived
// from the process secret. The escrow address is bound as associated data,
// so a ciphertext copied onto another escrow row fails to open.
type KeyCipher struct {
	aead cipher.AEAD
}

// NewKeyCipher derives the sealing key from secret. It fails closed on a
// missing or short secret.
func NewKeyCipher(secret []byte) (*KeyCipher, error) {
	if len(secret) != 32 {
		return nil, ErrInvalidSecret
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	for i := range key {
		key[i] = 0
	}
	return &KeyCipher{aead: aead}, nil
}

// Encrypt seals k for address, returning "v1:<base64(nonce|ciphertext)>".
func (c *KeyCipher) Encrypt(k *PrivateKey, address string) (string, error) {
	if k == nil || len(k.b) == 0 {
		return "", errors.New("empty private key")
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(k.b)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, k.b, []byte(address))
	return cipherVersion + ":" + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed key for address. The caller owns the returned key
// and must Zero it.
func (c *KeyCipher) Decrypt(sealed, address string) (*PrivateKey, error) {
	version, body, ok := strings.Cut(sealed, ":")
	if !ok || version != cipherVersion {
		return nil, ErrInvalidSealedKey
	}
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil || len(raw) < chacha20poly1305.NonceSizeX+c.aead.Overhead() {
		return nil, ErrInvalidSealedKey
	}
	nonce, ct := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := c.aead.Open(nil, nonce, ct, []byte(address))
	if err != nil {
		return nil, ErrInvalidSealedKey
	}
	return &PrivateKey{b: plain}, nil
}
