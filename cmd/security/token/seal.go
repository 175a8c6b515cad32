package token

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealVersion prefixes every sealed value and is bound as AAD.
const sealVersion byte = 0x01

var hkdfInfoSeal = []byte("scoping.seal.v1")

// Sealer encrypts small secrets for storage.
//
// Sealed layout before base64url encoding:
//
//	[version: 1] [nonce: 24] [ciphertext+tag]
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 256-bit key from secret with HKDF-SHA256.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, ErrKeyMissing
	}
	if len(secret) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoSeal), key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// NewSealerFromEnv reads the secret from SealKeyEnv.
func NewSealerFromEnv() (*Sealer, error) {
	secret, err := KeyFromEnv(SealKeyEnv, MinKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", SealKeyEnv, err)
	}
	return NewSealer(secret)
}

// Seal encrypts plaintext. aad is authenticated but not stored; Open must be
// given the same value.
func (s *Sealer) Seal(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, sealVersion)
	out = append(out, nonce...)
	out = s.aead.Seal(out, nonce, plaintext, sealAAD(aad))
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string, aad []byte) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealed, err)
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: too short", ErrSealed)
	}
	if raw[0] != sealVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrSealed, raw[0])
	}

	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	pt, err := s.aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], sealAAD(aad))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealed, err)
	}
	return pt, nil
}

func sealAAD(aad []byte) []byte {
	out := make([]byte, 0, 1+len(aad))
	out = append(out, sealVersion)
	return append(out, aad...)
}
