package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD seals small payloads. The credential snapshot holds plaintext account
// passwords, so it never touches disk unencrypted.
type AEAD struct{ aead cipher.AEAD }

func New(key []byte) (*AEAD, error) {
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

func (a *AEAD) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (a *AEAD) Open(sealed []byte) ([]byte, error) {
	ns := a.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("sealed payload too short")
	}
	return a.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}

func (a *AEAD) SealToString(plaintext []byte) (string, error) {
	b, err := a.Seal(plaintext)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

func (a *AEAD) OpenString(sealedB64 string) ([]byte, error) {
	b, err := base64.RawStdEncoding.DecodeString(sealedB64)
	if err != nil {
		return nil, err
	}
	return a.Open(b)
}
