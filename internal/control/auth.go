package control

import (
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	autoGenKeyLength = 16
	base62Chars      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	pbkdf2Iterations = 100000
	pbkdf2Salt       = "usbrelay-control-v1"
)

// GenerateKey creates a random base62 passphrase suitable for a freshly
// provisioned control channel.
func GenerateKey() (string, error) {
	randomBytes := make([]byte, autoGenKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	key := make([]byte, autoGenKeyLength)
	for i, b := range randomBytes {
		key[i] = base62Chars[int(b)%62]
	}
	return string(key), nil
}

// DeriveKey stretches a passphrase to a chacha20poly1305.KeySize key via
// PBKDF2, so the AEAD session key is never the raw passphrase bytes.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("control: passphrase cannot be empty")
	}
	return pbkdf2.Key(sha256.New, passphrase, []byte(pbkdf2Salt), pbkdf2Iterations, chacha20poly1305.KeySize)
}
