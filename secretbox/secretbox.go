// Package secretbox encrypts TA credentials at rest with AES-256-GCM.
//
// Stored values have the form ivHex:authTagHex:ciphertextHex. The key is a
// 32-byte secret given as 64 hex characters; a Box holds it in memory only
// and is passed explicitly to whoever needs to decrypt.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/tasync/horosafe"
)

const (
	keyLen   = 32
	ivLen    = 12
	tagLen   = 16
	segments = 3
)

// ErrMalformed is returned when a stored value is not ivHex:authTagHex:ciphertextHex.
var ErrMalformed = errors.New("secretbox: malformed ciphertext")

// ErrDecrypt is returned when authentication fails (wrong key or tampering).
var ErrDecrypt = errors.New("secretbox: decryption failed")

// Box encrypts and decrypts with one key.
type Box struct {
	block cipher.Block
}

// New parses a 64-hex-character key.
func New(keyHex string) (*Box, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("secretbox: key is not hex: %w", err)
	}
	if err := horosafe.ValidateSecret(key); err != nil {
		return nil, fmt.Errorf("secretbox: %w", err)
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("secretbox: key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: %w", err)
	}
	return &Box{block: block}, nil
}

// Encrypt seals plaintext with a fresh random IV.
func (b *Box) Encrypt(plaintext string) (string, error) {
	gcm, err := cipher.NewGCM(b.block)
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secretbox: iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens a stored value. The IV length is taken from the value so
// records written with a 16-byte IV still open.
func (b *Box) Decrypt(stored string) (string, error) {
	parts := strings.Split(stored, ":")
	if len(parts) != segments {
		return "", ErrMalformed
	}
	iv, err1 := hex.DecodeString(parts[0])
	tag, err2 := hex.DecodeString(parts[1])
	ct, err3 := hex.DecodeString(parts[2])
	if err := errors.Join(err1, err2, err3); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(iv) == 0 || len(tag) != tagLen {
		return "", ErrMalformed
	}

	gcm, err := cipher.NewGCMWithNonceSize(b.block, len(iv))
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}
	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
