// Package secret encrypts the cloud client secret at rest and keeps its
// decrypted form in guarded memory while the relay runs.
package secret

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// separator splits the hex IV from the hex ciphertext in a blob.
const separator = ":"

var (
	// ErrInvalidKey is returned when a key is not 256 bits.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes (64 hex characters)")

	// ErrDecryption is returned for any blob that cannot be decrypted to a
	// valid plaintext under the configured key.
	ErrDecryption = errors.New("failed to decrypt secret")
)

// Cipher encrypts and decrypts single values with AES-256-CBC. A blob has
// the form hex(iv) ":" hex(ciphertext).
type Cipher struct {
	block cipher.Block
}

// NewCipher creates a Cipher for the given 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cipher: %w", err)
	}
	return &Cipher{block: block}, nil
}

// ParseKey decodes a configured key. Both 64 hex characters and a raw
// 32-character string are accepted.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 2 * KeySize:
		key, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	case KeySize:
		return []byte(s), nil
	default:
		return nil, ErrInvalidKey
	}
}

// GenerateKey returns a fresh random key in its hex configuration form.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt encrypts plaintext under a random IV.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	padded := pad([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + separator + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Every failure wraps ErrDecryption.
func (c *Cipher) Decrypt(blob string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(strings.TrimSpace(blob), separator)
	if !ok {
		return "", fmt.Errorf("%w: missing separator", ErrDecryption)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("%w: invalid IV encoding", ErrDecryption)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: IV must be %d bytes", ErrDecryption, aes.BlockSize)
	}

	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryption)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrDecryption)
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, ct)

	plain, err := unpad(out)
	if err != nil {
		return "", err
	}
	// CBC has no integrity check; a wrong key yields valid padding about
	// once in 256 tries, so also reject plaintexts that are not text.
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecryption)
	}
	return string(plain), nil
}

// pad applies PKCS#7 padding.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips and verifies PKCS#7 padding.
func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryption)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryption)
		}
	}
	return b[:len(b)-n], nil
}
