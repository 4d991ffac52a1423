// Package vault encrypts and decrypts user token material.
//
// Tokens are stored as base64(iv || AES-256-CBC(pkcs7(plaintext))).
// The key is chosen deterministically from a ring by
// (groupID % 100) % len(keys), so a ring of K keys covers all groups
// and a subset of groups can be re-keyed without touching the rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt marks ciphertext that could not be decrypted with the
// selected key (wrong key generation, tampering, or corruption). The
// crawl engine classifies it as "credential invalid" and skips the user.
var ErrDecrypt = errors.New("vault: decrypt failed")

const keySize = 32

// Vault holds the token encryption key ring.
type Vault struct {
	keys [][]byte
}

// New validates the key ring and builds a Vault.
func New(keys [][]byte) (*Vault, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("vault: at least one key is required")
	}
	for i, key := range keys {
		if len(key) != keySize {
			return nil, fmt.Errorf("vault: key %d must be %d bytes, got %d", i, keySize, len(key))
		}
	}
	return &Vault{keys: keys}, nil
}

// KeyIndex returns the ring index serving groupID.
func (v *Vault) KeyIndex(groupID int) int {
	return (groupID % 100) % len(v.keys)
}

func (v *Vault) keyFor(groupID int) []byte {
	return v.keys[v.KeyIndex(groupID)]
}

// Encrypt returns the ciphertext for plaintext under groupID's key.
// A fresh random IV is drawn per call, so equal plaintexts encrypt
// differently.
func (v *Vault) Encrypt(plaintext string, groupID int) (string, error) {
	block, err := aes.NewCipher(v.keyFor(groupID))
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("vault: read iv: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. All failure modes surface as ErrDecrypt so
// callers can distinguish credential problems from infrastructure ones.
func (v *Vault) Decrypt(ciphertext string, groupID int) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(data) < aes.BlockSize || (len(data)-aes.BlockSize)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d", ErrDecrypt, len(data))
	}

	block, err := aes.NewCipher(v.keyFor(groupID))
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}

	iv, body := data[:aes.BlockSize], data[aes.BlockSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	unpadded, err := unpad(plain, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(unpadded), nil
}

// pad applies PKCS#7 padding up to blockSize.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// unpad strips and verifies PKCS#7 padding.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
