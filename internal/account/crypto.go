// Package account holds credential-at-rest encryption and OAuth token
// refresh for upstream accounts — concerns that sit beside, but outside,
// the account record store in internal/accountstore.
package account

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// Crypto encrypts/decrypts account credentials with AES-256-CBC under a
// key derived from a master secret via scrypt. Ciphertext is serialized
// as "{iv_hex}:{ciphertext_hex}".
type Crypto struct {
	key []byte
}

// DeriveKey derives the AES key from masterSecret and a fixed salt. The
// salt is fixed (not per-record) because the relay has exactly one master
// secret per deployment and values must be decryptable by any process
// holding only that secret — there is no per-record salt storage.
func DeriveKey(masterSecret, salt string) (*Crypto, error) {
	key, err := scrypt.Key([]byte(masterSecret), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("account: derive key: %w", err)
	}
	return &Crypto{key: key}, nil
}

func (c *Crypto) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func (c *Crypto) Decrypt(encoded string) (string, error) {
	parts := splitOnce(encoded, ':')
	if parts == nil {
		return "", fmt.Errorf("account: malformed ciphertext")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("account: malformed iv")
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("account: malformed ciphertext body")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("account: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("account: invalid padding")
	}
	return data[:len(data)-padLen], nil
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return nil
}
