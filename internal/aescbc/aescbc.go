// Package aescbc implements the legacy cipher-key cryptor: AES-256-CBC with
// PKCS#7 padding and base64 text encoding. The key is derived from the cipher
// key as the first 32 characters of its hex-encoded SHA-256 digest.
package aescbc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/cryptor"
)

// staticIV is used when random IVs are disabled.
var staticIV = []byte("0123456789012345")

// ErrEmptyKey is returned by New for an empty cipher key.
var ErrEmptyKey = errors.New("cipher key is required")

// Cryptor is a cryptor.Cryptor backed by AES-256-CBC.
type Cryptor struct {
	key      []byte
	randomIV bool
	random   io.Reader
}

var _ cryptor.Cryptor = (*Cryptor)(nil)

// New creates a Cryptor. With randomIV the IV is generated per message and
// prepended to the ciphertext; otherwise the fixed legacy IV is used.
func New(cipherKey string, randomIV bool) (*Cryptor, error) {
	if cipherKey == "" {
		return nil, ErrEmptyKey
	}
	return &Cryptor{
		key:      deriveKey(cipherKey),
		randomIV: randomIV,
		random:   rand.Reader,
	}, nil
}

func deriveKey(cipherKey string) []byte {
	sum := sha256.Sum256([]byte(cipherKey))
	return []byte(hex.EncodeToString(sum[:])[:32])
}

// Encrypt returns the base64 encoded ciphertext of plaintext.
func (c *Cryptor) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := staticIV
	if c.randomIV {
		iv = make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(c.random, iv); err != nil {
			return nil, fmt.Errorf("failed to generate iv: %w", err)
		}
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	if c.randomIV {
		out = append(append([]byte{}, iv...), out...)
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(out)))
	base64.StdEncoding.Encode(encoded, out)
	return encoded, nil
}

// Decrypt reverses Encrypt. Every failure wraps cryptor.ErrDecryption.
func (c *Cryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(ciphertext)))
	n, err := base64.StdEncoding.Decode(raw, bytes.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", cryptor.ErrDecryption, err)
	}
	raw = raw[:n]

	iv := staticIV
	if c.randomIV {
		if len(raw) < aes.BlockSize {
			return nil, fmt.Errorf("%w: ciphertext shorter than iv", cryptor.ErrDecryption)
		}
		iv, raw = raw[:aes.BlockSize], raw[aes.BlockSize:]
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", cryptor.ErrDecryption)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cryptor.ErrDecryption, err)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cryptor.ErrDecryption, err)
	}
	return plain, nil
}

func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
