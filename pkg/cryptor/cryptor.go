// Package cryptor defines the encrypt/decrypt capability used for message
// payloads. The byte layout of the cipher is the implementation's concern;
// the client only moves opaque text through it.
package cryptor

import "errors"

// ErrDecryption is returned (possibly wrapped) when a payload cannot be decrypted.
var ErrDecryption = errors.New("decryption failed")

// Cryptor encrypts and decrypts message payloads. Ciphertext is the
// text-safe form sent on the wire (for example base64).
type Cryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
