// Package vault seals account credentials in memory so that plaintext
// passwords never outlive the call that needs them. Key material is
// generated fresh for every Vault and dies with the process.
package vault

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrOpen is returned when a ciphertext cannot be authenticated, which
// means it was produced by a different Vault or has been corrupted.
var ErrOpen = errors.New("vault: cannot open ciphertext")

// Vault holds one process-local secretbox key.
type Vault struct {
	key [32]byte
}

// New creates a Vault with a fresh random key.
func New() (*Vault, error) {
	v := &Vault{}
	if _, err := rand.Read(v.key[:]); err != nil {
		return nil, fmt.Errorf("vault: generating key: %w", err)
	}
	return v, nil
}

// Seal encrypts plaintext and returns the nonce-prefixed ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &v.key), nil
}

// Open decrypts a ciphertext produced by Seal on the same Vault.
func (v *Vault) Open(box []byte) ([]byte, error) {
	if len(box) < nonceSize {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])

	plaintext, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &v.key)
	if !ok {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// Zero overwrites a plaintext buffer. Callers use it right after sealing.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
