package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	deperr "github.com/mbaxter/depot/internal/errors"
)

const (
	// masterKeyLen is the length of the random master key in bytes.
	masterKeyLen = 32

	// gcmKeyLen is the derived AES-256-GCM key length in bytes.
	gcmKeyLen = 32
)

// secretsKeyInfo is the HKDF info string binding the derived key to the
// secret-bundle encryption context. Bump the suffix if the record format
// ever changes incompatibly.
var secretsKeyInfo = []byte("DepotSecretsV1")

// NewMasterKey generates a random 32-byte master key from the system CSPRNG.
func NewMasterKey() ([]byte, error) {
	key := make([]byte, masterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}

	return key, nil
}

// Cipher encrypts and decrypts secret bundles.
//
// The AES-256-GCM data key is derived from the stored master key via
// HKDF-SHA256 with a versioned info string. Ciphertext format:
// [12-byte IV][ciphertext+GCM tag], random IV per call.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a Cipher from the 32-byte master key. Derived key
// material is zeroed once the AEAD is constructed.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != masterKeyLen {
		return nil, fmt.Errorf("invalid master key length %d: expected %d bytes", len(masterKey), masterKeyLen)
	}

	gcmKey, err := hkdfDeriveKey(masterKey, nil, secretsKeyInfo, gcmKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving data key: %w", err)
	}

	block, err := aes.NewCipher(gcmKey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	// Zero the derived key; the AEAD retains its own copy internally.
	subtle.ConstantTimeCopy(1, gcmKey, make([]byte, len(gcmKey)))

	return &Cipher{gcm: gcm}, nil
}

// ZeroKey overwrites the key material in the given slice. Call this
// immediately after passing the key to NewCipher to limit the window
// during which raw key bytes are accessible in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Encrypt encrypts a serialized secret bundle with a random IV.
// Returns [12-byte IV][ciphertext+tag].
func (c *Cipher) Encrypt(data []byte) ([]byte, error) {
	iv := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ciphertext := c.gcm.Seal(nil, iv, data, nil)
	result := make([]byte, len(iv)+len(ciphertext))
	copy(result, iv)
	copy(result[len(iv):], ciphertext)

	return result, nil
}

// Decrypt decrypts a blob produced by Encrypt. Malformed ciphertext or a
// wrong key fails with ErrDecryptionFailed, never a panic.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(data) <= nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short (%d bytes)", deperr.ErrDecryptionFailed, len(data))
	}

	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", deperr.ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// hkdfDeriveKey derives keyLen bytes using HKDF-SHA256 with the given IKM,
// salt, and info parameters.
func hkdfDeriveKey(ikm, salt, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}

	return out, nil
}
