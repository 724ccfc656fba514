package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// Cipher is the decrypt primitive applied to a parsed container.
type Cipher interface {
	Open(key []byte, c *Container) ([]byte, error)
}

// AESGCM opens containers with AES-GCM and a 16-byte nonce.
type AESGCM struct{}

var _ Cipher = AESGCM{}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}

// Open decrypts and authenticates the container payload.
func (AESGCM) Open(key []byte, c *Container) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(c.IV) != IVSize || len(c.Tag) != TagSize {
		return nil, errTruncated
	}
	sealed := make([]byte, 0, len(c.Ciphertext)+TagSize)
	sealed = append(sealed, c.Ciphertext...)
	sealed = append(sealed, c.Tag...)
	plain, err := aead.Open(nil, c.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %w", err)
	}
	return plain, nil
}

// Seal encrypts plaintext into a v1 container for (podID, rotationID).
func Seal(key []byte, podID uint32, rotationID int64, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("rand.Read iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	n := len(sealed) - TagSize
	c := &Container{
		Version:    VersionRotating,
		PodID:      podID,
		RotationID: rotationID,
		IV:         iv,
		Tag:        sealed[n:],
		Ciphertext: sealed[:n],
	}
	return c.Marshal()
}
