// Package cryptoutil seals signaling payloads for password-protected rooms.
package cryptoutil

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// Iterations is the PBKDF2 work factor used to stretch room passwords.
const Iterations = 100_000

// sealedVersion prefixes every sealed blob and is authenticated as AAD.
const sealedVersion byte = 0x01

// Overhead is the number of bytes Seal adds to a plaintext:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// ErrOpen is returned when a sealed blob cannot be authenticated.
var ErrOpen = errors.New("cryptoutil: cannot open sealed payload")

// Key seals and opens payloads for a single room. The room name is bound
// into every ciphertext, so a blob sealed for one room never opens in another.
type Key struct {
	room string
	aead cipher.AEAD
}

// DeriveKey stretches password with PBKDF2-SHA256, salted with the room name.
func DeriveKey(password, room string) (*Key, error) {
	if password == "" {
		return nil, errors.New("cryptoutil: empty password")
	}
	raw := pbkdf2.Key([]byte(password), []byte(room), Iterations, chacha20poly1305.KeySize, sha256.New)
	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &Key{room: room, aead: aead}, nil
}

func (k *Key) aad() []byte {
	out := make([]byte, 1+len(k.room))
	out[0] = sealedVersion
	copy(out[1:], k.room)
	return out
}

// Seal encrypts plaintext as [version][nonce][ciphertext+tag].
func (k *Key) Seal(plaintext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), Overhead+len(plaintext))
	out[0] = sealedVersion
	copy(out[1:], nonce[:])
	return k.aead.Seal(out, nonce[:], plaintext, k.aad()), nil
}

// Open reverses Seal.
func (k *Key) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte overhead", ErrOpen, len(sealed), Overhead)
	}
	if sealed[0] != sealedVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrOpen, sealed[0])
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := k.aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], k.aad())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return plaintext, nil
}

// SealJSON marshals v and returns the sealed blob as standard base64.
func (k *Key) SealJSON(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sealed, err := k.Seal(plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenJSON decodes a string produced by SealJSON into v.
func (k *Key) OpenJSON(s string, v any) error {
	sealed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpen, err)
	}
	plain, err := k.Open(sealed)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, v)
}
