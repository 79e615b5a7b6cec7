// Package channel implements the shared-secret cryptography for
// password-protected group channels. Every member derives the same symmetric
// key from the password; key material is per-channel because the channel name
// salts the derivation.
package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDF parameters. The iteration count is deliberately high; joining a
	// channel is rare, decrypting messages reuses the cached key.
	kdfIterations = 100000
	keySize       = 32
	ivSize        = 12 // AES-GCM standard nonce
)

var commitmentLabel = []byte("bitmesh:channel-commit:v1")

// DecryptError marks a message that was not encrypted under the current
// channel key. It is message-scoped: the channel itself is fine.
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string {
	return "channel decrypt: " + e.Reason
}

var ErrAuthFailed = &DecryptError{Reason: "auth failed"}

// Key is a derived channel key.
type Key [keySize]byte

// DeriveKey stretches the password into a channel key, salted by the channel
// name so the same password yields unrelated keys in different channels.
func DeriveKey(password, channelName string) Key {
	raw := pbkdf2.Key([]byte(password), []byte(channelName), kdfIterations, keySize, sha256.New)
	var k Key
	copy(k[:], raw)
	return k
}

// KeyCommitment is a one-way fingerprint of the key that members can exchange
// to confirm they derived the same key without revealing password or key.
func KeyCommitment(k Key) [32]byte {
	buf := make([]byte, 0, len(commitmentLabel)+keySize)
	buf = append(buf, commitmentLabel...)
	buf = append(buf, k[:]...)
	return sha256.Sum256(buf)
}

// Encrypt seals plaintext as iv || ciphertext || tag.
func Encrypt(plaintext []byte, k Key) ([]byte, error) {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	out := make([]byte, 0, ivSize+len(plaintext)+aead.Overhead())
	out = append(out, iv...)
	return aead.Seal(out, iv, plaintext, nil), nil
}

// Decrypt opens iv || ciphertext || tag. Authentication failure returns
// ErrAuthFailed, never a panic or a fatal condition.
func Decrypt(data []byte, k Key) ([]byte, error) {
	if len(data) < ivSize+16 {
		return nil, &DecryptError{Reason: "short ciphertext"}
	}
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, data[:ivSize], data[ivSize:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

// IsDecryptError reports whether err is message-scoped decrypt failure.
func IsDecryptError(err error) bool {
	var de *DecryptError
	return errors.As(err, &de)
}

// Registry holds the channel keys this node currently participates in.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]Key
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]Key)}
}

// SetPassword derives and installs the key for name, replacing any prior key.
func (r *Registry) SetPassword(name, password string) error {
	if name == "" {
		return fmt.Errorf("empty channel name")
	}
	k := DeriveKey(password, name)
	r.mu.Lock()
	r.keys[name] = k
	r.mu.Unlock()
	return nil
}

// RemovePassword drops the key for name.
func (r *Registry) RemovePassword(name string) {
	r.mu.Lock()
	delete(r.keys, name)
	r.mu.Unlock()
}

// HasKey reports whether this node can decrypt traffic for name.
func (r *Registry) HasKey(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[name]
	return ok
}

// Key returns the installed key for name.
func (r *Registry) Key(name string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[name]
	return k, ok
}

// Commitment returns the key commitment for name, if a key is installed.
func (r *Registry) Commitment(name string) ([32]byte, bool) {
	r.mu.RLock()
	k, ok := r.keys[name]
	r.mu.RUnlock()
	if !ok {
		return [32]byte{}, false
	}
	return KeyCommitment(k), true
}
