package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
)

// LoadOrCreateSigning returns the node's Ed25519 signing key, creating and
// persisting one on first run. Stored as the hex seed with owner-only
// permissions, next to the static key files.
func LoadOrCreateSigning(dir string) (ed25519.PrivateKey, error) {
	path := filepath.Join(dir, "sign_seed.hex")
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(string(raw))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, errors.New("bad sign_seed.hex")
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
