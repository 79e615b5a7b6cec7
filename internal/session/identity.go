package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	"github.com/flynn/noise"

	"bitmesh/internal/proto"
)

var peerIDLabel = []byte("bitmesh:peerid:v1")

// DerivePeerID maps a static public key to the short mesh identity.
func DerivePeerID(pub []byte) proto.PeerID {
	buf := make([]byte, 0, len(peerIDLabel)+len(pub))
	buf = append(buf, peerIDLabel...)
	buf = append(buf, pub...)
	sum := sha256.Sum256(buf)
	var id proto.PeerID
	copy(id[:], sum[:proto.PeerIDSize])
	return id
}

// GenerateStatic creates a fresh static Noise keypair.
func GenerateStatic() (noise.DHKey, error) {
	return Suite().GenerateKeypair(rand.Reader)
}

// SaveStatic writes the keypair under dir with owner-only permissions.
func SaveStatic(dir string, key noise.DHKey) error {
	if len(key.Public) == 0 || len(key.Private) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "static_pub.hex"), []byte(hex.EncodeToString(key.Public)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "static_priv.hex"), []byte(hex.EncodeToString(key.Private)), 0600)
}

// LoadStatic reads a previously saved keypair from dir.
func LoadStatic(dir string) (noise.DHKey, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "static_pub.hex"))
	if err != nil {
		return noise.DHKey{}, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "static_priv.hex"))
	if err != nil {
		return noise.DHKey{}, err
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return noise.DHKey{}, errors.New("bad static_pub.hex")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return noise.DHKey{}, errors.New("bad static_priv.hex")
	}
	return noise.DHKey{Public: pub, Private: priv}, nil
}

// LoadOrCreateStatic returns the node identity, creating one on first run.
func LoadOrCreateStatic(dir string) (noise.DHKey, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return noise.DHKey{}, err
	}
	key, err := LoadStatic(dir)
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return noise.DHKey{}, err
	}
	key, err = GenerateStatic()
	if err != nil {
		return noise.DHKey{}, err
	}
	if err := SaveStatic(dir, key); err != nil {
		return noise.DHKey{}, err
	}
	return key, nil
}
