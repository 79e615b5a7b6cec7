package proto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
)

// SigningDigest is the digest a packet signature covers: the immutable
// header fields and the payload. TTL is excluded so relaying does not break
// signatures.
func (p *Packet) SigningDigest() [32]byte {
	h := sha256.New()
	h.Write([]byte{p.Version, p.Type})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.Timestamp.UnixMilli()))
	h.Write(ts[:])
	h.Write(p.SenderID[:])
	if p.Recipient != nil {
		h.Write(p.Recipient[:])
	}
	h.Write(p.Payload)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// SignPacket attaches an Ed25519 signature over the signing digest.
func SignPacket(priv ed25519.PrivateKey, p *Packet) {
	d := p.SigningDigest()
	p.Signature = ed25519.Sign(priv, d[:])
}

// VerifyPacket checks the packet signature against pub.
func VerifyPacket(pub ed25519.PublicKey, p *Packet) bool {
	if len(p.Signature) != SignatureSize || len(pub) != ed25519.PublicKeySize {
		return false
	}
	d := p.SigningDigest()
	return ed25519.Verify(pub, d[:], p.Signature)
}
