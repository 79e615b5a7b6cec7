// Package proto defines the bitmesh wire format: the binary packet carried
// over every mesh link, the length-prefixed stream framing used by
// stream-oriented links, and fragmentation of oversized payloads.
package proto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	Version = 1

	// Packet types. Gossip filters are link-scoped control traffic and are
	// never re-broadcast; everything else relays subject to TTL.
	TypeAnnounce     byte = 0x01
	TypeLeave        byte = 0x02
	TypeBroadcast    byte = 0x04
	TypeChannel      byte = 0x05
	TypeDirect       byte = 0x06
	TypeHandshake    byte = 0x07
	TypeGossipFilter byte = 0x08

	flagHasRecipient byte = 0x01
	flagHasSignature byte = 0x02
	flagFragment     byte = 0x04

	PeerIDSize    = 8
	SignatureSize = 64
	MaxTTL        = 7
	// MaxPayload fits the 16-bit length field.
	MaxPayload = 64<<10 - 1

	baseHeaderSize = 4 + 8 + PeerIDSize // version..flags, timestamp, sender
	fragInfoSize   = PeerIDSize + 2 + 2 // group id, index, count
)

// PeerID is the short-lived mesh identity of a peer, derived from its static
// public key. It carries no real-world identity.
type PeerID [PeerIDSize]byte

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != PeerIDSize {
		return id, fmt.Errorf("bad peer id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

// Less orders peer IDs lexicographically; the lower peer initiates handshakes.
func (id PeerID) Less(other PeerID) bool {
	for i := 0; i < PeerIDSize; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// FragmentInfo ties a fragment packet to its reassembly group.
type FragmentInfo struct {
	GroupID [PeerIDSize]byte
	Index   uint16
	Count   uint16
}

// Packet is the unit of mesh traffic. It is immutable once encoded; relays
// only ever decrement TTL, which does not change the fingerprint.
type Packet struct {
	Version   byte
	Type      byte
	TTL       byte
	Timestamp time.Time
	SenderID  PeerID

	// Recipient is the unicast destination; nil means broadcast.
	Recipient *PeerID
	Fragment  *FragmentInfo
	Payload   []byte
	Signature []byte
}

// FrameError is the taxonomy for malformed inbound frames. All frame errors
// are packet-scoped: the frame is dropped and the pipeline continues.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "frame: " + e.Reason
}

var (
	ErrTruncated          = &FrameError{Reason: "truncated"}
	ErrUnsupportedVersion = &FrameError{Reason: "unsupported version"}
	ErrCorrupt            = &FrameError{Reason: "corrupt"}
)

// Fingerprint is the stable dedup identity of a packet: a digest over sender,
// timestamp and payload digest. TTL and signature are excluded so the
// fingerprint survives relaying.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:8])
}

func (p *Packet) Fingerprint() Fingerprint {
	payloadSum := sha256.Sum256(p.Payload)
	buf := make([]byte, 0, PeerIDSize+8+len(payloadSum))
	buf = append(buf, p.SenderID[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.Timestamp.UnixMilli()))
	buf = append(buf, ts[:]...)
	buf = append(buf, payloadSum[:]...)
	return Fingerprint(sha256.Sum256(buf))
}

// Broadcastish reports whether the packet fans out to everyone (as opposed to
// a single addressed recipient).
func (p *Packet) Broadcastish() bool {
	return p.Recipient == nil
}

// LinkLocal reports whether the packet is link-scoped control traffic that
// must never be re-broadcast regardless of TTL.
func (p *Packet) LinkLocal() bool {
	return p.Type == TypeGossipFilter
}

// Encode serializes the packet. Layout (big-endian):
//
//	version(1) type(1) ttl(1) flags(1) timestamp_ms(8) sender(8)
//	[recipient(8)] [fragment group(8) index(2) count(2)]
//	payload_len(2) payload [signature(64)]
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d", len(p.Payload))
	}
	if p.Signature != nil && len(p.Signature) != SignatureSize {
		return nil, fmt.Errorf("bad signature size: %d", len(p.Signature))
	}
	version := p.Version
	if version == 0 {
		version = Version
	}
	var flags byte
	size := baseHeaderSize
	if p.Recipient != nil {
		flags |= flagHasRecipient
		size += PeerIDSize
	}
	if p.Fragment != nil {
		flags |= flagFragment
		size += fragInfoSize
	}
	if p.Signature != nil {
		flags |= flagHasSignature
		size += SignatureSize
	}
	size += 2 + len(p.Payload)

	out := make([]byte, 0, size)
	out = append(out, version, p.Type, p.TTL, flags)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.Timestamp.UnixMilli()))
	out = append(out, ts[:]...)
	out = append(out, p.SenderID[:]...)
	if p.Recipient != nil {
		out = append(out, p.Recipient[:]...)
	}
	if p.Fragment != nil {
		out = append(out, p.Fragment.GroupID[:]...)
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], p.Fragment.Index)
		out = append(out, tmp[:]...)
		binary.BigEndian.PutUint16(tmp[:], p.Fragment.Count)
		out = append(out, tmp[:]...)
	}
	var plen [2]byte
	binary.BigEndian.PutUint16(plen[:], uint16(len(p.Payload)))
	out = append(out, plen[:]...)
	out = append(out, p.Payload...)
	if p.Signature != nil {
		out = append(out, p.Signature...)
	}
	return out, nil
}

// Decode parses one packet from data. The buffer must contain exactly one
// packet; trailing bytes are treated as corruption, not as a second packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) < baseHeaderSize+2 {
		return nil, ErrTruncated
	}
	if data[0] != Version {
		return nil, ErrUnsupportedVersion
	}
	p := &Packet{
		Version: data[0],
		Type:    data[1],
		TTL:     data[2],
	}
	flags := data[3]
	ts := binary.BigEndian.Uint64(data[4:12])
	p.Timestamp = time.UnixMilli(int64(ts)).UTC()
	off := 12
	copy(p.SenderID[:], data[off:off+PeerIDSize])
	off += PeerIDSize

	if flags&flagHasRecipient != 0 {
		if len(data) < off+PeerIDSize {
			return nil, ErrTruncated
		}
		var r PeerID
		copy(r[:], data[off:off+PeerIDSize])
		p.Recipient = &r
		off += PeerIDSize
	}
	if flags&flagFragment != 0 {
		if len(data) < off+fragInfoSize {
			return nil, ErrTruncated
		}
		var fi FragmentInfo
		copy(fi.GroupID[:], data[off:off+PeerIDSize])
		fi.Index = binary.BigEndian.Uint16(data[off+PeerIDSize : off+PeerIDSize+2])
		fi.Count = binary.BigEndian.Uint16(data[off+PeerIDSize+2 : off+fragInfoSize])
		if fi.Count == 0 || fi.Index >= fi.Count {
			return nil, ErrCorrupt
		}
		p.Fragment = &fi
		off += fragInfoSize
	}
	if len(data) < off+2 {
		return nil, ErrTruncated
	}
	plen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if plen > MaxPayload {
		return nil, ErrCorrupt
	}
	if len(data) < off+plen {
		return nil, ErrTruncated
	}
	p.Payload = append([]byte(nil), data[off:off+plen]...)
	off += plen
	if flags&flagHasSignature != 0 {
		if len(data) < off+SignatureSize {
			return nil, ErrTruncated
		}
		p.Signature = append([]byte(nil), data[off:off+SignatureSize]...)
		off += SignatureSize
	}
	if off != len(data) {
		return nil, ErrCorrupt
	}
	return p, nil
}

// IsFrameError reports whether err is any member of the frame taxonomy.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}
