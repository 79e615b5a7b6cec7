package proto

import (
	"bytes"
	"testing"
	"time"
)

func samplePacket() *Packet {
	r := PeerID{8, 7, 6, 5, 4, 3, 2, 1}
	return &Packet{
		Version:   Version,
		Type:      TypeDirect,
		TTL:       5,
		Timestamp: time.UnixMilli(1723456789123).UTC(),
		SenderID:  PeerID{1, 2, 3, 4, 5, 6, 7, 8},
		Recipient: &r,
		Payload:   []byte("payload bytes"),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := samplePacket()
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != p.Type || got.TTL != p.TTL || got.SenderID != p.SenderID {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(p.Timestamp) {
		t.Fatalf("timestamp %v != %v", got.Timestamp, p.Timestamp)
	}
	if got.Recipient == nil || *got.Recipient != *p.Recipient {
		t.Fatalf("recipient mismatch")
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestDecodeBroadcastNoRecipient(t *testing.T) {
	p := samplePacket()
	p.Recipient = nil
	p.Type = TypeBroadcast
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Broadcastish() {
		t.Fatalf("broadcast packet has a recipient")
	}
}

func TestDecodeTruncatedAtEveryPrefix(t *testing.T) {
	p := samplePacket()
	p.Fragment = &FragmentInfo{GroupID: [8]byte{9}, Index: 0, Count: 2}
	p.Signature = bytes.Repeat([]byte{0xA5}, SignatureSize)
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for n := 0; n < len(data); n++ {
		got, err := Decode(data[:n])
		if err == nil {
			t.Fatalf("prefix %d decoded: %+v", n, got)
		}
		if !IsFrameError(err) {
			t.Fatalf("prefix %d: err %v not a frame error", n, err)
		}
	}
}

func TestDecodeTrailingBytesCorrupt(t *testing.T) {
	data, err := samplePacket().Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(append(data, 0x00)); err != ErrCorrupt {
		t.Fatalf("trailing byte err = %v, want ErrCorrupt", err)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	data, err := samplePacket().Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data[0] = 0x7F
	if _, err := Decode(data); err != ErrUnsupportedVersion {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestDecodeBadFragmentCounts(t *testing.T) {
	p := samplePacket()
	p.Fragment = &FragmentInfo{GroupID: [8]byte{1}, Index: 3, Count: 2}
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(data); err != ErrCorrupt {
		t.Fatalf("index >= count err = %v, want ErrCorrupt", err)
	}
}

func TestFingerprintIgnoresTTL(t *testing.T) {
	p := samplePacket()
	fp := p.Fingerprint()
	relayed := *p
	relayed.TTL = p.TTL - 1
	if relayed.Fingerprint() != fp {
		t.Fatalf("fingerprint changed across relay")
	}
	changed := *p
	changed.Payload = []byte("different")
	if changed.Fingerprint() == fp {
		t.Fatalf("fingerprint ignores payload")
	}
}

func TestPeerIDOrderingAndParse(t *testing.T) {
	lo := PeerID{0x01}
	hi := PeerID{0x02}
	if !lo.Less(hi) || hi.Less(lo) || lo.Less(lo) {
		t.Fatalf("peer id ordering broken")
	}
	parsed, err := ParsePeerID(lo.String())
	if err != nil || parsed != lo {
		t.Fatalf("parse round trip: %v %v", parsed, err)
	}
	if _, err := ParsePeerID("zz"); err == nil {
		t.Fatalf("bad hex parsed")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	p := samplePacket()
	p.Payload = make([]byte, MaxPayload+1)
	if _, err := p.Encode(); err == nil {
		t.Fatalf("oversized payload encoded")
	}
}
