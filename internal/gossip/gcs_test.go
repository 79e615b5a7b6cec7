package gossip

import (
	"crypto/rand"
	"runtime"
	"testing"

	"bitmesh/internal/proto"
)

func randomFingerprints(t *testing.T, n int) []proto.Fingerprint {
	t.Helper()
	fps := make([]proto.Fingerprint, n)
	for i := range fps {
		if _, err := rand.Read(fps[i][:]); err != nil {
			t.Fatalf("rand: %v", err)
		}
	}
	return fps
}

func TestFilterNoFalseNegatives(t *testing.T) {
	fps := randomFingerprints(t, 500)
	f := BuildFilter(fps, 1.0, 0)
	decoded, err := DecodeFilter(f.Bytes(), 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i, fp := range fps {
		if !decoded.Contains(fp) {
			t.Fatalf("member %d missing from decoded filter", i)
		}
	}
}

func TestFilterFalsePositiveRate(t *testing.T) {
	members := randomFingerprints(t, 1000)
	f := BuildFilter(members, 1.0, 0)
	decoded, err := DecodeFilter(f.Bytes(), 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	nonMembers := randomFingerprints(t, 5000)
	hits := 0
	for _, fp := range nonMembers {
		if decoded.Contains(fp) {
			hits++
		}
	}
	// Target is 1%; allow generous slack for a probabilistic bound.
	if rate := float64(hits) / float64(len(nonMembers)); rate > 0.05 {
		t.Fatalf("false positive rate %.3f too high", rate)
	}
}

func TestFilterRespectsSizeLimit(t *testing.T) {
	fps := randomFingerprints(t, 10000)
	limit := 512
	f := BuildFilter(fps, 1.0, limit)
	if len(f.Bytes()) > limit {
		t.Fatalf("filter %d bytes exceeds limit %d", len(f.Bytes()), limit)
	}
	if f.Len() == 0 {
		t.Fatalf("filter shrank to empty")
	}
	// The kept items are the newest (front of the input).
	decoded, err := DecodeFilter(f.Bytes(), limit)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := 0; i < f.Len(); i++ {
		if !decoded.Contains(fps[i]) {
			t.Fatalf("retained member %d missing", i)
		}
	}
}

func TestEmptyFilter(t *testing.T) {
	f := BuildFilter(nil, 1.0, 0)
	decoded, err := DecodeFilter(f.Bytes(), 0)
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if decoded.Len() != 0 {
		t.Fatalf("empty filter len = %d", decoded.Len())
	}
	var fp proto.Fingerprint
	if decoded.Contains(fp) {
		t.Fatalf("empty filter claims membership")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},
		{0x00, 0x00, 0x00, 0x05, 0x08}, // claims 5 items, no bitstream
		{0xFF, 0xFF, 0xFF, 0xFF, 0x08, 0x00},
		{0x00, 0x00, 0x00, 0x01, 0x63, 0x00}, // rice parameter out of range
	}
	for i, raw := range cases {
		if _, err := DecodeFilter(raw, 0); err == nil {
			t.Fatalf("case %d: garbage decoded without error", i)
		}
	}
}

func TestDecodeRejectsInflatedCountBeforeAllocating(t *testing.T) {
	// 6-byte frame claiming 100 million items. The body cannot hold even
	// a fraction of that, so decode must fail on the count check instead
	// of allocating a values slice for it.
	raw := []byte{0x05, 0xF5, 0xE1, 0x00, 0x08, 0x00}
	before := allocatedBytes()
	if _, err := DecodeFilter(raw, 0); err != ErrFilterCorrupt {
		t.Fatalf("decode err = %v, want ErrFilterCorrupt", err)
	}
	if grew := allocatedBytes() - before; grew > 1<<20 {
		t.Fatalf("decode of 6-byte frame allocated %d bytes", grew)
	}
}

func allocatedBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.TotalAlloc
}

func TestDecodeEnforcesMaxBytes(t *testing.T) {
	fps := randomFingerprints(t, 1000)
	f := BuildFilter(fps, 1.0, 0)
	if _, err := DecodeFilter(f.Bytes(), 16); err != ErrFilterTooLarge {
		t.Fatalf("oversized decode err = %v, want ErrFilterTooLarge", err)
	}
}
