// Package gossip reconciles recently-seen packets between directly linked
// peers. Each side summarizes its seen set as a Golomb-Rice coded set and
// re-offers the packets the other side provably lacks.
package gossip

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math/bits"
	"sort"

	"bitmesh/internal/proto"
)

var (
	ErrFilterCorrupt  = errors.New("corrupt gossip filter")
	ErrFilterTooLarge = errors.New("gossip filter exceeds size limit")
)

const (
	minRiceP = 4
	maxRiceP = 24
	// Header: item count u32, rice parameter u8.
	filterHeaderSize = 5
)

// riceParam derives the Golomb-Rice parameter from a false-positive target
// expressed in percent. The target maps to one false positive per 2^P
// queries.
func riceParam(fprPercent float64) uint8 {
	if fprPercent <= 0 {
		fprPercent = 1.0
	}
	inv := 100.0 / fprPercent
	p := uint8(0)
	for v := uint64(1); float64(v) < inv && p < maxRiceP; v <<= 1 {
		p++
	}
	if p < minRiceP {
		p = minRiceP
	}
	return p
}

// mapToRange hashes a fingerprint uniformly into [0, n*2^p) using the
// multiply-shift reduction.
func mapToRange(fp proto.Fingerprint, n uint64, p uint8) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(fp[:])
	hi, _ := bits.Mul64(h.Sum64(), n<<p)
	return hi
}

// Filter is a compact probabilistic membership summary. False positives
// occur at the configured rate; false negatives never do.
type Filter struct {
	n      uint64
	p      uint8
	values []uint64 // sorted mapped values
	raw    []byte
}

// BuildFilter encodes the fingerprints into a filter no larger than
// maxBytes. When the full set does not fit, the oldest half of the input is
// dropped until it does; callers should pass fingerprints newest-first.
func BuildFilter(fps []proto.Fingerprint, fprPercent float64, maxBytes int) *Filter {
	p := riceParam(fprPercent)
	for {
		f := encodeFilter(fps, p)
		if maxBytes <= 0 || len(f.raw) <= maxBytes || len(fps) == 0 {
			return f
		}
		fps = fps[:len(fps)/2]
	}
}

func encodeFilter(fps []proto.Fingerprint, p uint8) *Filter {
	n := uint64(len(fps))
	values := make([]uint64, 0, n)
	for _, fp := range fps {
		values = append(values, mapToRange(fp, n, p))
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	w := newBitWriter()
	var last uint64
	for _, v := range values {
		delta := v - last
		last = v
		w.writeUnary(delta >> p)
		w.writeBits(delta&((1<<p)-1), uint(p))
	}

	raw := make([]byte, filterHeaderSize+len(w.bytes()))
	binary.BigEndian.PutUint32(raw[:4], uint32(n))
	raw[4] = p
	copy(raw[filterHeaderSize:], w.bytes())
	return &Filter{n: n, p: p, values: values, raw: raw}
}

// DecodeFilter parses a filter received from a peer. maxBytes bounds what we
// accept from the wire.
func DecodeFilter(raw []byte, maxBytes int) (*Filter, error) {
	if maxBytes > 0 && len(raw) > maxBytes {
		return nil, ErrFilterTooLarge
	}
	if len(raw) < filterHeaderSize {
		return nil, ErrFilterCorrupt
	}
	n := uint64(binary.BigEndian.Uint32(raw[:4]))
	p := raw[4]
	if p < minRiceP || p > maxRiceP {
		return nil, ErrFilterCorrupt
	}
	// Each encoded item costs at least one unary bit plus p remainder
	// bits, which bounds how many items the body can really hold. The
	// claimed count is untrusted; checking it first keeps a tiny hostile
	// frame from forcing a huge allocation.
	body := raw[filterHeaderSize:]
	if n > uint64(len(body))*8/uint64(p+1) {
		return nil, ErrFilterCorrupt
	}
	r := newBitReader(body)
	values := make([]uint64, 0, n)
	var last uint64
	for i := uint64(0); i < n; i++ {
		q, err := r.readUnary()
		if err != nil {
			return nil, ErrFilterCorrupt
		}
		rem, err := r.readBits(uint(p))
		if err != nil {
			return nil, ErrFilterCorrupt
		}
		last += q<<p | rem
		values = append(values, last)
	}
	return &Filter{n: n, p: p, values: values, raw: raw}, nil
}

// Contains reports probable membership of fp.
func (f *Filter) Contains(fp proto.Fingerprint) bool {
	if f.n == 0 {
		return false
	}
	v := mapToRange(fp, f.n, f.p)
	i := sort.Search(len(f.values), func(i int) bool { return f.values[i] >= v })
	return i < len(f.values) && f.values[i] == v
}

// Len is the number of encoded items.
func (f *Filter) Len() int { return int(f.n) }

// Bytes is the wire encoding.
func (f *Filter) Bytes() []byte { return f.raw }

type bitWriter struct {
	buf []byte
	cur byte
	n   uint
}

func newBitWriter() *bitWriter { return &bitWriter{} }

func (w *bitWriter) writeBit(b uint64) {
	w.cur = w.cur<<1 | byte(b&1)
	w.n++
	if w.n == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur, w.n = 0, 0
	}
}

func (w *bitWriter) writeUnary(q uint64) {
	for i := uint64(0); i < q; i++ {
		w.writeBit(1)
	}
	w.writeBit(0)
}

func (w *bitWriter) writeBits(v uint64, width uint) {
	for i := int(width) - 1; i >= 0; i-- {
		w.writeBit(v >> uint(i))
	}
}

func (w *bitWriter) bytes() []byte {
	if w.n == 0 {
		return w.buf
	}
	// Flush the partial byte, padding with zeros on the right.
	return append(w.buf, w.cur<<(8-w.n))
}

type bitReader struct {
	buf []byte
	pos uint
}

func newBitReader(buf []byte) *bitReader { return &bitReader{buf: buf} }

func (r *bitReader) readBit() (uint64, error) {
	byteIdx := r.pos >> 3
	if byteIdx >= uint(len(r.buf)) {
		return 0, ErrFilterCorrupt
	}
	bit := (r.buf[byteIdx] >> (7 - r.pos&7)) & 1
	r.pos++
	return uint64(bit), nil
}

func (r *bitReader) readUnary() (uint64, error) {
	var q uint64
	for {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		if bit == 0 {
			return q, nil
		}
		q++
	}
}

func (r *bitReader) readBits(width uint) (uint64, error) {
	var v uint64
	for i := uint(0); i < width; i++ {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | bit
	}
	return v, nil
}
