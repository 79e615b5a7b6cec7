package proto

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

const maxFragmentGroups = 128

// Split breaks a packet whose payload exceeds mtu into ordered fragments
// sharing a fresh random group id. Packets at or under the mtu pass through
// untouched.
func Split(p *Packet, mtu int) ([]*Packet, error) {
	if mtu <= 0 {
		return nil, fmt.Errorf("bad mtu %d", mtu)
	}
	if len(p.Payload) <= mtu {
		return []*Packet{p}, nil
	}
	count := (len(p.Payload) + mtu - 1) / mtu
	if count > int(^uint16(0)) {
		return nil, fmt.Errorf("payload needs %d fragments", count)
	}
	var group [PeerIDSize]byte
	if _, err := rand.Read(group[:]); err != nil {
		return nil, err
	}
	out := make([]*Packet, 0, count)
	for i := 0; i < count; i++ {
		lo := i * mtu
		hi := lo + mtu
		if hi > len(p.Payload) {
			hi = len(p.Payload)
		}
		frag := &Packet{
			Version:   p.Version,
			Type:      p.Type,
			TTL:       p.TTL,
			Timestamp: p.Timestamp,
			SenderID:  p.SenderID,
			Recipient: p.Recipient,
			Fragment: &FragmentInfo{
				GroupID: group,
				Index:   uint16(i),
				Count:   uint16(count),
			},
			Payload: append([]byte(nil), p.Payload[lo:hi]...),
		}
		out = append(out, frag)
	}
	return out, nil
}

// groupKey scopes reassembly to the sender, so a fragment forged with an
// observed group id cannot splice into another sender's group.
type groupKey struct {
	sender PeerID
	group  [PeerIDSize]byte
}

type fragGroup struct {
	count   uint16
	first   *Packet
	parts   map[uint16][]byte
	created time.Time
}

// Reassembler buffers fragments per group and yields the whole packet once
// every index is present. Partial groups are discarded after the timeout.
type Reassembler struct {
	mu      sync.Mutex
	timeout time.Duration
	groups  map[groupKey]*fragGroup
}

func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Reassembler{
		timeout: timeout,
		groups:  make(map[groupKey]*fragGroup),
	}
}

// SetTimeout adjusts how long partial groups are kept. Takes effect on the
// next prune; non-positive values are ignored.
func (r *Reassembler) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	r.mu.Lock()
	r.timeout = timeout
	r.mu.Unlock()
}

// Add feeds one fragment in. It returns the reassembled packet once the group
// completes, or nil while fragments are still outstanding. Non-fragment
// packets pass straight through.
func (r *Reassembler) Add(p *Packet) (*Packet, error) {
	if p.Fragment == nil {
		return p, nil
	}
	fi := p.Fragment
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	key := groupKey{sender: p.SenderID, group: fi.GroupID}
	g, ok := r.groups[key]
	if !ok {
		if len(r.groups) >= maxFragmentGroups {
			r.evictOldestLocked()
		}
		g = &fragGroup{
			count:   fi.Count,
			first:   p,
			parts:   make(map[uint16][]byte),
			created: now,
		}
		r.groups[key] = g
	}
	if fi.Count != g.count {
		return nil, ErrCorrupt
	}
	if _, dup := g.parts[fi.Index]; !dup {
		g.parts[fi.Index] = p.Payload
	}
	if len(g.parts) < int(g.count) {
		return nil, nil
	}
	delete(r.groups, key)
	payload := make([]byte, 0, int(g.count)*len(g.parts[0]))
	for i := uint16(0); i < g.count; i++ {
		part, ok := g.parts[i]
		if !ok {
			return nil, ErrCorrupt
		}
		payload = append(payload, part...)
	}
	whole := &Packet{
		Version:   g.first.Version,
		Type:      g.first.Type,
		TTL:       g.first.TTL,
		Timestamp: g.first.Timestamp,
		SenderID:  g.first.SenderID,
		Recipient: g.first.Recipient,
		Payload:   payload,
	}
	return whole, nil
}

func (r *Reassembler) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.timeout)
	for id, g := range r.groups {
		if g.created.Before(cutoff) {
			delete(r.groups, id)
		}
	}
}

func (r *Reassembler) evictOldestLocked() {
	var oldest groupKey
	var oldestAt time.Time
	found := false
	for id, g := range r.groups {
		if !found || g.created.Before(oldestAt) {
			oldest = id
			oldestAt = g.created
			found = true
		}
	}
	if found {
		delete(r.groups, oldest)
	}
}
