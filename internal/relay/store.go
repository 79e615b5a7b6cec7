package relay

import (
	"container/list"
	"sync"
	"time"

	"bitmesh/internal/proto"
)

type storedPacket struct {
	fp      proto.Fingerprint
	pkt     *proto.Packet
	addedAt time.Time
}

// packetStore keeps the recent packets this node can re-offer during gossip
// sync. Same shape as the dedup cache, but it retains the packets
// themselves.
type packetStore struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	index    map[proto.Fingerprint]*list.Element
}

func newPacketStore(capacity int, ttl time.Duration) *packetStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &packetStore{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		index:    make(map[proto.Fingerprint]*list.Element),
	}
}

// resize adjusts the bounds at runtime; excess packets fall off on the next
// add. Non-positive arguments leave the current value unchanged.
func (s *packetStore) resize(capacity int, ttl time.Duration) {
	s.mu.Lock()
	if capacity > 0 {
		s.capacity = capacity
	}
	if ttl > 0 {
		s.ttl = ttl
	}
	s.mu.Unlock()
}

func (s *packetStore) add(fp proto.Fingerprint, pkt *proto.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.pruneLocked(now)
	if el, ok := s.index[fp]; ok {
		s.order.MoveToFront(el)
		return
	}
	for s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(*storedPacket).fp)
	}
	s.index[fp] = s.order.PushFront(&storedPacket{fp: fp, pkt: pkt, addedAt: now})
}

func (s *packetStore) fingerprints() []proto.Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
	out := make([]proto.Fingerprint, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*storedPacket).fp)
	}
	return out
}

func (s *packetStore) lookup(fp proto.Fingerprint) (*proto.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[fp]
	if !ok {
		return nil, false
	}
	return el.Value.(*storedPacket).pkt, true
}

func (s *packetStore) pruneLocked(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	for {
		oldest := s.order.Back()
		if oldest == nil {
			return
		}
		sp := oldest.Value.(*storedPacket)
		if now.Sub(sp.addedAt) <= s.ttl {
			return
		}
		s.order.Remove(oldest)
		delete(s.index, sp.fp)
	}
}
