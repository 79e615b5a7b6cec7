// Package queue holds packets for recipients that are currently
// unreachable. Bounds are enforced per recipient and globally; when either
// bound is hit the oldest pending entry is silently dropped. Entries past
// the age horizon are discarded at drain time.
package queue

import (
	"container/list"
	"sync"
	"time"

	"bitmesh/internal/config"
	"bitmesh/internal/debuglog"
	"bitmesh/internal/metrics"
	"bitmesh/internal/proto"
)

type entry struct {
	recipient  proto.PeerID
	packet     *proto.Packet
	enqueuedAt time.Time
	attempts   int
}

// Queue is the store-and-forward buffer. One global insertion-ordered list
// drives eviction and expiry; a per-recipient index serves drains.
type Queue struct {
	cfg *config.Store
	mx  *metrics.Metrics

	mu          sync.Mutex
	order       *list.List
	byRecipient map[proto.PeerID][]*list.Element
}

// New builds an empty queue. cfg and mx must be non-nil.
func New(cfg *config.Store, mx *metrics.Metrics) *Queue {
	return &Queue{
		cfg:         cfg,
		mx:          mx,
		order:       list.New(),
		byRecipient: make(map[proto.PeerID][]*list.Element),
	}
}

// Enqueue stores a packet for recipient. It always succeeds; bound pressure
// evicts the oldest pending entry instead of failing the caller.
func (q *Queue) Enqueue(recipient proto.PeerID, p *proto.Packet) {
	cfg := q.cfg.Load()
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.byRecipient[recipient]) >= cfg.QueuePerRecipient {
		q.evictOldestForLocked(recipient)
	}
	for q.order.Len() >= cfg.QueueGlobal {
		q.evictOldestLocked()
	}

	el := q.order.PushBack(&entry{
		recipient:  recipient,
		packet:     p,
		enqueuedAt: time.Now(),
	})
	q.byRecipient[recipient] = append(q.byRecipient[recipient], el)
	q.mx.IncQueueEnqueued()
}

// Drain removes and returns every non-expired packet pending for recipient,
// oldest first.
func (q *Queue) Drain(recipient proto.PeerID) []*proto.Packet {
	maxAge := q.cfg.Load().QueueMaxAge
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	elems := q.byRecipient[recipient]
	if len(elems) == 0 {
		return nil
	}
	delete(q.byRecipient, recipient)

	out := make([]*proto.Packet, 0, len(elems))
	for _, el := range elems {
		e := el.Value.(*entry)
		q.order.Remove(el)
		if maxAge > 0 && now.Sub(e.enqueuedAt) > maxAge {
			q.mx.IncQueueExpired()
			continue
		}
		e.attempts++
		out = append(out, e.packet)
		q.mx.IncQueueDrained()
	}
	if len(out) > 0 {
		debuglog.Debugf("queue drained %d packets for %s", len(out), recipient)
	}
	return out
}

// Pending reports how many packets wait for recipient.
func (q *Queue) Pending(recipient proto.PeerID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byRecipient[recipient])
}

// Len reports the total number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// Sweep discards every entry older than the age horizon. Called
// periodically so expired traffic does not linger until a drain.
func (q *Queue) Sweep() int {
	maxAge := q.cfg.Load().QueueMaxAge
	if maxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for el := q.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if e.enqueuedAt.After(cutoff) {
			break
		}
		next := el.Next()
		q.removeLocked(el, e)
		q.mx.IncQueueExpired()
		removed++
		el = next
	}
	return removed
}

func (q *Queue) evictOldestForLocked(recipient proto.PeerID) {
	elems := q.byRecipient[recipient]
	if len(elems) == 0 {
		return
	}
	el := elems[0]
	q.removeLocked(el, el.Value.(*entry))
	q.mx.IncQueueEvicted()
}

func (q *Queue) evictOldestLocked() {
	el := q.order.Front()
	if el == nil {
		return
	}
	q.removeLocked(el, el.Value.(*entry))
	q.mx.IncQueueEvicted()
}

func (q *Queue) removeLocked(el *list.Element, e *entry) {
	q.order.Remove(el)
	elems := q.byRecipient[e.recipient]
	for i, cand := range elems {
		if cand == el {
			q.byRecipient[e.recipient] = append(elems[:i], elems[i+1:]...)
			break
		}
	}
	if len(q.byRecipient[e.recipient]) == 0 {
		delete(q.byRecipient, e.recipient)
	}
}
