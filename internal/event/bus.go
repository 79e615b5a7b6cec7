// Package event is the publish/subscribe surface between the mesh core and
// its consumers. The core publishes typed events; subscribers receive them on
// independent bounded channels and never see each other. A slow subscriber
// loses events rather than stalling the relay path.
package event

import (
	"sync"
	"time"
)

// PeerID mirrors proto.PeerID without importing it; the bus stays leaf-level.
type PeerID = [8]byte

type Event interface {
	eventKind() string
}

type MessageDelivered struct {
	Sender    PeerID
	Channel   string // empty for direct and public messages
	Plaintext []byte
	Timestamp time.Time
}

type SessionEstablished struct {
	Peer PeerID
}

type SessionReset struct {
	Peer   PeerID
	Reason string
}

type PeerAnnounced struct {
	Peer     PeerID
	Nickname string
}

type LinkUp struct {
	LinkID uint64
	Peer   PeerID
	Server bool
}

type LinkDown struct {
	LinkID uint64
	Peer   PeerID
	Reason string
}

func (MessageDelivered) eventKind() string   { return "message_delivered" }
func (SessionEstablished) eventKind() string { return "session_established" }
func (SessionReset) eventKind() string       { return "session_reset" }
func (PeerAnnounced) eventKind() string      { return "peer_announced" }
func (LinkUp) eventKind() string             { return "link_up" }
func (LinkDown) eventKind() string           { return "link_down" }

const defaultBuffer = 64

type subscriber struct {
	ch chan Event
}

// Bus fans events out to all current subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new consumer. The returned cancel func must be called
// to release the subscription; the channel is closed afterwards.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		s, ok := b.subs[id]
		if ok {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		if ok {
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber without blocking. Full buffers drop.
// Fan-out happens under the bus lock so a concurrent cancel cannot close a
// channel mid-send; every send is non-blocking, so the lock is held briefly.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
		}
	}
}
