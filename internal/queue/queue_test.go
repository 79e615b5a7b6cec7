package queue

import (
	"testing"
	"time"

	"bitmesh/internal/config"
	"bitmesh/internal/metrics"
	"bitmesh/internal/proto"
)

func testPacket(seq byte) *proto.Packet {
	return &proto.Packet{
		Version:   proto.Version,
		Type:      proto.TypeDirect,
		TTL:       proto.MaxTTL,
		Timestamp: time.Now(),
		SenderID:  proto.PeerID{0xFF},
		Payload:   []byte{seq},
	}
}

func newTestQueue(perRecipient, global int, maxAge time.Duration) *Queue {
	store := config.NewStore(config.Default())
	store.Update(func(c config.Config) config.Config {
		c.QueuePerRecipient = perRecipient
		c.QueueGlobal = global
		c.QueueMaxAge = maxAge
		return c
	})
	return New(store, metrics.New())
}

func TestEnqueueDrainOrder(t *testing.T) {
	q := newTestQueue(10, 100, time.Hour)
	rcpt := proto.PeerID{1}
	for i := 0; i < 3; i++ {
		q.Enqueue(rcpt, testPacket(byte(i)))
	}
	got := q.Drain(rcpt)
	if len(got) != 3 {
		t.Fatalf("drained %d packets, want 3", len(got))
	}
	for i, p := range got {
		if p.Payload[0] != byte(i) {
			t.Fatalf("packet %d out of order: payload %x", i, p.Payload)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after drain: %d", q.Len())
	}
	if q.Drain(rcpt) != nil {
		t.Fatalf("second drain returned packets")
	}
}

func TestPerRecipientBoundEvictsOldest(t *testing.T) {
	q := newTestQueue(2, 100, time.Hour)
	rcpt := proto.PeerID{1}
	for i := 0; i < 4; i++ {
		q.Enqueue(rcpt, testPacket(byte(i)))
	}
	got := q.Drain(rcpt)
	if len(got) != 2 {
		t.Fatalf("drained %d, want 2", len(got))
	}
	if got[0].Payload[0] != 2 || got[1].Payload[0] != 3 {
		t.Fatalf("kept wrong packets: %x %x", got[0].Payload, got[1].Payload)
	}
}

func TestGlobalBoundEvictsAcrossRecipients(t *testing.T) {
	q := newTestQueue(10, 3, time.Hour)
	a, b := proto.PeerID{1}, proto.PeerID{2}
	q.Enqueue(a, testPacket(0))
	q.Enqueue(a, testPacket(1))
	q.Enqueue(b, testPacket(2))
	q.Enqueue(b, testPacket(3))

	if q.Len() != 3 {
		t.Fatalf("len = %d, want 3", q.Len())
	}
	// The oldest entry overall (recipient a, seq 0) was evicted.
	if got := q.Drain(a); len(got) != 1 || got[0].Payload[0] != 1 {
		t.Fatalf("recipient a kept %d packets", len(got))
	}
	if got := q.Drain(b); len(got) != 2 {
		t.Fatalf("recipient b kept %d packets, want 2", len(got))
	}
}

func TestDrainSkipsExpired(t *testing.T) {
	q := newTestQueue(10, 100, time.Millisecond)
	rcpt := proto.PeerID{1}
	q.Enqueue(rcpt, testPacket(0))
	time.Sleep(5 * time.Millisecond)
	q.Enqueue(rcpt, testPacket(1))

	// Only the fresh packet survives; the age check is sharp enough that
	// the just-enqueued one is still inside the horizon only if drained
	// immediately, so allow zero or one.
	got := q.Drain(rcpt)
	for _, p := range got {
		if p.Payload[0] == 0 {
			t.Fatalf("expired packet drained")
		}
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	q := newTestQueue(10, 100, 10*time.Millisecond)
	rcpt := proto.PeerID{1}
	q.Enqueue(rcpt, testPacket(0))
	q.Enqueue(rcpt, testPacket(1))
	time.Sleep(20 * time.Millisecond)
	if removed := q.Sweep(); removed != 2 {
		t.Fatalf("sweep removed %d, want 2", removed)
	}
	if q.Len() != 0 || q.Pending(rcpt) != 0 {
		t.Fatalf("queue not empty after sweep")
	}
}
