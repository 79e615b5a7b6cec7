package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshotCounts(t *testing.T) {
	m := New()
	m.IncRelayDelivered()
	m.IncRelayDelivered()
	m.IncRelayDropDuplicate()
	m.IncSessionEstablished()
	m.IncGossipOffersSent()
	m.IncQueueEnqueued()
	m.IncConnAdmitted()
	m.SetConnActive(3)

	s := m.Snapshot()
	if s.Relay.Delivered != 2 || s.Relay.DropDuplicate != 1 {
		t.Fatalf("relay counts: %+v", s.Relay)
	}
	if s.Session.Established != 1 {
		t.Fatalf("session counts: %+v", s.Session)
	}
	if s.Gossip.OffersSent != 1 {
		t.Fatalf("gossip counts: %+v", s.Gossip)
	}
	if s.Queue.Enqueued != 1 {
		t.Fatalf("queue counts: %+v", s.Queue)
	}
	if s.Conn.Admitted != 1 || s.Conn.Active != 3 {
		t.Fatalf("conn counts: %+v", s.Conn)
	}
	if s.GeneratedAt.IsZero() {
		t.Fatalf("snapshot has no timestamp")
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncRelayRelayed()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Relay.Relayed != 1 {
		t.Fatalf("persisted relayed = %d", s.Relay.Relayed)
	}
}
