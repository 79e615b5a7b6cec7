package gossip

import (
	"testing"
	"time"

	"bitmesh/internal/config"
	"bitmesh/internal/metrics"
	"bitmesh/internal/proto"
)

type memSource struct {
	packets []*proto.Packet
}

func (s *memSource) RecentFingerprints() []proto.Fingerprint {
	fps := make([]proto.Fingerprint, len(s.packets))
	for i, p := range s.packets {
		fps[i] = p.Fingerprint()
	}
	return fps
}

func (s *memSource) LookupPacket(fp proto.Fingerprint) (*proto.Packet, bool) {
	for _, p := range s.packets {
		if p.Fingerprint() == fp {
			return p, true
		}
	}
	return nil, false
}

func storedPacket(seq byte) *proto.Packet {
	return &proto.Packet{
		Version:   proto.Version,
		Type:      proto.TypeBroadcast,
		TTL:       3,
		Timestamp: time.UnixMilli(1700000000000 + int64(seq)),
		SenderID:  proto.PeerID{0xAB},
		Payload:   []byte{seq},
	}
}

func newTestEngine(src Source, send Sender) *Engine {
	store := config.NewStore(config.Default())
	return NewEngine(store, metrics.New(), proto.PeerID{0x01}, src, send)
}

func TestFilterExchangeOffersMissingPackets(t *testing.T) {
	// Peer A holds packets 0..4, peer B holds 0..2. After B's filter
	// reaches A, A re-offers exactly 3 and 4.
	a := &memSource{}
	b := &memSource{}
	for i := byte(0); i < 5; i++ {
		a.packets = append(a.packets, storedPacket(i))
	}
	b.packets = a.packets[:3]

	var offered []*proto.Packet
	engineA := newTestEngine(a, func(_ uint64, frame []byte) error {
		pkt, err := proto.Decode(frame)
		if err != nil {
			t.Fatalf("offered frame decode: %v", err)
		}
		offered = append(offered, pkt)
		return nil
	})

	var bFilter []byte
	engineB := newTestEngine(b, func(_ uint64, frame []byte) error {
		pkt, err := proto.Decode(frame)
		if err != nil {
			t.Fatalf("filter frame decode: %v", err)
		}
		bFilter = pkt.Payload
		return nil
	})

	engineB.OnLinkUp(7)
	if bFilter == nil {
		t.Fatalf("no filter sent on link up")
	}
	if err := engineA.HandleFilter(7, bFilter); err != nil {
		t.Fatalf("handle filter: %v", err)
	}

	if len(offered) != 2 {
		t.Fatalf("offered %d packets, want 2", len(offered))
	}
	want := map[byte]bool{3: true, 4: true}
	for _, p := range offered {
		if !want[p.Payload[0]] {
			t.Fatalf("unexpected offer payload %x", p.Payload)
		}
	}
}

func TestHandleFilterNothingMissing(t *testing.T) {
	src := &memSource{packets: []*proto.Packet{storedPacket(0)}}
	sent := 0
	engine := newTestEngine(src, func(uint64, []byte) error { sent++; return nil })

	peerEngine := newTestEngine(src, func(uint64, []byte) error { return nil })
	filterPkt, err := peerEngine.FilterPacket()
	if err != nil {
		t.Fatalf("filter packet: %v", err)
	}
	if err := engine.HandleFilter(1, filterPkt.Payload); err != nil {
		t.Fatalf("handle filter: %v", err)
	}
	if sent != 0 {
		t.Fatalf("offered %d packets when remote had everything", sent)
	}
}

func TestHandleFilterBatchCap(t *testing.T) {
	src := &memSource{}
	for i := byte(0); i < 100; i++ {
		src.packets = append(src.packets, storedPacket(i))
	}
	store := config.NewStore(config.Default())
	store.Update(func(c config.Config) config.Config {
		c.GossipBatch = 5
		c.GossipRatePerSec = 1000
		return c
	})
	sent := 0
	engine := NewEngine(store, metrics.New(), proto.PeerID{0x01}, src, func(uint64, []byte) error {
		sent++
		return nil
	})

	empty := BuildFilter(nil, 1.0, 0)
	if err := engine.HandleFilter(1, empty.Bytes()); err != nil {
		t.Fatalf("handle filter: %v", err)
	}
	if sent != 5 {
		t.Fatalf("offered %d packets, want batch cap 5", sent)
	}
}

func TestHandleFilterRejectsCorrupt(t *testing.T) {
	engine := newTestEngine(&memSource{}, func(uint64, []byte) error { return nil })
	if err := engine.HandleFilter(1, []byte{0x01}); err == nil {
		t.Fatalf("corrupt filter accepted")
	}
}

func TestFilterPacketIsLinkLocal(t *testing.T) {
	engine := newTestEngine(&memSource{}, func(uint64, []byte) error { return nil })
	pkt, err := engine.FilterPacket()
	if err != nil {
		t.Fatalf("filter packet: %v", err)
	}
	if !pkt.LinkLocal() {
		t.Fatalf("gossip filter packet not link-local")
	}
	if pkt.TTL != 1 {
		t.Fatalf("filter TTL = %d, want 1", pkt.TTL)
	}
}
