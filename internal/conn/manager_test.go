package conn

import (
	"sync"
	"testing"
	"time"

	"bitmesh/internal/config"
	"bitmesh/internal/event"
	"bitmesh/internal/metrics"
	"bitmesh/internal/proto"
	"bitmesh/internal/transport"
)

func newTestManager(overall, server, client int) (*Manager, *event.Bus) {
	store := config.NewStore(config.Default())
	store.SetMaxConnections(overall, server, client)
	bus := event.NewBus()
	return NewManager(store, bus, metrics.New()), bus
}

// admitPipe admits the server half of a fresh pipe and returns both halves.
func admitPipe(t *testing.T, m *Manager, rssi int) (admitted, remote transport.Link) {
	t.Helper()
	a, b := transport.Pipe(rssi)
	if err := m.Admit(a); err != nil {
		t.Fatalf("admit: %v", err)
	}
	return a, b
}

func TestCeilingRefusesEqualStrengthLink(t *testing.T) {
	m, _ := newTestManager(2, 2, 2)
	m.SetHandler(func(uint64, []byte) {})
	admitPipe(t, m, -50)
	admitPipe(t, m, -50)

	extra, _ := transport.Pipe(-50)
	err := m.Admit(extra)
	if !IsCapacityError(err) {
		t.Fatalf("admit over ceiling err = %v, want CapacityError", err)
	}
	if overall, _, _ := m.Counts(); overall != 2 {
		t.Fatalf("overall = %d, want 2", overall)
	}
}

func TestCeilingEvictsWeakerLink(t *testing.T) {
	m, _ := newTestManager(2, 2, 2)
	m.SetHandler(func(uint64, []byte) {})
	weak, _ := admitPipe(t, m, -90)
	admitPipe(t, m, -50)

	strong, _ := transport.Pipe(-40)
	if err := m.Admit(strong); err != nil {
		t.Fatalf("admit stronger link: %v", err)
	}
	if overall, _, _ := m.Counts(); overall != 2 {
		t.Fatalf("overall = %d, want 2", overall)
	}
	if _, err := weak.Recv(); err != transport.ErrClosed {
		// The evicted link was closed by the manager.
		t.Fatalf("weak link recv err = %v, want ErrClosed", err)
	}
}

func TestRoleCeilingsIndependent(t *testing.T) {
	m, _ := newTestManager(16, 1, 1)
	m.SetHandler(func(uint64, []byte) {})

	srv, _ := transport.Pipe(-50)
	if err := m.Admit(srv); err != nil {
		t.Fatalf("admit server link: %v", err)
	}
	// Server ceiling is full; a client link still fits.
	_, cli := transport.Pipe(-50)
	if err := m.Admit(cli); err != nil {
		t.Fatalf("admit client link: %v", err)
	}
	overall, server, client := m.Counts()
	if overall != 2 || server != 1 || client != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/1", overall, server, client)
	}
}

func TestRoleCeilingEvictsSameRoleOnly(t *testing.T) {
	m, _ := newTestManager(16, 1, 4)
	m.SetHandler(func(uint64, []byte) {})

	// Weak client link, then the single allowed server link.
	_, weakCli := transport.Pipe(-90)
	if err := m.Admit(weakCli); err != nil {
		t.Fatalf("admit client link: %v", err)
	}
	oldSrv, _ := transport.Pipe(-50)
	if err := m.Admit(oldSrv); err != nil {
		t.Fatalf("admit server link: %v", err)
	}

	// A stronger server link must displace the server link, not the even
	// weaker client link, or the server count breaks its ceiling.
	newSrv, _ := transport.Pipe(-40)
	if err := m.Admit(newSrv); err != nil {
		t.Fatalf("admit stronger server link: %v", err)
	}
	if _, err := oldSrv.Recv(); err != transport.ErrClosed {
		t.Fatalf("old server link recv err = %v, want ErrClosed", err)
	}
	overall, server, client := m.Counts()
	if overall != 2 || server != 1 || client != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/1", overall, server, client)
	}
}

func TestRoleCeilingIgnoresWeakerOtherRoleVictim(t *testing.T) {
	m, _ := newTestManager(16, 1, 4)
	m.SetHandler(func(uint64, []byte) {})

	_, weakCli := transport.Pipe(-90)
	if err := m.Admit(weakCli); err != nil {
		t.Fatalf("admit client link: %v", err)
	}
	srv, _ := transport.Pipe(-50)
	if err := m.Admit(srv); err != nil {
		t.Fatalf("admit server link: %v", err)
	}

	// Equal-strength server link: the weak client is not an eligible
	// victim, so admission is refused.
	extra, _ := transport.Pipe(-50)
	err := m.Admit(extra)
	if !IsCapacityError(err) {
		t.Fatalf("admit err = %v, want CapacityError", err)
	}
	overall, server, client := m.Counts()
	if overall != 2 || server != 1 || client != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/1", overall, server, client)
	}
}

func TestReadLoopDeliversFrames(t *testing.T) {
	m, _ := newTestManager(4, 4, 4)
	got := make(chan []byte, 1)
	m.SetHandler(func(_ uint64, frame []byte) { got <- frame })

	_, remote := admitPipe(t, m, -50)
	if err := remote.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case frame := <-got:
		if string(frame) != "hello" {
			t.Fatalf("frame = %q", frame)
		}
	case <-time.After(time.Second):
		t.Fatalf("frame not delivered")
	}
}

func TestBindPeerAndSendToPeer(t *testing.T) {
	m, bus := newTestManager(4, 4, 4)
	m.SetHandler(func(uint64, []byte) {})
	events, cancel := bus.Subscribe(8)
	defer cancel()

	admitted, remote := admitPipe(t, m, -50)
	peer := proto.PeerID{1, 2, 3, 4, 5, 6, 7, 8}
	m.BindPeer(admitted.ID(), peer)

	select {
	case ev := <-events:
		up, ok := ev.(event.LinkUp)
		if !ok || up.LinkID != admitted.ID() {
			t.Fatalf("event = %#v, want LinkUp for link %d", ev, admitted.ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("no LinkUp event")
	}

	if err := m.SendToPeer(peer, []byte("direct")); err != nil {
		t.Fatalf("send to peer: %v", err)
	}
	frame, err := remote.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(frame) != "direct" {
		t.Fatalf("frame = %q", frame)
	}

	if err := m.SendToPeer(proto.PeerID{9}, nil); err != ErrNoRoute {
		t.Fatalf("send to unknown peer err = %v, want ErrNoRoute", err)
	}
}

func TestBroadcastSkipsExceptLink(t *testing.T) {
	m, _ := newTestManager(4, 4, 4)
	m.SetHandler(func(uint64, []byte) {})

	first, firstRemote := admitPipe(t, m, -50)
	_, secondRemote := admitPipe(t, m, -50)

	if sent := m.Broadcast([]byte("flood"), first.ID()); sent != 1 {
		t.Fatalf("broadcast sent = %d, want 1", sent)
	}
	frame, err := secondRemote.Recv()
	if err != nil || string(frame) != "flood" {
		t.Fatalf("second remote recv = %q, %v", frame, err)
	}
	// The excluded link got nothing.
	select {
	case got := <-recvChan(firstRemote):
		t.Fatalf("excluded link received %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func recvChan(l transport.Link) <-chan []byte {
	ch := make(chan []byte, 1)
	go func() {
		if frame, err := l.Recv(); err == nil {
			ch <- frame
		}
	}()
	return ch
}

func TestDropPublishesLinkDown(t *testing.T) {
	m, bus := newTestManager(4, 4, 4)
	m.SetHandler(func(uint64, []byte) {})
	admitted, _ := admitPipe(t, m, -50)

	events, cancel := bus.Subscribe(8)
	defer cancel()
	m.Drop(admitted.ID(), "test")

	select {
	case ev := <-events:
		down, ok := ev.(event.LinkDown)
		if !ok || down.LinkID != admitted.ID() || down.Reason != "test" {
			t.Fatalf("event = %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no LinkDown event")
	}
	if overall, _, _ := m.Counts(); overall != 0 {
		t.Fatalf("overall = %d after drop", overall)
	}
}

func TestConcurrentAdmitHoldsCeiling(t *testing.T) {
	m, _ := newTestManager(8, 8, 8)
	m.SetHandler(func(uint64, []byte) {})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, _ := transport.Pipe(-50)
			_ = m.Admit(a)
		}()
	}
	wg.Wait()
	if overall, _, _ := m.Counts(); overall > 8 {
		t.Fatalf("overall = %d, ceiling 8 violated", overall)
	}
}
