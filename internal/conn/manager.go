// Package conn tracks active links and enforces the connection ceilings:
// one overall cap plus separate caps for server-role (accepted) and
// client-role (dialed) links. Admission may evict a weaker link instead of
// refusing, preferring lower link quality and then the longest-idle link.
package conn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"bitmesh/internal/config"
	"bitmesh/internal/debuglog"
	"bitmesh/internal/event"
	"bitmesh/internal/metrics"
	"bitmesh/internal/proto"
	"bitmesh/internal/transport"
)

const (
	backoffBase   = 2 * time.Second
	backoffJitter = 1 * time.Second
	maxBackoff    = 2 * time.Minute
	redialTick    = 1 * time.Second
)

var dlog = debuglog.Scope("conn")

// CapacityError reports an admission refused because every ceiling-relevant
// slot was taken by a link at least as strong as the candidate.
type CapacityError struct {
	Role    transport.Role
	Active  int
	Ceiling int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("connection ceiling reached: role=%s active=%d ceiling=%d", e.Role, e.Active, e.Ceiling)
}

func IsCapacityError(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

var ErrNoRoute = errors.New("no link to peer")

// FrameHandler receives every frame read from an admitted link. It runs on
// the link's read goroutine; implementations must not block indefinitely.
type FrameHandler func(linkID uint64, frame []byte)

type slot struct {
	link     transport.Link
	peer     proto.PeerID
	hasPeer  bool
	admitted time.Time
	lastSeen time.Time
}

// Manager owns the live link set. All slot state is guarded by one mutex;
// frame reads happen on per-link goroutines outside the lock.
type Manager struct {
	cfg     *config.Store
	bus     *event.Bus
	metrics *metrics.Metrics
	handler FrameHandler

	mu      sync.Mutex
	slots   map[uint64]*slot
	byPeer  map[proto.PeerID]uint64
	nextTry map[string]time.Time
	fails   map[string]int
	rng     *rand.Rand
}

// NewManager builds a link manager. All arguments are required; mx in
// particular is dereferenced on every admission.
func NewManager(cfg *config.Store, bus *event.Bus, mx *metrics.Metrics) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     bus,
		metrics: mx,
		slots:   make(map[uint64]*slot),
		byPeer:  make(map[proto.PeerID]uint64),
		nextTry: make(map[string]time.Time),
		fails:   make(map[string]int),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetHandler installs the frame sink. Must be called before Admit.
func (m *Manager) SetHandler(h FrameHandler) {
	m.handler = h
}

// Counts returns active link totals: overall, server-role, client-role.
func (m *Manager) Counts() (overall, server, client int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countsLocked()
}

func (m *Manager) countsLocked() (overall, server, client int) {
	for _, s := range m.slots {
		overall++
		if s.link.Role() == transport.RoleServer {
			server++
		} else {
			client++
		}
	}
	return overall, server, client
}

// Admit registers a link and starts its read loop. When a ceiling is full,
// the weakest strictly-worse link of the affected scope is evicted to make
// room; otherwise admission fails with CapacityError and the link is closed.
func (m *Manager) Admit(link transport.Link) error {
	cfg := m.cfg.Load()
	now := time.Now()

	m.mu.Lock()
	overall, server, client := m.countsLocked()
	roleActive, roleCeiling := client, cfg.MaxConnsClient
	if link.Role() == transport.RoleServer {
		roleActive, roleCeiling = server, cfg.MaxConnsServer
	}

	if roleActive >= roleCeiling || overall >= cfg.MaxConnsOverall {
		// A full role ceiling can only be relieved by evicting a link of
		// that same role; otherwise the role count ends up above its
		// ceiling. A full overall ceiling frees up from any role.
		sameRoleOnly := roleActive >= roleCeiling
		victim := m.evictionCandidateLocked(link, sameRoleOnly)
		if victim == nil {
			m.mu.Unlock()
			m.metrics.IncConnRefused()
			_ = link.Close()
			return &CapacityError{Role: link.Role(), Active: roleActive, Ceiling: roleCeiling}
		}
		m.dropLocked(victim, "evicted for stronger link")
		m.metrics.IncConnEvicted()
	}

	s := &slot{link: link, admitted: now, lastSeen: now}
	m.slots[link.ID()] = s
	active := len(m.slots)
	m.mu.Unlock()

	m.metrics.IncConnAdmitted()
	m.metrics.SetConnActive(uint64(active))
	dlog("link admitted id=%d role=%s addr=%s", link.ID(), link.Role(), link.RemoteAddr())
	go m.readLoop(link)
	return nil
}

// evictionCandidateLocked picks a link strictly weaker than the candidate:
// lower RSSI first, oldest lastSeen as tie-break. With sameRoleOnly set,
// only links sharing the candidate's role are eligible. Returns nil when
// every eligible link is at least as strong.
func (m *Manager) evictionCandidateLocked(candidate transport.Link, sameRoleOnly bool) *slot {
	var victim *slot
	for _, s := range m.slots {
		if sameRoleOnly && s.link.Role() != candidate.Role() {
			continue
		}
		if s.link.RSSI() >= candidate.RSSI() {
			continue
		}
		if victim == nil ||
			s.link.RSSI() < victim.link.RSSI() ||
			(s.link.RSSI() == victim.link.RSSI() && s.lastSeen.Before(victim.lastSeen)) {
			victim = s
		}
	}
	return victim
}

func (m *Manager) readLoop(link transport.Link) {
	for {
		frame, err := link.Recv()
		if err != nil {
			m.Drop(link.ID(), "recv: "+err.Error())
			return
		}
		m.mu.Lock()
		if s, ok := m.slots[link.ID()]; ok {
			s.lastSeen = time.Now()
		}
		m.mu.Unlock()
		if m.handler != nil {
			m.handler(link.ID(), frame)
		}
	}
}

// BindPeer associates a verified peer identity with a link. A second link to
// the same peer replaces the old binding; the stale link is dropped.
func (m *Manager) BindPeer(linkID uint64, peer proto.PeerID) {
	var stale *slot
	m.mu.Lock()
	s, ok := m.slots[linkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if old, dup := m.byPeer[peer]; dup && old != linkID {
		stale = m.slots[old]
	}
	s.peer = peer
	s.hasPeer = true
	m.byPeer[peer] = linkID
	m.mu.Unlock()

	if stale != nil {
		m.Drop(stale.link.ID(), "superseded by newer link")
	}
	m.bus.Publish(event.LinkUp{
		LinkID: linkID,
		Peer:   event.PeerID(peer),
		Server: s.link.Role() == transport.RoleServer,
	})
}

// Peer returns the verified identity bound to a link.
func (m *Manager) Peer(linkID uint64) (proto.PeerID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[linkID]
	if !ok || !s.hasPeer {
		return proto.PeerID{}, false
	}
	return s.peer, true
}

// SendToPeer delivers one frame over the link bound to peer.
func (m *Manager) SendToPeer(peer proto.PeerID, frame []byte) error {
	m.mu.Lock()
	linkID, ok := m.byPeer[peer]
	var link transport.Link
	if ok {
		if s, live := m.slots[linkID]; live {
			link = s.link
		}
	}
	m.mu.Unlock()
	if link == nil {
		return ErrNoRoute
	}
	return link.Send(frame)
}

// SendToLink delivers one frame over a specific link.
func (m *Manager) SendToLink(linkID uint64, frame []byte) error {
	m.mu.Lock()
	s, ok := m.slots[linkID]
	m.mu.Unlock()
	if !ok {
		return ErrNoRoute
	}
	return s.link.Send(frame)
}

// Broadcast sends a frame on every active link except exceptLink. Pass 0 to
// send on all links. Per-link send failures drop that link and continue.
func (m *Manager) Broadcast(frame []byte, exceptLink uint64) int {
	m.mu.Lock()
	links := make([]transport.Link, 0, len(m.slots))
	for id, s := range m.slots {
		if id == exceptLink {
			continue
		}
		links = append(links, s.link)
	}
	m.mu.Unlock()

	sent := 0
	for _, l := range links {
		if err := l.Send(frame); err != nil {
			m.Drop(l.ID(), "send: "+err.Error())
			continue
		}
		sent++
	}
	return sent
}

// Drop closes and forgets a link, publishing LinkDown once.
func (m *Manager) Drop(linkID uint64, reason string) {
	m.mu.Lock()
	s, ok := m.slots[linkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.dropLocked(s, reason)
	active := len(m.slots)
	m.mu.Unlock()
	m.metrics.SetConnActive(uint64(active))
}

func (m *Manager) dropLocked(s *slot, reason string) {
	id := s.link.ID()
	delete(m.slots, id)
	if s.hasPeer && m.byPeer[s.peer] == id {
		delete(m.byPeer, s.peer)
	}
	_ = s.link.Close()
	dlog("link dropped id=%d reason=%s", id, reason)
	var peer event.PeerID
	if s.hasPeer {
		peer = event.PeerID(s.peer)
	}
	m.bus.Publish(event.LinkDown{LinkID: id, Peer: peer, Reason: reason})
}

// CloseAll drops every link, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()
	for _, s := range slots {
		m.Drop(s.link.ID(), "shutdown")
	}
}

// Serve admits inbound links from the listener until ctx is done.
func (m *Manager) Serve(ctx context.Context, ln *transport.Listener) error {
	for {
		link, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := m.Admit(link); err != nil {
			dlog("inbound link refused: %v", err)
		}
	}
}

// Maintain keeps dialing the configured peers, with exponential backoff and
// jitter per address, until ctx is done. Already-connected addresses are
// left alone.
func (m *Manager) Maintain(ctx context.Context, addrs []string) {
	ticker := time.NewTicker(redialTick)
	defer ticker.Stop()
	for {
		for _, addr := range addrs {
			if m.connectedTo(addr) || !m.shouldTry(addr, time.Now()) {
				continue
			}
			m.dialOne(ctx, addr)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) dialOne(ctx context.Context, addr string) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	link, err := transport.Dial(dctx, addr)
	cancel()
	if err != nil {
		m.markFailure(addr)
		debuglog.RateLimitedf("dial-"+addr, time.Minute, "dial %s failed: %v", addr, err)
		return
	}
	if err := m.Admit(link); err != nil {
		m.markFailure(addr)
		return
	}
	m.markSuccess(addr)
}

func (m *Manager) connectedTo(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.link.RemoteAddr() == addr {
			return true
		}
	}
	return false
}

func (m *Manager) shouldTry(addr string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.nextTry[addr]
	if !ok {
		return true
	}
	return now.After(next)
}

func (m *Manager) markFailure(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[addr]++
	m.nextTry[addr] = time.Now().Add(m.backoffLocked(addr))
}

func (m *Manager) markSuccess(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[addr] = 0
	delete(m.nextTry, addr)
}

func (m *Manager) backoffLocked(addr string) time.Duration {
	shift := m.fails[addr]
	if shift > 30 {
		shift = 30
	}
	backoff := backoffBase * time.Duration(1<<shift)
	jitter := time.Duration(m.rng.Int63n(int64(backoffJitter)))
	raw := backoff + jitter
	if raw > maxBackoff {
		return maxBackoff
	}
	return raw
}
