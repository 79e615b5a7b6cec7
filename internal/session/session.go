// Package session manages the per-peer end-to-end encryption state: a Noise
// XX handshake to establish transport keys, explicit send counters with a
// sliding-window replay check, and rekeying that re-runs the ephemeral
// exchange under the same static identity.
//
// When two peers race to initiate, the lexicographically lower peer ID wins:
// the higher peer abandons its own attempt and answers as responder, the
// lower peer ignores the colliding initiation. Exactly one session results.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"

	"bitmesh/internal/debuglog"
	"bitmesh/internal/proto"
)

// Phase is the lifecycle of one peer session.
type Phase int

const (
	PhaseUninitiated Phase = iota
	PhaseInitiated
	PhaseResponded
	PhaseEstablished
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitiated:
		return "uninitiated"
	case PhaseInitiated:
		return "handshake_initiated"
	case PhaseResponded:
		return "handshake_responded"
	case PhaseEstablished:
		return "established"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Handshake message rounds on the wire. The round prefix lets the receiver
// dispatch without guessing, which keeps glare and rekey handling exact.
const (
	roundInit     byte = 1
	roundResponse byte = 2
	roundFinal    byte = 3
)

var prologue = []byte("bitmesh:noise-xx:v1")

// SessionError is recoverable: the affected peer needs a fresh handshake,
// nothing else is touched.
type SessionError struct {
	Peer   proto.PeerID
	Reason string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s", e.Peer, e.Reason)
}

var (
	ErrNotEstablished = errors.New("session not established")
	ErrReplay         = errors.New("replayed transport counter")
)

// Suite is the Noise cipher suite used for all sessions.
func Suite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
}

type state struct {
	phase Phase

	hs          *noise.HandshakeState
	hsInitiator bool
	hsDeadline  time.Time

	send    *noise.CipherState
	recv    *noise.CipherState
	sendSeq uint64
	window  replayWindow

	remoteStatic  []byte
	establishedAt time.Time
}

func (s *state) ready() bool {
	return s.send != nil && s.recv != nil
}

// Manager owns every peer session, keyed by peer ID. Each session is
// independently synchronized through the manager lock; no session operation
// blocks on I/O.
type Manager struct {
	mu               sync.Mutex
	static           noise.DHKey
	localID          proto.PeerID
	sessions         map[proto.PeerID]*state
	handshakeTimeout time.Duration
	maxAge           time.Duration
}

// Options tune session lifetimes. Zero values select defaults.
type Options struct {
	HandshakeTimeout time.Duration
	MaxAge           time.Duration
}

func NewManager(static noise.DHKey, opts Options) *Manager {
	ht := opts.HandshakeTimeout
	if ht <= 0 {
		ht = 10 * time.Second
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Manager{
		static:           static,
		localID:          DerivePeerID(static.Public),
		sessions:         make(map[proto.PeerID]*state),
		handshakeTimeout: ht,
		maxAge:           maxAge,
	}
}

func (m *Manager) LocalID() proto.PeerID {
	return m.localID
}

func (m *Manager) StaticPublic() []byte {
	out := make([]byte, len(m.static.Public))
	copy(out, m.static.Public)
	return out
}

// ShouldInitiate reports whether we are the rightful initiator toward remote.
func (m *Manager) ShouldInitiate(remote proto.PeerID) bool {
	return m.localID.Less(remote)
}

// Phase returns the lifecycle phase for remote.
func (m *Manager) Phase(remote proto.PeerID) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	if !ok {
		return PhaseUninitiated
	}
	m.maybeExpireLocked(remote, s, time.Now())
	return s.phase
}

// Established reports whether transport keys for remote are usable.
func (m *Manager) Established(remote proto.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	if !ok {
		return false
	}
	m.maybeExpireLocked(remote, s, time.Now())
	return s.ready() && s.phase == PhaseEstablished
}

// RemotePeers lists peers with any session state.
func (m *Manager) RemotePeers() []proto.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proto.PeerID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

func (m *Manager) newHandshakeState(initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   Suite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: m.static,
		Prologue:      prologue,
	})
}

// Initiate begins (or rekeys) a handshake toward remote and returns the first
// handshake message. It returns nil bytes when an initiation is already in
// flight. Initiating toward a peer we should respond to is an error.
func (m *Manager) Initiate(remote proto.PeerID) ([]byte, error) {
	if !m.ShouldInitiate(remote) {
		return nil, &SessionError{Peer: remote, Reason: "not the initiator for this peer"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	s := m.sessions[remote]
	if s == nil {
		s = &state{}
		m.sessions[remote] = s
	}
	if s.hs != nil && now.Before(s.hsDeadline) {
		return nil, nil
	}
	hs, err := m.newHandshakeState(true)
	if err != nil {
		return nil, err
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	s.hs = hs
	s.hsInitiator = true
	s.hsDeadline = now.Add(m.handshakeTimeout)
	if !s.ready() {
		s.phase = PhaseInitiated
	}
	return append([]byte{roundInit}, msg...), nil
}

// HandleMessage processes one inbound handshake message from remote. It
// returns the reply to send (nil when none) and whether the session became
// established by this message.
func (m *Manager) HandleMessage(remote proto.PeerID, wire []byte) (reply []byte, established bool, err error) {
	if len(wire) < 2 {
		return nil, false, &SessionError{Peer: remote, Reason: "short handshake message"}
	}
	round, body := wire[0], wire[1:]
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	s := m.sessions[remote]
	if s == nil {
		s = &state{}
		m.sessions[remote] = s
	}
	if s.hs != nil && now.After(s.hsDeadline) {
		m.abandonHandshakeLocked(s)
	}

	switch round {
	case roundInit:
		return m.handleInitLocked(remote, s, body, now)
	case roundResponse:
		return m.handleResponseLocked(remote, s, body)
	case roundFinal:
		return m.handleFinalLocked(remote, s, body, now)
	default:
		return nil, false, &SessionError{Peer: remote, Reason: fmt.Sprintf("unknown handshake round %d", round)}
	}
}

func (m *Manager) handleInitLocked(remote proto.PeerID, s *state, body []byte, now time.Time) ([]byte, bool, error) {
	if s.hs != nil && s.hsInitiator {
		if m.localID.Less(remote) {
			// Glare: we are the rightful initiator. The peer abandons its
			// attempt and answers ours; drop the colliding initiation.
			debuglog.Debugf("session glare ignored peer=%s", remote)
			return nil, false, nil
		}
		m.abandonHandshakeLocked(s)
	}
	hs, err := m.newHandshakeState(false)
	if err != nil {
		return nil, false, err
	}
	if _, _, _, err := hs.ReadMessage(nil, body); err != nil {
		return nil, false, &SessionError{Peer: remote, Reason: "bad handshake init: " + err.Error()}
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, false, &SessionError{Peer: remote, Reason: "handshake response failed: " + err.Error()}
	}
	s.hs = hs
	s.hsInitiator = false
	s.hsDeadline = now.Add(m.handshakeTimeout)
	if !s.ready() {
		s.phase = PhaseResponded
	}
	return append([]byte{roundResponse}, msg...), false, nil
}

func (m *Manager) handleResponseLocked(remote proto.PeerID, s *state, body []byte) ([]byte, bool, error) {
	if s.hs == nil || !s.hsInitiator {
		return nil, false, &SessionError{Peer: remote, Reason: "unexpected handshake response"}
	}
	if _, _, _, err := s.hs.ReadMessage(nil, body); err != nil {
		m.abandonHandshakeLocked(s)
		return nil, false, &SessionError{Peer: remote, Reason: "bad handshake response: " + err.Error()}
	}
	msg, cs1, cs2, err := s.hs.WriteMessage(nil, nil)
	if err != nil || cs1 == nil || cs2 == nil {
		m.abandonHandshakeLocked(s)
		reason := "handshake final failed"
		if err != nil {
			reason += ": " + err.Error()
		}
		return nil, false, &SessionError{Peer: remote, Reason: reason}
	}
	remoteStatic := s.hs.PeerStatic()
	if got := DerivePeerID(remoteStatic); got != remote {
		m.abandonHandshakeLocked(s)
		return nil, false, &SessionError{Peer: remote, Reason: "static key does not match peer id"}
	}
	m.establishLocked(s, cs1, cs2, remoteStatic)
	return append([]byte{roundFinal}, msg...), true, nil
}

func (m *Manager) handleFinalLocked(remote proto.PeerID, s *state, body []byte, now time.Time) ([]byte, bool, error) {
	if s.hs == nil || s.hsInitiator {
		return nil, false, &SessionError{Peer: remote, Reason: "unexpected handshake final"}
	}
	_, cs1, cs2, err := s.hs.ReadMessage(nil, body)
	if err != nil || cs1 == nil || cs2 == nil {
		m.abandonHandshakeLocked(s)
		reason := "bad handshake final"
		if err != nil {
			reason += ": " + err.Error()
		}
		return nil, false, &SessionError{Peer: remote, Reason: reason}
	}
	remoteStatic := s.hs.PeerStatic()
	if got := DerivePeerID(remoteStatic); got != remote {
		m.abandonHandshakeLocked(s)
		return nil, false, &SessionError{Peer: remote, Reason: "static key does not match peer id"}
	}
	// Responder: cs1 is the initiator's sending direction.
	m.establishLocked(s, cs2, cs1, remoteStatic)
	_ = now
	return nil, true, nil
}

func (m *Manager) establishLocked(s *state, send, recv *noise.CipherState, remoteStatic []byte) {
	s.hs = nil
	s.send = send
	s.recv = recv
	s.sendSeq = 0
	s.window.reset()
	s.remoteStatic = append([]byte(nil), remoteStatic...)
	s.establishedAt = time.Now()
	s.phase = PhaseEstablished
}

func (m *Manager) abandonHandshakeLocked(s *state) {
	s.hs = nil
	s.hsInitiator = false
	s.hsDeadline = time.Time{}
	if !s.ready() {
		s.phase = PhaseUninitiated
	}
}

// Encrypt seals plaintext for remote. The wire form is counter(8) followed by
// the Noise transport ciphertext; the counter doubles as the AEAD nonce.
func (m *Manager) Encrypt(remote proto.PeerID, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	if !ok || !s.ready() || s.phase != PhaseEstablished {
		return nil, ErrNotEstablished
	}
	if m.maybeExpireLocked(remote, s, time.Now()) {
		return nil, ErrNotEstablished
	}
	seq := s.sendSeq
	s.sendSeq++
	s.send.SetNonce(seq)
	ct, err := s.send.Encrypt(nil, transportAD(m.localID, remote), plaintext)
	if err != nil {
		return nil, &SessionError{Peer: remote, Reason: "encrypt failed: " + err.Error()}
	}
	out := make([]byte, 8+len(ct))
	binary.BigEndian.PutUint64(out[:8], seq)
	copy(out[8:], ct)
	return out, nil
}

// Decrypt opens a transport message from remote. Exact counter repeats are
// rejected without touching the session; authentication failure resets the
// session and requires a fresh handshake.
func (m *Manager) Decrypt(remote proto.PeerID, wire []byte) ([]byte, error) {
	if len(wire) < 8 {
		return nil, &SessionError{Peer: remote, Reason: "short transport message"}
	}
	seq := binary.BigEndian.Uint64(wire[:8])
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	if !ok || !s.ready() || s.phase != PhaseEstablished {
		return nil, ErrNotEstablished
	}
	if m.maybeExpireLocked(remote, s, time.Now()) {
		return nil, ErrNotEstablished
	}
	if s.window.seen(seq) {
		return nil, ErrReplay
	}
	s.recv.SetNonce(seq)
	plain, err := s.recv.Decrypt(nil, transportAD(remote, m.localID), wire[8:])
	if err != nil {
		m.resetLocked(remote, s)
		return nil, &SessionError{Peer: remote, Reason: "transport auth failed"}
	}
	s.window.accept(seq)
	return plain, nil
}

// Reset discards all state for remote, forcing a fresh handshake.
func (m *Manager) Reset(remote proto.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[remote]; ok {
		m.resetLocked(remote, s)
	}
}

// Remove forgets the peer entirely (disconnect).
func (m *Manager) Remove(remote proto.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, remote)
}

// CancelHandshake aborts an in-flight handshake (link-down); transport keys
// from a previously completed handshake survive.
func (m *Manager) CancelHandshake(remote proto.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[remote]; ok {
		m.abandonHandshakeLocked(s)
	}
}

func (m *Manager) resetLocked(remote proto.PeerID, s *state) {
	debuglog.Debugf("session reset peer=%s", remote)
	s.hs = nil
	s.send = nil
	s.recv = nil
	s.sendSeq = 0
	s.window.reset()
	s.remoteStatic = nil
	s.phase = PhaseUninitiated
}

func (m *Manager) maybeExpireLocked(remote proto.PeerID, s *state, now time.Time) bool {
	if !s.ready() || m.maxAge <= 0 {
		return false
	}
	if now.Sub(s.establishedAt) < m.maxAge {
		return false
	}
	debuglog.Debugf("session expired peer=%s age=%s", remote, now.Sub(s.establishedAt))
	s.send = nil
	s.recv = nil
	s.sendSeq = 0
	s.window.reset()
	s.phase = PhaseExpired
	return true
}

// IsSessionError reports whether err is a recoverable per-peer failure.
func IsSessionError(err error) bool {
	var se *SessionError
	return errors.As(err, &se)
}

func transportAD(sender, recipient proto.PeerID) []byte {
	ad := make([]byte, 0, 2*proto.PeerIDSize)
	ad = append(ad, sender[:]...)
	ad = append(ad, recipient[:]...)
	return ad
}
