// Package relay is the packet state machine: every inbound frame passes
// through decode, dedup, local delivery, and the TTL relay decision, in that
// order. It also owns the send paths, falling back to store-and-forward when
// a private recipient has no established session yet.
package relay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"time"

	"bitmesh/internal/channel"
	"bitmesh/internal/config"
	"bitmesh/internal/conn"
	"bitmesh/internal/debuglog"
	"bitmesh/internal/dedup"
	"bitmesh/internal/event"
	"bitmesh/internal/gossip"
	"bitmesh/internal/metrics"
	"bitmesh/internal/proto"
	"bitmesh/internal/queue"
	"bitmesh/internal/session"
)

var (
	ErrUnknownChannel  = errors.New("no key for channel")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

const (
	maxChannelNameLen = 64
	maxNicknameLen    = 64
	janitorInterval   = 30 * time.Second
)

type heldPacket struct {
	pkt    *proto.Packet
	heldAt time.Time
}

// Options configure one engine. SigningKey is optional; when present,
// announce and flood traffic is signed and inbound signatures from announced
// peers are enforced.
type Options struct {
	Nickname   string
	SigningKey ed25519.PrivateKey
}

// Engine wires the per-concern components together. All inbound processing
// happens on the calling link's read goroutine; the mutex only guards the
// held-packet map.
type Engine struct {
	cfg      *config.Store
	mx       *metrics.Metrics
	bus      *event.Bus
	conns    *conn.Manager
	sessions *session.Manager
	channels *channel.Registry
	dedup    *dedup.Cache
	reasm    *proto.Reassembler
	store    *packetStore
	queue    *queue.Queue
	gossip   *gossip.Engine
	nickname string
	signKey  ed25519.PrivateKey

	mu      sync.Mutex
	held    map[proto.PeerID][]heldPacket
	signers map[proto.PeerID]ed25519.PublicKey
}

func NewEngine(cfg *config.Store, mx *metrics.Metrics, bus *event.Bus,
	conns *conn.Manager, sessions *session.Manager, channels *channel.Registry,
	opts Options) *Engine {

	c := cfg.Load()
	e := &Engine{
		cfg:      cfg,
		mx:       mx,
		bus:      bus,
		conns:    conns,
		sessions: sessions,
		channels: channels,
		dedup:    dedup.NewCache(c.SeenPacketCapacity, c.SeenPacketTTL),
		reasm:    proto.NewReassembler(c.FragmentTimeout),
		store:    newPacketStore(c.SeenPacketCapacity/4, c.SeenPacketTTL),
		queue:    queue.New(cfg, mx),
		nickname: opts.Nickname,
		signKey:  opts.SigningKey,
		held:     make(map[proto.PeerID][]heldPacket),
		signers:  make(map[proto.PeerID]ed25519.PublicKey),
	}
	e.gossip = gossip.NewEngine(cfg, mx, sessions.LocalID(), e, e.conns.SendToLink)
	conns.SetHandler(e.HandleFrame)
	return e
}

func (e *Engine) LocalID() proto.PeerID { return e.sessions.LocalID() }

// RecentFingerprints implements gossip.Source.
func (e *Engine) RecentFingerprints() []proto.Fingerprint {
	return e.store.fingerprints()
}

// LookupPacket implements gossip.Source.
func (e *Engine) LookupPacket(fp proto.Fingerprint) (*proto.Packet, bool) {
	return e.store.lookup(fp)
}

// Run reacts to bus events (link lifecycle, session establishment) and runs
// the periodic janitor until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	events, cancel := e.bus.Subscribe(256)
	defer cancel()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch v := ev.(type) {
			case event.LinkUp:
				e.gossip.OnLinkUp(v.LinkID)
				e.flushPeer(proto.PeerID(v.Peer))
			case event.SessionEstablished:
				e.flushPeer(proto.PeerID(v.Peer))
			}
		case <-ticker.C:
			e.applyConfig()
			e.queue.Sweep()
			e.expireHeld()
		}
	}
}

// applyConfig pushes the current config snapshot into the components that
// were sized at construction, so capacity and timeout tunables take effect
// without a restart.
func (e *Engine) applyConfig() {
	c := e.cfg.Load()
	e.dedup.Resize(c.SeenPacketCapacity, c.SeenPacketTTL)
	e.reasm.SetTimeout(c.FragmentTimeout)
	e.store.resize(c.SeenPacketCapacity/4, c.SeenPacketTTL)
}

// HandleFrame is the inbound pipeline. Decode failures and duplicates stop
// here; everything else is delivered locally when addressed to us and then
// considered for relay.
func (e *Engine) HandleFrame(linkID uint64, frame []byte) {
	pkt, err := proto.Decode(frame)
	if err != nil {
		e.mx.IncRelayDropDecode()
		debuglog.Debugf("frame dropped link=%d: %v", linkID, err)
		return
	}

	if pkt.LinkLocal() {
		if err := e.gossip.HandleFilter(linkID, pkt.Payload); err != nil {
			debuglog.Debugf("gossip filter rejected link=%d: %v", linkID, err)
		}
		return
	}

	fp := pkt.Fingerprint()
	if e.dedup.Seen(fp) {
		e.mx.IncRelayDropDuplicate()
		return
	}
	e.dedup.Record(fp)
	e.store.add(fp, pkt)

	if pkt.Broadcastish() || (pkt.Recipient != nil && *pkt.Recipient == e.LocalID()) {
		e.deliverLocal(linkID, pkt)
	}
	e.maybeRelay(linkID, pkt)
}

// maybeRelay applies the TTL rule: packets arriving with TTL > 1 go back out
// on every link except the one they came in on, with TTL decremented.
// Packets addressed to us alone are consumed, not relayed.
func (e *Engine) maybeRelay(arrivalLink uint64, pkt *proto.Packet) {
	if pkt.Recipient != nil && *pkt.Recipient == e.LocalID() {
		return
	}
	if pkt.TTL <= 1 {
		e.mx.IncRelayDropTTL()
		return
	}
	out := *pkt
	out.TTL = pkt.TTL - 1
	frame, err := out.Encode()
	if err != nil {
		return
	}
	if sent := e.conns.Broadcast(frame, arrivalLink); sent > 0 {
		e.mx.IncRelayRelayed()
	}
}

func (e *Engine) deliverLocal(linkID uint64, pkt *proto.Packet) {
	if pkt.Type != proto.TypeAnnounce && !e.signatureOK(pkt) {
		e.mx.IncRelayRelayOnly()
		debuglog.Debugf("unverifiable signature from %s", pkt.SenderID)
		return
	}

	if pkt.Fragment != nil {
		whole, err := e.reasm.Add(pkt)
		if err != nil {
			debuglog.Debugf("fragment rejected: %v", err)
			return
		}
		if whole == nil {
			return
		}
		pkt = whole
	}

	switch pkt.Type {
	case proto.TypeAnnounce:
		e.handleAnnounce(linkID, pkt)
	case proto.TypeLeave:
		e.handleLeave(pkt)
	case proto.TypeBroadcast:
		e.deliver(pkt.SenderID, "", pkt.Payload, pkt.Timestamp)
	case proto.TypeChannel:
		e.handleChannel(pkt)
	case proto.TypeDirect:
		e.handleDirect(pkt)
	case proto.TypeHandshake:
		e.handleHandshake(pkt)
	default:
		debuglog.Debugf("unhandled packet type 0x%02x from %s", pkt.Type, pkt.SenderID)
	}
}

func (e *Engine) deliver(sender proto.PeerID, channelName string, plaintext []byte, ts time.Time) {
	e.mx.IncRelayDelivered()
	e.bus.Publish(event.MessageDelivered{
		Sender:    event.PeerID(sender),
		Channel:   channelName,
		Plaintext: plaintext,
		Timestamp: ts,
	})
}

// signatureOK enforces signatures on flood traffic. Unsigned packets pass;
// signed packets must verify against a signing key learned from the sender's
// announce.
func (e *Engine) signatureOK(pkt *proto.Packet) bool {
	if pkt.Signature == nil {
		return true
	}
	e.mu.Lock()
	pub, ok := e.signers[pkt.SenderID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return proto.VerifyPacket(pub, pkt)
}

// handleAnnounce verifies that the advertised static key actually derives
// the claimed sender ID, records the optional signing key, then binds the
// link when the announce arrived unrelayed (full TTL means it came from the
// direct neighbor).
//
// Announce payload: static(32) has_signer(1) [signer(32)] nickname.
func (e *Engine) handleAnnounce(linkID uint64, pkt *proto.Packet) {
	if len(pkt.Payload) < 33 {
		return
	}
	pub := pkt.Payload[:32]
	if session.DerivePeerID(pub) != pkt.SenderID {
		debuglog.Debugf("announce with mismatched static key from %s", pkt.SenderID)
		return
	}
	rest := pkt.Payload[33:]
	if pkt.Payload[32] == 1 {
		if len(rest) < ed25519.PublicKeySize {
			return
		}
		signer := ed25519.PublicKey(append([]byte(nil), rest[:ed25519.PublicKeySize]...))
		if pkt.Signature != nil && !proto.VerifyPacket(signer, pkt) {
			debuglog.Debugf("announce with bad self-signature from %s", pkt.SenderID)
			return
		}
		e.mu.Lock()
		e.signers[pkt.SenderID] = signer
		e.mu.Unlock()
		rest = rest[ed25519.PublicKeySize:]
	}
	nickname := string(rest)
	if len(nickname) > maxNicknameLen {
		nickname = nickname[:maxNicknameLen]
	}
	if pkt.TTL == proto.MaxTTL {
		e.conns.BindPeer(linkID, pkt.SenderID)
	}
	e.bus.Publish(event.PeerAnnounced{Peer: event.PeerID(pkt.SenderID), Nickname: nickname})
}

func (e *Engine) handleLeave(pkt *proto.Packet) {
	e.sessions.Remove(pkt.SenderID)
	e.bus.Publish(event.SessionReset{Peer: event.PeerID(pkt.SenderID), Reason: "peer left"})
}

// handleChannel delivers a channel message when we hold the key. Without
// the key, or when the key does not authenticate, the packet is relay-only.
func (e *Engine) handleChannel(pkt *proto.Packet) {
	name, ct, err := splitChannelPayload(pkt.Payload)
	if err != nil {
		debuglog.Debugf("malformed channel payload from %s: %v", pkt.SenderID, err)
		return
	}
	key, ok := e.channels.Key(name)
	if !ok {
		e.mx.IncRelayRelayOnly()
		return
	}
	plain, err := channel.Decrypt(ct, key)
	if err != nil {
		e.mx.IncRelayRelayOnly()
		debuglog.Debugf("channel %q decrypt failed from %s", name, pkt.SenderID)
		return
	}
	e.deliver(pkt.SenderID, name, plain, pkt.Timestamp)
}

func (e *Engine) handleDirect(pkt *proto.Packet) {
	plain, err := e.sessions.Decrypt(pkt.SenderID, pkt.Payload)
	switch {
	case err == nil:
		e.deliver(pkt.SenderID, "", plain, pkt.Timestamp)
	case errors.Is(err, session.ErrNotEstablished):
		e.holdInbound(pkt)
		e.tryInitiate(pkt.SenderID)
	case errors.Is(err, session.ErrReplay):
		debuglog.Debugf("replayed direct packet from %s", pkt.SenderID)
	case session.IsSessionError(err):
		e.mx.IncSessionResets()
		e.bus.Publish(event.SessionReset{Peer: event.PeerID(pkt.SenderID), Reason: err.Error()})
		e.tryInitiate(pkt.SenderID)
	}
}

func (e *Engine) handleHandshake(pkt *proto.Packet) {
	reply, established, err := e.sessions.HandleMessage(pkt.SenderID, pkt.Payload)
	if err != nil {
		e.mx.IncSessionRejected()
		debuglog.Debugf("handshake rejected from %s: %v", pkt.SenderID, err)
		return
	}
	if reply != nil {
		e.sendHandshake(pkt.SenderID, reply)
	}
	if established {
		e.mx.IncSessionEstablished()
		e.bus.Publish(event.SessionEstablished{Peer: event.PeerID(pkt.SenderID)})
	}
}

// tryInitiate starts a handshake toward peer when we are the designated
// initiator. The responder side waits to be contacted.
func (e *Engine) tryInitiate(peer proto.PeerID) {
	if !e.sessions.ShouldInitiate(peer) {
		return
	}
	msg, err := e.sessions.Initiate(peer)
	if err != nil || msg == nil {
		return
	}
	e.sendHandshake(peer, msg)
}

func (e *Engine) sendHandshake(peer proto.PeerID, wire []byte) {
	pkt := e.newPacket(proto.TypeHandshake, wire)
	pkt.Recipient = &peer
	e.sendPacket(pkt, peer)
}

// Announce advertises our identity (static key, optional signing key,
// nickname) to the mesh.
func (e *Engine) Announce() error {
	payload := append([]byte(nil), e.sessions.StaticPublic()...)
	if e.signKey != nil {
		payload = append(payload, 1)
		payload = append(payload, e.signKey.Public().(ed25519.PublicKey)...)
	} else {
		payload = append(payload, 0)
	}
	payload = append(payload, []byte(e.nickname)...)
	return e.broadcastPacket(e.newPacket(proto.TypeAnnounce, payload))
}

// Leave tells the mesh we are departing.
func (e *Engine) Leave() error {
	return e.broadcastPacket(e.newPacket(proto.TypeLeave, nil))
}

// SendBroadcast floods an unencrypted public message.
func (e *Engine) SendBroadcast(plaintext []byte) error {
	if len(plaintext) > proto.MaxPayload {
		return ErrPayloadTooLarge
	}
	return e.broadcastPacket(e.newPacket(proto.TypeBroadcast, plaintext))
}

// SendChannel encrypts under the channel key and floods the result. The
// channel name travels in the clear so holders of the key can find it.
func (e *Engine) SendChannel(name string, plaintext []byte) error {
	key, ok := e.channels.Key(name)
	if !ok {
		return ErrUnknownChannel
	}
	ct, err := channel.Encrypt(plaintext, key)
	if err != nil {
		return err
	}
	payload, err := joinChannelPayload(name, ct)
	if err != nil {
		return err
	}
	if len(payload) > proto.MaxPayload {
		return ErrPayloadTooLarge
	}
	return e.broadcastPacket(e.newPacket(proto.TypeChannel, payload))
}

// SendPrivate delivers an end-to-end encrypted message to one peer. Without
// an established session the plaintext is queued, and a handshake is started
// when we are the designated initiator; the queue drains on establishment.
func (e *Engine) SendPrivate(recipient proto.PeerID, plaintext []byte) error {
	if len(plaintext) > proto.MaxPayload {
		return ErrPayloadTooLarge
	}
	if !e.sessions.Established(recipient) {
		pending := e.newPacket(proto.TypeDirect, plaintext)
		pending.Recipient = &recipient
		e.queue.Enqueue(recipient, pending)
		e.tryInitiate(recipient)
		return nil
	}
	return e.sendPrivateNow(recipient, plaintext, time.Now())
}

func (e *Engine) sendPrivateNow(recipient proto.PeerID, plaintext []byte, ts time.Time) error {
	wire, err := e.sessions.Encrypt(recipient, plaintext)
	if err != nil {
		return err
	}
	pkt := e.newPacket(proto.TypeDirect, wire)
	pkt.Recipient = &recipient
	pkt.Timestamp = ts
	e.sendPacket(pkt, recipient)
	return nil
}

// PendingFor reports queued private messages for a recipient.
func (e *Engine) PendingFor(recipient proto.PeerID) int {
	return e.queue.Pending(recipient)
}

func (e *Engine) newPacket(typ byte, payload []byte) *proto.Packet {
	return &proto.Packet{
		Version:   proto.Version,
		Type:      typ,
		TTL:       proto.MaxTTL,
		Timestamp: time.Now(),
		SenderID:  e.LocalID(),
		Payload:   payload,
	}
}

// broadcastPacket records our own packet first so relayed echoes dedup, then
// floods it, fragmenting when it exceeds the MTU.
func (e *Engine) broadcastPacket(pkt *proto.Packet) error {
	for _, part := range e.splitForMTU(pkt) {
		if e.signKey != nil {
			proto.SignPacket(e.signKey, part)
		}
		fp := part.Fingerprint()
		e.dedup.Record(fp)
		e.store.add(fp, part)
		frame, err := part.Encode()
		if err != nil {
			return err
		}
		e.conns.Broadcast(frame, 0)
	}
	return nil
}

// sendPacket prefers the direct link to the recipient and falls back to
// flooding through the mesh.
func (e *Engine) sendPacket(pkt *proto.Packet, recipient proto.PeerID) {
	for _, part := range e.splitForMTU(pkt) {
		fp := part.Fingerprint()
		e.dedup.Record(fp)
		e.store.add(fp, part)
		frame, err := part.Encode()
		if err != nil {
			return
		}
		if err := e.conns.SendToPeer(recipient, frame); err != nil {
			e.conns.Broadcast(frame, 0)
		}
	}
}

func (e *Engine) splitForMTU(pkt *proto.Packet) []*proto.Packet {
	mtu := e.cfg.Load().MTU
	if len(pkt.Payload) <= mtu {
		return []*proto.Packet{pkt}
	}
	parts, err := proto.Split(pkt, mtu)
	if err != nil {
		return []*proto.Packet{pkt}
	}
	return parts
}

// holdInbound parks a direct packet that arrived before the session with its
// sender was established. Held packets are retried on establishment and
// expire with the handshake timeout.
func (e *Engine) holdInbound(pkt *proto.Packet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	held := e.held[pkt.SenderID]
	if len(held) >= 16 {
		held = held[1:]
	}
	e.held[pkt.SenderID] = append(held, heldPacket{pkt: pkt, heldAt: time.Now()})
}

func (e *Engine) expireHeld() {
	horizon := e.cfg.Load().HandshakeTimeout * 3
	cutoff := time.Now().Add(-horizon)
	e.mu.Lock()
	defer e.mu.Unlock()
	for peer, held := range e.held {
		kept := held[:0]
		for _, h := range held {
			if h.heldAt.After(cutoff) {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(e.held, peer)
		} else {
			e.held[peer] = kept
		}
	}
}

// flushPeer retries held inbound packets and drains the outbound queue for a
// peer that just became reachable.
func (e *Engine) flushPeer(peer proto.PeerID) {
	if peer == (proto.PeerID{}) {
		return
	}

	e.mu.Lock()
	held := e.held[peer]
	delete(e.held, peer)
	e.mu.Unlock()
	for _, h := range held {
		e.handleDirect(h.pkt)
	}

	if !e.sessions.Established(peer) {
		e.tryInitiate(peer)
		return
	}
	for _, pending := range e.queue.Drain(peer) {
		if err := e.sendPrivateNow(peer, pending.Payload, pending.Timestamp); err != nil {
			debuglog.Debugf("queued send to %s failed: %v", peer, err)
		}
	}
}

func splitChannelPayload(payload []byte) (string, []byte, error) {
	if len(payload) < 1 {
		return "", nil, errors.New("empty channel payload")
	}
	nameLen := int(payload[0])
	if nameLen == 0 || nameLen > maxChannelNameLen || len(payload) < 1+nameLen {
		return "", nil, errors.New("bad channel name length")
	}
	return string(payload[1 : 1+nameLen]), payload[1+nameLen:], nil
}

func joinChannelPayload(name string, ct []byte) ([]byte, error) {
	if len(name) == 0 || len(name) > maxChannelNameLen {
		return nil, errors.New("bad channel name length")
	}
	out := make([]byte, 0, 1+len(name)+len(ct))
	out = append(out, byte(len(name)))
	out = append(out, name...)
	out = append(out, ct...)
	return out, nil
}
