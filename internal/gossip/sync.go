package gossip

import (
	"time"

	"bitmesh/internal/config"
	"bitmesh/internal/debuglog"
	"bitmesh/internal/metrics"
	"bitmesh/internal/proto"
)

var dlog = debuglog.Scope("gossip")

// Source exposes the packets this node can re-offer: the fingerprints it has
// seen recently, newest first, and a lookup for the stored originals.
type Source interface {
	RecentFingerprints() []proto.Fingerprint
	LookupPacket(fp proto.Fingerprint) (*proto.Packet, bool)
}

// Sender delivers a frame on one specific link.
type Sender func(linkID uint64, frame []byte) error

// Engine runs filter exchanges. When a link comes up, both sides send their
// filter; each side answers by re-sending the stored packets the remote
// filter does not contain. Filters are link-local and never relayed.
type Engine struct {
	cfg     *config.Store
	mx      *metrics.Metrics
	source  Source
	send    Sender
	localID proto.PeerID
	limiter *offerLimiter
}

// NewEngine builds a sync engine. cfg and mx must be non-nil.
func NewEngine(cfg *config.Store, mx *metrics.Metrics, localID proto.PeerID, source Source, send Sender) *Engine {
	c := cfg.Load()
	return &Engine{
		cfg:     cfg,
		mx:      mx,
		source:  source,
		send:    send,
		localID: localID,
		limiter: newOfferLimiter(c.GossipRatePerSec, c.GossipBatch),
	}
}

// FilterPacket builds the link-local packet announcing our seen set.
func (e *Engine) FilterPacket() (*proto.Packet, error) {
	c := e.cfg.Load()
	filter := BuildFilter(e.source.RecentFingerprints(), c.GCSFprPercent, c.GCSMaxBytes)
	return &proto.Packet{
		Version:   proto.Version,
		Type:      proto.TypeGossipFilter,
		TTL:       1,
		Timestamp: time.Now(),
		SenderID:  e.localID,
		Payload:   filter.Bytes(),
	}, nil
}

// OnLinkUp announces our filter on the fresh link.
func (e *Engine) OnLinkUp(linkID uint64) {
	pkt, err := e.FilterPacket()
	if err != nil {
		return
	}
	frame, err := pkt.Encode()
	if err != nil {
		return
	}
	if err := e.send(linkID, frame); err != nil {
		dlog("filter send failed link=%d: %v", linkID, err)
		return
	}
	e.mx.IncGossipFiltersSent()
}

// HandleFilter processes a remote filter and re-offers up to the configured
// batch of packets the remote provably lacks. Offers ride the normal packet
// path on the same link, so the remote's relay pipeline dedups and forwards
// them as usual.
func (e *Engine) HandleFilter(linkID uint64, payload []byte) error {
	c := e.cfg.Load()
	filter, err := DecodeFilter(payload, c.GCSMaxBytes)
	if err != nil {
		return err
	}
	e.mx.IncGossipFiltersReceived()

	offered := 0
	for _, fp := range e.source.RecentFingerprints() {
		if offered >= c.GossipBatch {
			break
		}
		if filter.Contains(fp) {
			continue
		}
		pkt, ok := e.source.LookupPacket(fp)
		if !ok {
			continue
		}
		if !e.limiter.allow() {
			e.mx.IncGossipOffersThrottled()
			break
		}
		frame, err := pkt.Encode()
		if err != nil {
			continue
		}
		if err := e.send(linkID, frame); err != nil {
			return err
		}
		offered++
		e.mx.IncGossipOffersSent()
	}
	if offered > 0 {
		dlog("offered %d packets on link=%d", offered, linkID)
	}
	return nil
}
