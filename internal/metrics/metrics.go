package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Relay       RelayMetrics   `json:"relay"`
	Session     SessionMetrics `json:"session"`
	Gossip      GossipMetrics  `json:"gossip"`
	Queue       QueueMetrics   `json:"queue"`
	Conn        ConnMetrics    `json:"conn"`
}

type RelayMetrics struct {
	Delivered     uint64 `json:"delivered"`
	Relayed       uint64 `json:"relayed"`
	DropDuplicate uint64 `json:"drop_duplicate"`
	DropTTL       uint64 `json:"drop_ttl"`
	DropDecode    uint64 `json:"drop_decode"`
	RelayOnly     uint64 `json:"relay_only"`
}

type SessionMetrics struct {
	Established uint64 `json:"established"`
	Resets      uint64 `json:"resets"`
	Rejected    uint64 `json:"rejected"`
}

type GossipMetrics struct {
	FiltersSent     uint64 `json:"filters_sent"`
	FiltersReceived uint64 `json:"filters_received"`
	OffersSent      uint64 `json:"offers_sent"`
	OffersThrottled uint64 `json:"offers_throttled"`
}

type QueueMetrics struct {
	Enqueued uint64 `json:"enqueued"`
	Drained  uint64 `json:"drained"`
	Expired  uint64 `json:"expired"`
	Evicted  uint64 `json:"evicted"`
}

type ConnMetrics struct {
	Admitted uint64 `json:"admitted"`
	Refused  uint64 `json:"refused"`
	Evicted  uint64 `json:"evicted"`
	Active   uint64 `json:"active"`
}

type Metrics struct {
	relayDelivered     atomic.Uint64
	relayRelayed       atomic.Uint64
	relayDropDuplicate atomic.Uint64
	relayDropTTL       atomic.Uint64
	relayDropDecode    atomic.Uint64
	relayRelayOnly     atomic.Uint64

	sessionEstablished atomic.Uint64
	sessionResets      atomic.Uint64
	sessionRejected    atomic.Uint64

	gossipFiltersSent     atomic.Uint64
	gossipFiltersReceived atomic.Uint64
	gossipOffersSent      atomic.Uint64
	gossipOffersThrottled atomic.Uint64

	queueEnqueued atomic.Uint64
	queueDrained  atomic.Uint64
	queueExpired  atomic.Uint64
	queueEvicted  atomic.Uint64

	connAdmitted atomic.Uint64
	connRefused  atomic.Uint64
	connEvicted  atomic.Uint64
	connActive   atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncRelayDelivered()     { m.relayDelivered.Add(1) }
func (m *Metrics) IncRelayRelayed()       { m.relayRelayed.Add(1) }
func (m *Metrics) IncRelayDropDuplicate() { m.relayDropDuplicate.Add(1) }
func (m *Metrics) IncRelayDropTTL()       { m.relayDropTTL.Add(1) }
func (m *Metrics) IncRelayDropDecode()    { m.relayDropDecode.Add(1) }
func (m *Metrics) IncRelayRelayOnly()     { m.relayRelayOnly.Add(1) }

func (m *Metrics) IncSessionEstablished() { m.sessionEstablished.Add(1) }
func (m *Metrics) IncSessionResets()      { m.sessionResets.Add(1) }
func (m *Metrics) IncSessionRejected()    { m.sessionRejected.Add(1) }

func (m *Metrics) IncGossipFiltersSent()     { m.gossipFiltersSent.Add(1) }
func (m *Metrics) IncGossipFiltersReceived() { m.gossipFiltersReceived.Add(1) }
func (m *Metrics) IncGossipOffersSent()      { m.gossipOffersSent.Add(1) }
func (m *Metrics) IncGossipOffersThrottled() { m.gossipOffersThrottled.Add(1) }

func (m *Metrics) IncQueueEnqueued() { m.queueEnqueued.Add(1) }
func (m *Metrics) IncQueueDrained()  { m.queueDrained.Add(1) }
func (m *Metrics) IncQueueExpired()  { m.queueExpired.Add(1) }
func (m *Metrics) IncQueueEvicted()  { m.queueEvicted.Add(1) }

func (m *Metrics) IncConnAdmitted()       { m.connAdmitted.Add(1) }
func (m *Metrics) IncConnRefused()        { m.connRefused.Add(1) }
func (m *Metrics) IncConnEvicted()        { m.connEvicted.Add(1) }
func (m *Metrics) SetConnActive(n uint64) { m.connActive.Store(n) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Relay: RelayMetrics{
			Delivered:     m.relayDelivered.Load(),
			Relayed:       m.relayRelayed.Load(),
			DropDuplicate: m.relayDropDuplicate.Load(),
			DropTTL:       m.relayDropTTL.Load(),
			DropDecode:    m.relayDropDecode.Load(),
			RelayOnly:     m.relayRelayOnly.Load(),
		},
		Session: SessionMetrics{
			Established: m.sessionEstablished.Load(),
			Resets:      m.sessionResets.Load(),
			Rejected:    m.sessionRejected.Load(),
		},
		Gossip: GossipMetrics{
			FiltersSent:     m.gossipFiltersSent.Load(),
			FiltersReceived: m.gossipFiltersReceived.Load(),
			OffersSent:      m.gossipOffersSent.Load(),
			OffersThrottled: m.gossipOffersThrottled.Load(),
		},
		Queue: QueueMetrics{
			Enqueued: m.queueEnqueued.Load(),
			Drained:  m.queueDrained.Load(),
			Expired:  m.queueExpired.Load(),
			Evicted:  m.queueEvicted.Load(),
		},
		Conn: ConnMetrics{
			Admitted: m.connAdmitted.Load(),
			Refused:  m.connRefused.Load(),
			Evicted:  m.connEvicted.Load(),
			Active:   m.connActive.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
