// Package config holds the runtime tunables for the mesh core.
//
// Tunables are published as an immutable snapshot behind an atomic pointer.
// Components read the snapshot at the start of each operation; admin updates
// swap in a fresh copy. Live data structures are never mutated directly.
package config

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	defaultSeenPacketCapacity = 10000
	defaultSeenPacketTTLSec   = 1800
	defaultGCSMaxBytes        = 4096
	defaultGCSFprPercent      = 1.0
	defaultMaxConnsOverall    = 16
	defaultMaxConnsServer     = 8
	defaultMaxConnsClient     = 8
	defaultQueuePerRecipient  = 100
	defaultQueueGlobal        = 1000
	defaultQueueMaxAgeSec     = 12 * 3600
	defaultHandshakeTimeoutMS = 10000
	defaultFragmentTimeoutSec = 30
	defaultGossipBatch        = 64
	defaultGossipRatePerSec   = 16
	defaultRelayMTU           = 499
)

// Config is one immutable snapshot of every runtime-adjustable limit.
type Config struct {
	SeenPacketCapacity int
	SeenPacketTTL      time.Duration

	GCSMaxBytes   int
	GCSFprPercent float64

	MaxConnsOverall int
	MaxConnsServer  int
	MaxConnsClient  int

	QueuePerRecipient int
	QueueGlobal       int
	QueueMaxAge       time.Duration

	HandshakeTimeout time.Duration
	FragmentTimeout  time.Duration

	GossipBatch      int
	GossipRatePerSec float64

	// MTU is the largest payload carried in a single unfragmented packet.
	MTU int
}

// Default builds the baseline config, honoring BITMESH_* env overrides.
func Default() Config {
	return Config{
		SeenPacketCapacity: envIntDefault("BITMESH_SEEN_PACKET_CAP", defaultSeenPacketCapacity),
		SeenPacketTTL:      envSecDefault("BITMESH_SEEN_PACKET_TTL_SEC", defaultSeenPacketTTLSec),
		GCSMaxBytes:        envIntDefault("BITMESH_GCS_MAX_BYTES", defaultGCSMaxBytes),
		GCSFprPercent:      envFloatDefault("BITMESH_GCS_FPR_PERCENT", defaultGCSFprPercent),
		MaxConnsOverall:    envIntDefault("BITMESH_MAX_CONNS", defaultMaxConnsOverall),
		MaxConnsServer:     envIntDefault("BITMESH_MAX_SERVER_CONNS", defaultMaxConnsServer),
		MaxConnsClient:     envIntDefault("BITMESH_MAX_CLIENT_CONNS", defaultMaxConnsClient),
		QueuePerRecipient:  envIntDefault("BITMESH_QUEUE_PER_RECIPIENT", defaultQueuePerRecipient),
		QueueGlobal:        envIntDefault("BITMESH_QUEUE_GLOBAL", defaultQueueGlobal),
		QueueMaxAge:        envSecDefault("BITMESH_QUEUE_MAX_AGE_SEC", defaultQueueMaxAgeSec),
		HandshakeTimeout:   envMSDefault("BITMESH_HANDSHAKE_TIMEOUT_MS", defaultHandshakeTimeoutMS),
		FragmentTimeout:    envSecDefault("BITMESH_FRAGMENT_TIMEOUT_SEC", defaultFragmentTimeoutSec),
		GossipBatch:        envIntDefault("BITMESH_GOSSIP_BATCH", defaultGossipBatch),
		GossipRatePerSec:   envFloatDefault("BITMESH_GOSSIP_RATE_PER_SEC", defaultGossipRatePerSec),
		MTU:                envIntDefault("BITMESH_MTU", defaultRelayMTU),
	}
}

// Store publishes config snapshots to any number of concurrent readers.
type Store struct {
	cur atomic.Pointer[Config]
}

func NewStore(c Config) *Store {
	s := &Store{}
	s.cur.Store(&c)
	return s
}

// Load returns the current snapshot. The returned value must not be retained
// across operations that should observe later updates.
func (s *Store) Load() Config {
	return *s.cur.Load()
}

// Update applies fn to a copy of the current snapshot and publishes the result.
func (s *Store) Update(fn func(Config) Config) Config {
	for {
		old := s.cur.Load()
		next := fn(*old)
		if s.cur.CompareAndSwap(old, &next) {
			return next
		}
	}
}

// SetMaxConnections adjusts the three connection ceilings at runtime.
func (s *Store) SetMaxConnections(overall, server, client int) {
	s.Update(func(c Config) Config {
		if overall > 0 {
			c.MaxConnsOverall = overall
		}
		if server > 0 {
			c.MaxConnsServer = server
		}
		if client > 0 {
			c.MaxConnsClient = client
		}
		return c
	})
}

func envIntDefault(key string, def int) int {
	if v, ok := envInt(key); ok && v > 0 {
		return v
	}
	return def
}

func envSecDefault(key string, defSec int) time.Duration {
	if v, ok := envInt(key); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defSec) * time.Second
}

func envMSDefault(key string, defMS int) time.Duration {
	if v, ok := envInt(key); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return time.Duration(defMS) * time.Millisecond
}

func envFloatDefault(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
