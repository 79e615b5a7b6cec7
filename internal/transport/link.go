// Package transport abstracts a point-to-point link that carries whole
// frames. The connection manager treats every link the same whether it is a
// QUIC stream or an in-memory pipe.
package transport

import "errors"

// Role distinguishes which side of the link accepted versus dialed.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

var ErrClosed = errors.New("link closed")

// Link is one framed connection to a neighbor. Send and Recv carry complete
// frames; implementations own the length-prefix framing underneath. RSSI is
// a link-quality hint in dBm, 0 when the medium does not report one.
type Link interface {
	ID() uint64
	RemoteAddr() string
	Role() Role
	RSSI() int
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
}
