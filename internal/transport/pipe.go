package transport

import "sync"

// pipeLink is an in-memory link half for tests. Frames written on one half
// appear on the other half's Recv in order.
type pipeLink struct {
	id   uint64
	addr string
	role Role
	rssi int

	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	done      chan struct{}
	peerDone  chan struct{}
}

// Pipe returns two connected links. The first is the server half, the
// second the client half. rssi applies to both ends.
func Pipe(rssi int) (Link, Link) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a := &pipeLink{
		id: nextLinkID(), addr: "pipe", role: RoleServer, rssi: rssi,
		in: ba, out: ab, done: aDone, peerDone: bDone,
	}
	b := &pipeLink{
		id: nextLinkID(), addr: "pipe", role: RoleClient, rssi: rssi,
		in: ab, out: ba, done: bDone, peerDone: aDone,
	}
	return a, b
}

func (l *pipeLink) ID() uint64         { return l.id }
func (l *pipeLink) RemoteAddr() string { return l.addr }
func (l *pipeLink) Role() Role         { return l.role }
func (l *pipeLink) RSSI() int          { return l.rssi }

func (l *pipeLink) Send(frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case <-l.done:
		return ErrClosed
	case <-l.peerDone:
		return ErrClosed
	case l.out <- buf:
		return nil
	}
}

func (l *pipeLink) Recv() ([]byte, error) {
	select {
	case <-l.done:
		return nil, ErrClosed
	case frame, ok := <-l.in:
		if !ok {
			return nil, ErrClosed
		}
		return frame, nil
	case <-l.peerDone:
		// Drain frames the peer sent before closing.
		select {
		case frame := <-l.in:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (l *pipeLink) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
