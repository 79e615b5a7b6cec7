package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	"bitmesh/internal/debuglog"
	"bitmesh/internal/proto"
)

const alpnProto = "bitmesh-quic"

var dlog = debuglog.Scope("quic")

var linkIDCounter atomic.Uint64

func nextLinkID() uint64 {
	return linkIDCounter.Add(1)
}

func devTLSCert() (tls.Certificate, []byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

// clientTLSConfig skips certificate verification: link identity means
// nothing here, peers authenticate each other with Noise static keys.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
	}
}

// quicLink is one bidirectional QUIC stream carrying length-prefixed frames.
type quicLink struct {
	id     uint64
	conn   *quic.Conn
	stream *quic.Stream
	role   Role

	sendMu sync.Mutex
	recvMu sync.Mutex
	closed atomic.Bool
}

func (l *quicLink) ID() uint64         { return l.id }
func (l *quicLink) RemoteAddr() string { return l.conn.RemoteAddr().String() }
func (l *quicLink) Role() Role         { return l.role }
func (l *quicLink) RSSI() int          { return 0 }

func (l *quicLink) Send(frame []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return proto.WriteFrame(l.stream, frame)
}

func (l *quicLink) Recv() ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	l.recvMu.Lock()
	defer l.recvMu.Unlock()
	return proto.ReadFrame(l.stream)
}

func (l *quicLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = l.stream.Close()
	return l.conn.CloseWithError(0, "")
}

// Listener accepts inbound QUIC links.
type Listener struct {
	ln *quic.Listener
}

func Listen(addr string) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	debuglog.Logf("quic listen ready: %s", ln.Addr())
	return &Listener{ln: ln}, nil
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Accept blocks for the next inbound link. Each connection carries exactly
// one stream; the dialer opens it.
func (l *Listener) Accept(ctx context.Context) (Link, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return nil, err
	}
	dlog("accepted link from %s", conn.RemoteAddr())
	return &quicLink{id: nextLinkID(), conn: conn, stream: stream, role: RoleServer}, nil
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial opens an outbound link to addr.
func Dial(ctx context.Context, addr string) (Link, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "open stream")
		return nil, err
	}
	dlog("dialed link to %s", addr)
	return &quicLink{id: nextLinkID(), conn: conn, stream: stream, role: RoleClient}, nil
}
