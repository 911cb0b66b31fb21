// Package linksession implements the Link Session Manager (C2) of
// spec.md §4.2: it owns inbound and outbound link endpoints and the
// per-peer Session lifecycle (Pending→Authed→Closed). Sends go directly
// to an existing Authed session; this package keeps no outbound queue.
//
// The wire/link-layer transport itself — "a reliable authenticated
// datagram protocol" — is explicitly out of scope (spec.md §1); RawLink
// below is the interface that transport is assumed to satisfy. A
// minimal TCP-backed implementation is provided (grounded on the
// teacher's pkg/interfaces/tcp.go) only so the core is runnable and
// testable end to end, not as a production transport.
package linksession

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
)

// RawLink is a single reliable, ordered, authenticated-at-the-datagram-
// layer connection to one peer's transport endpoint.
type RawLink interface {
	Send(buf []byte) error
	Recv() ([]byte, error)
	Close() error
	// RemoteTransportKey is the per-address static key this link
	// authenticated with at the transport layer — used to find the
	// matching AddressInfo inside the peer's claimed RC.
	RemoteTransportKey() []byte
}

// Dialer opens an outbound RawLink to an address using a local
// transport key.
type Dialer interface {
	Dial(addr string, localTransportKey []byte) (RawLink, error)
}

// Listener accepts inbound RawLinks.
type Listener interface {
	Accept() (RawLink, error)
	Close() error
	Addr() string
}

// --- minimal TCP reference transport -------------------------------

// tcpLink frames messages with a 4-byte big-endian length prefix, the
// way the teacher's pkg/interfaces/tcp.go delimits stream reads.
type tcpLink struct {
	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	remoteKey []byte
}

func newTCPLink(conn net.Conn, remoteKey []byte) *tcpLink {
	return &tcpLink{conn: conn, reader: bufio.NewReader(conn), remoteKey: remoteKey}
}

func (l *tcpLink) Send(buf []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(buf)))
	if _, err := l.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := l.conn.Write(buf)
	return err
}

func (l *tcpLink) Recv() ([]byte, error) {
	var hdr [4]byte
	if _, err := ioReadFull(l.reader, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > 1<<20 {
		return nil, errors.New("linksession: frame too large")
	}
	buf := make([]byte, n)
	if _, err := ioReadFull(l.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (l *tcpLink) Close() error                  { return l.conn.Close() }
func (l *tcpLink) RemoteTransportKey() []byte    { return l.remoteKey }

// TCPDialer dials plain TCP. The transport key exchange/auth itself is
// out of scope; here the caller-supplied localTransportKey is just
// echoed back as RemoteTransportKey on the peer's accepted side via the
// out-of-band RC lookup the session handshake performs.
type TCPDialer struct{}

func (TCPDialer) Dial(addr string, localTransportKey []byte) (RawLink, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("linksession: dial %s: %w", addr, err)
	}
	return newTCPLink(conn, localTransportKey), nil
}

// TCPListener accepts plain TCP connections.
type TCPListener struct {
	ln  net.Listener
	key []byte
}

// ListenTCP binds addr for inbound links advertising transportKey.
func ListenTCP(addr string, transportKey []byte) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("linksession: listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln, key: transportKey}, nil
}

func (t *TCPListener) Accept() (RawLink, error) {
	conn, err := t.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newTCPLink(conn, t.key), nil
}

func (t *TCPListener) Close() error  { return t.ln.Close() }
func (t *TCPListener) Addr() string  { return t.ln.Addr().String() }
