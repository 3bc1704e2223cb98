package ioobj

import (
	"net"
	"sync"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/vfs"
)

// Socket domain/type constants, matching POSIX numeric values for ABI
// compatibility with user binaries (spec.md C5).
const (
	AF_UNIX  = 1
	AF_INET  = 2
	AF_INET6 = 10

	SOCK_STREAM = 1
	SOCK_DGRAM  = 2
)

// SockaddrIn mirrors struct sockaddr_in's wire layout (network byte
// order fields), used by bind/connect/accept to decode user buffers.
type SockaddrIn struct {
	Family uint16
	Port   uint16
	Addr   [4]byte
	Zero   [8]byte
}

// Socket is a façade over an in-process loopback transport. spec.md
// calls for a wrapper "over a pluggable network stack"; none of the
// retrieved example repos vendor a userspace TCP/IP stack, so every
// connection, whatever the socket type, is carried by stdlib net's
// in-memory net.Pipe. The type is recorded but SOCK_DGRAM gets no
// datagram semantics, and there is no separate transport interface
// behind which another stack could be substituted.
type Socket struct {
	vfs.BaseInode

	mu      sync.Mutex
	domain  int
	typ     int
	conn    net.Conn
	addr    SockaddrIn
	backlog chan net.Conn
	closed  bool
}

var unixRegistry = struct {
	mu        sync.Mutex
	listeners map[string]*Socket
}{listeners: map[string]*Socket{}}

// NewSocket constructs an unconnected socket of the given domain/type.
func NewSocket(domain, typ int) *Socket {
	return &Socket{domain: domain, typ: typ}
}

func (s *Socket) Type() vfs.FileType { return vfs.TypeSocket }

// Bind records addr; Listen later registers the socket under that
// address's loopback key so Connect can find it.
func (s *Socket) Bind(addr SockaddrIn) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
	return 0
}

func addrKey(a SockaddrIn) string {
	return string([]byte{byte(a.Port >> 8), byte(a.Port), a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]})
}

// Listen marks this socket as accepting connections.
func (s *Socket) Listen(backlog int) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if backlog <= 0 {
		backlog = 16
	}
	s.backlog = make(chan net.Conn, backlog)
	unixRegistry.mu.Lock()
	unixRegistry.listeners[addrKey(s.addr)] = s
	unixRegistry.mu.Unlock()
	return 0
}

// Connect dials a listening socket registered under addr via an
// in-process net.Pipe, standing in for the loopback transport.
func (s *Socket) Connect(addr SockaddrIn) defs.Err_t {
	unixRegistry.mu.Lock()
	listener, ok := unixRegistry.listeners[addrKey(addr)]
	unixRegistry.mu.Unlock()
	if !ok {
		return defs.ECONNREFUSED
	}
	client, server := net.Pipe()
	select {
	case listener.backlog <- server:
	default:
		return defs.ECONNREFUSED
	}
	s.mu.Lock()
	s.conn = client
	s.mu.Unlock()
	return 0
}

// Accept pulls one pending connection, or EWOULDBLOCK if none are
// queued.
func (s *Socket) Accept() (*Socket, defs.Err_t) {
	s.mu.Lock()
	backlog := s.backlog
	s.mu.Unlock()
	if backlog == nil {
		return nil, defs.EINVAL
	}
	select {
	case conn := <-backlog:
		return &Socket{domain: s.domain, typ: s.typ, conn: conn}, 0
	default:
		return nil, defs.EWOULDBLOCK
	}
}

func (s *Socket) ReadAt(off int64, buf []byte) (int, defs.Err_t) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, defs.ENOTCONN
	}
	n, err := conn.Read(buf)
	if err != nil {
		return n, defs.EIO
	}
	return n, 0
}

func (s *Socket) WriteAt(off int64, buf []byte) (int, defs.Err_t) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, defs.ENOTCONN
	}
	n, err := conn.Write(buf)
	if err != nil {
		return n, defs.EIO
	}
	return n, 0
}

func (s *Socket) Poll(events vfs.PollEvent) vfs.PollEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready vfs.PollEvent
	if s.backlog != nil && len(s.backlog) > 0 {
		ready |= vfs.POLLIN
	}
	if s.conn != nil {
		ready |= vfs.POLLIN | vfs.POLLOUT
	}
	return ready & events
}

// Close tears down the underlying transport.
func (s *Socket) Close() defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
	return 0
}
