package relay

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// ReceiveFunc handles one inbound datagram. payload is owned by the callee.
type ReceiveFunc func(payload []byte, from netip.AddrPort)

// Endpoint wraps one UDP socket.
//
// An Endpoint starts unbound. Bind may succeed at most once; after Close the
// endpoint is permanently unusable. The receive handler runs on a single read
// goroutine, so datagrams are delivered in socket order.
type Endpoint struct {
	readBufferBytes int
	writeTimeout    time.Duration

	mu      sync.Mutex
	conn    *net.UDPConn
	network string
	local   netip.AddrPort

	handler atomic.Pointer[ReceiveFunc]

	closed    atomic.Bool
	closeOnce sync.Once
	readDone  chan struct{}
}

func NewEndpoint(readBufferBytes int, writeTimeout time.Duration) *Endpoint {
	if readBufferBytes <= 0 {
		readBufferBytes = DefaultConfig().UDPReadBufferBytes
	}
	return &Endpoint{
		readBufferBytes: readBufferBytes,
		writeTimeout:    writeTimeout,
		readDone:        make(chan struct{}),
	}
}

// OnReceive installs the receive handler, replacing any previous one.
func (e *Endpoint) OnReceive(fn ReceiveFunc) {
	if fn == nil {
		e.handler.Store(nil)
		return
	}
	e.handler.Store(&fn)
}

// Bind opens the socket on addr and starts the read loop. The returned address
// is the one the OS assigned, so a requested port of 0 comes back concrete.
func (e *Endpoint) Bind(ctx context.Context, addr netip.AddrPort) (netip.AddrPort, error) {
	network := "udp4"
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		network = "udp6"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return netip.AddrPort{}, ErrEndpointClosed
	}
	if e.conn != nil {
		return netip.AddrPort{}, ErrAlreadyBound
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, network, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()).String())
	if err != nil {
		return netip.AddrPort{}, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return netip.AddrPort{}, errors.New("udp endpoint: unexpected packet conn type")
	}

	e.conn = conn
	e.network = network
	e.local = conn.LocalAddr().(*net.UDPAddr).AddrPort()
	go e.readLoop(conn)
	return e.local, nil
}

// LocalAddr returns the bound address, or the zero AddrPort before Bind.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// Send writes one datagram to dst and returns the number of bytes written.
func (e *Endpoint) Send(payload []byte, dst netip.AddrPort) (int, error) {
	if e.closed.Load() {
		return 0, ErrEndpointClosed
	}
	e.mu.Lock()
	conn, network := e.conn, e.network
	e.mu.Unlock()
	if conn == nil {
		return 0, ErrEndpointNotBound
	}

	ip := dst.Addr().Unmap()
	switch {
	case network == "udp4" && !ip.Is4():
		return 0, &net.AddrError{Err: "IPv6 destination on an IPv4 socket", Addr: ip.String()}
	case network == "udp6" && ip.Is4():
		ip = netip.AddrFrom16(ip.As16())
	}

	if e.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	}
	return conn.WriteToUDPAddrPort(payload, netip.AddrPortFrom(ip, dst.Port()))
}

// Close releases the socket and detaches the receive handler. It is safe to
// call more than once and on an endpoint that was never bound.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.handler.Store(nil)

		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		} else {
			close(e.readDone)
		}
	})
	return err
}

// ReadDone is closed once the read loop has exited, or immediately after
// closing an endpoint that was never bound.
func (e *Endpoint) ReadDone() <-chan struct{} {
	return e.readDone
}

func (e *Endpoint) readLoop(conn *net.UDPConn) {
	defer close(e.readDone)

	// One spare byte lets us tell a datagram that exactly fills the buffer
	// from one the kernel truncated.
	buf := make([]byte, e.readBufferBytes+1)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || e.closed.Load() {
				return
			}
			// ICMP errors from earlier sends surface here on some platforms.
			continue
		}
		if n > e.readBufferBytes {
			continue
		}
		h := e.handler.Load()
		if h == nil || e.closed.Load() {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		(*h)(payload, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()))
	}
}
