package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/protocol"
)

// wireMsg is a union of every relay -> client message used by tests.
type wireMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`

	ClientID   string              `json:"clientId"`
	ServerInfo protocol.ServerInfo `json:"serverInfo"`

	Message  string `json:"message"`
	Code     string `json:"code"`
	Category string `json:"category"`

	LocalAddress      string `json:"localAddress"`
	LocalPort         int    `json:"localPort"`
	RequestedIP       string `json:"requestedIP"`
	RequestedPort     int    `json:"requestedPort"`
	ServerBindAddress string `json:"serverBindAddress"`
	ServerBindPort    int    `json:"serverBindPort"`

	BytesSent     int            `json:"bytesSent"`
	RemoteAddress string         `json:"remoteAddress"`
	RemotePort    int            `json:"remotePort"`
	TargetAddress string         `json:"targetAddress"`
	TargetPort    int            `json:"targetPort"`
	Data          protocol.Bytes `json:"data"`
}

// fakeChannel records what a session writes to its control channel.
type fakeChannel struct {
	msgs   chan []byte
	closed chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	code      int
	reason    string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		msgs:   make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) Send(msg []byte) error {
	select {
	case <-c.closed:
		return errors.New("fake channel closed")
	default:
	}
	c.msgs <- msg
	return nil
}

func (c *fakeChannel) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeChannel) closeStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}

func (c *fakeChannel) next(t *testing.T) wireMsg {
	t.Helper()
	select {
	case raw := <-c.msgs:
		var m wireMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for control message")
		return wireMsg{}
	}
}

func (c *fakeChannel) expect(t *testing.T, typ string) wireMsg {
	t.Helper()
	m := c.next(t)
	if m.Type != typ {
		t.Fatalf("type=%q (message=%q), want %q", m.Type, m.Message, typ)
	}
	return m
}

func (c *fakeChannel) expectError(t *testing.T, message string) wireMsg {
	t.Helper()
	m := c.expect(t, protocol.TypeError)
	if m.Message != message {
		t.Fatalf("error message=%q, want %q", m.Message, message)
	}
	return m
}

func (c *fakeChannel) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case raw := <-c.msgs:
		t.Fatalf("unexpected control message: %s", raw)
	case <-time.After(wait):
	}
}

// staticResolver reports addr for every wildcard bind.
type staticResolver string

func (r staticResolver) ResolveVisibleAddress(_ context.Context, bound netip.Addr, _ string) string {
	if bound.IsValid() && !bound.IsUnspecified() {
		return bound.String()
	}
	return string(r)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 10 * time.Second
	cfg.MaxControlMessagesPerSecond = 0
	return cfg
}

func newTestManager(t *testing.T, cfg Config) *SessionManager {
	t.Helper()
	sm := NewSessionManager(cfg, staticResolver("203.0.113.10"), metrics.New(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sm.Shutdown(ctx)
	})
	return sm
}

// openSession opens a session on a fake channel and consumes the welcome.
func openSession(t *testing.T, sm *SessionManager) (*Session, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	sess, err := sm.Open(ch, ConnInfo{RemoteAddr: "198.51.100.20:5555", HostHint: "relay.test", Transport: "test"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w := ch.expect(t, protocol.TypeWelcome)
	if w.ClientID != sess.ID() {
		t.Fatalf("welcome clientId=%q, want %q", w.ClientID, sess.ID())
	}
	return sess, ch
}

func deliverJSON(t *testing.T, sess *Session, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := sess.Deliver(raw); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func connectLoopback(t *testing.T, sess *Session, ch *fakeChannel) wireMsg {
	t.Helper()
	deliverJSON(t, sess, map[string]any{"type": "udp_connect", "localIP": "127.0.0.1", "localPort": 0})
	return ch.expect(t, protocol.TypeUDPConnected)
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish closing")
	}
}

func startUDPEchoServer(t *testing.T) (*net.UDPConn, uint16) {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], peer)
		}
	}()

	return conn, uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

// udpSink counts datagrams without answering.
type udpSink struct {
	conn  *net.UDPConn
	port  uint16
	count atomic.Int64
	last  chan []byte
}

func startUDPSink(t *testing.T) *udpSink {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	s := &udpSink{conn: conn, port: uint16(conn.LocalAddr().(*net.UDPAddr).Port), last: make(chan []byte, 16)}
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			s.count.Add(1)
			select {
			case s.last <- append([]byte(nil), buf[:n]...):
			default:
			}
		}
	}()
	return s
}
