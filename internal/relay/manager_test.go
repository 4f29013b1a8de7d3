package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/protocol"
)

func TestSessionManager_MaxSessions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	sm := newTestManager(t, cfg)

	first, _ := openSession(t, sm)

	if _, err := sm.Open(newFakeChannel(), ConnInfo{Transport: "test"}); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("Open err=%v, want ErrTooManySessions", err)
	}
	if got := sm.Metrics().Get(metrics.TooManySessions); got != 1 {
		t.Fatalf("too_many_sessions=%d, want 1", got)
	}

	first.Close()
	waitDone(t, first)

	openSession(t, sm)
	if got := sm.ActiveSessions(); got != 1 {
		t.Fatalf("ActiveSessions=%d, want 1", got)
	}
}

func TestSessionManager_UnknownSession(t *testing.T) {
	sm := newTestManager(t, testConfig())

	if err := sm.Dispatch("nope", []byte(`{"type":"ping"}`)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Dispatch err=%v, want ErrSessionNotFound", err)
	}
	if err := sm.Close("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Close err=%v, want ErrSessionNotFound", err)
	}
}

func TestSessionManager_DispatchAndClose(t *testing.T) {
	sm := newTestManager(t, testConfig())
	sess, ch := openSession(t, sm)

	if err := sm.Dispatch(sess.ID(), []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	ch.expect(t, protocol.TypePong)

	if err := sm.Close(sess.ID()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitDone(t, sess)
	if code, _ := ch.closeStatus(); code != websocket.CloseNormalClosure {
		t.Fatalf("close code=%d, want 1000", code)
	}
	if got := sm.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions=%d, want 0", got)
	}
	m := sm.Metrics()
	if m.Get(metrics.SessionsOpened) != 1 || m.Get(metrics.SessionsClosed) != 1 {
		t.Fatalf("opened=%d closed=%d", m.Get(metrics.SessionsOpened), m.Get(metrics.SessionsClosed))
	}
}

func TestSessionManager_Snapshot(t *testing.T) {
	sm := newTestManager(t, testConfig())
	a, _ := openSession(t, sm)
	time.Sleep(2 * time.Millisecond)
	b, chB := openSession(t, sm)
	deliverJSON(t, b, map[string]any{"type": "udp_connect", "localIP": "127.0.0.1", "localPort": 0})
	chB.expect(t, protocol.TypeUDPConnected)

	snap := sm.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snapshot)=%d, want 2", len(snap))
	}
	if snap[0].ID != a.ID() || snap[1].ID != b.ID() {
		t.Fatalf("snapshot order=%s,%s, want %s,%s", snap[0].ID, snap[1].ID, a.ID(), b.ID())
	}
	if snap[0].HasUDP {
		t.Fatalf("session a has no UDP binding: %+v", snap[0])
	}
	if !snap[1].HasUDP || snap[1].ClientLocalIP != "127.0.0.1" || snap[1].BoundAddress.Port() == 0 {
		t.Fatalf("session b=%+v", snap[1])
	}
	if snap[1].RemoteAddress != "198.51.100.20:5555" || snap[1].Transport != "test" {
		t.Fatalf("session b conn info=%+v", snap[1])
	}
}

func TestSessionManager_ShutdownClosesEverySession(t *testing.T) {
	sm := newTestManager(t, testConfig())
	a, chA := openSession(t, sm)
	b, chB := openSession(t, sm)
	connectLoopback(t, b, chB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, c := range []struct {
		sess *Session
		ch   *fakeChannel
	}{{a, chA}, {b, chB}} {
		select {
		case <-c.sess.Done():
		default:
			t.Fatalf("session %s not done after Shutdown", c.sess.ID())
		}
		if code, reason := c.ch.closeStatus(); code != websocket.CloseGoingAway || reason != "Server shutdown" {
			t.Fatalf("close=%d %q, want 1001 Server shutdown", code, reason)
		}
	}
	if got := sm.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions=%d, want 0", got)
	}
	if _, err := sm.Open(newFakeChannel(), ConnInfo{}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Open after Shutdown err=%v, want ErrShuttingDown", err)
	}
}

func TestSessionManager_ActiveSessionsGauge(t *testing.T) {
	sm := newTestManager(t, testConfig())
	openSession(t, sm)

	families, err := sm.Metrics().Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "aero_udp_ws_relay_active_sessions" {
			continue
		}
		if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 1 {
			t.Fatalf("active_sessions=%v, want 1", v)
		}
		return
	}
	t.Fatalf("active_sessions gauge not exported")
}
