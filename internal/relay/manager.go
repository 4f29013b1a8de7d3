package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/protocol"
)

// SessionManager is the registry of live sessions. It is the only writer of
// the registry: sessions are added by Open and removed when they finish
// closing.
type SessionManager struct {
	cfg       Config
	resolver  AddressResolver
	metrics   *metrics.Metrics
	log       *slog.Logger
	startedAt time.Time

	mu           sync.Mutex
	sessions     map[string]*Session
	shuttingDown bool
}

func NewSessionManager(cfg Config, res AddressResolver, m *metrics.Metrics, logger *slog.Logger) *SessionManager {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sm := &SessionManager{
		cfg:       cfg.WithDefaults(),
		resolver:  res,
		metrics:   m,
		log:       logger,
		startedAt: time.Now(),
		sessions:  make(map[string]*Session),
	}
	if err := m.RegisterGauge("active_sessions", "Live relay sessions.", func() float64 {
		return float64(sm.ActiveSessions())
	}); err != nil {
		logger.Debug("active_sessions_gauge_not_registered", "err", err)
	}
	return sm
}

func (sm *SessionManager) Config() Config { return sm.cfg }

func (sm *SessionManager) Metrics() *metrics.Metrics { return sm.metrics }

func (sm *SessionManager) Uptime() time.Duration { return time.Since(sm.startedAt) }

// Open registers a new session for ch and sends the welcome message.
func (sm *SessionManager) Open(ch ControlChannel, info ConnInfo) (*Session, error) {
	sm.mu.Lock()
	if sm.shuttingDown {
		sm.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if sm.cfg.MaxSessions > 0 && len(sm.sessions) >= sm.cfg.MaxSessions {
		sm.mu.Unlock()
		sm.metrics.Inc(metrics.TooManySessions)
		sm.log.Warn("session_rejected", "reason", "too_many_sessions", "remote_addr", info.RemoteAddr, "max_sessions", sm.cfg.MaxSessions)
		return nil, ErrTooManySessions
	}
	id := newSessionID()
	if _, dup := sm.sessions[id]; dup {
		sm.mu.Unlock()
		return nil, errors.New("failed to allocate unique session id")
	}
	sess := newSession(id, ch, info, sm.cfg, sm.resolver, sm.metrics, sm.log, sm.serverInfo(info.Transport), func() {
		sm.remove(id)
	})
	sm.sessions[id] = sess
	sm.mu.Unlock()

	sm.metrics.Inc(metrics.SessionsOpened)
	sm.log.Info("session_opened", "session_id", id, "remote_addr", info.RemoteAddr, "transport", info.Transport)
	sess.start()
	return sess, nil
}

func (sm *SessionManager) serverInfo(transport string) protocol.ServerInfo {
	return protocol.ServerInfo{
		Version:        ServerVersion,
		MaxConnections: sm.cfg.MaxSessions,
		Transport:      transport,
		DeploymentMode: sm.cfg.DeploymentMode.String(),
	}
}

func (sm *SessionManager) remove(id string) {
	sm.mu.Lock()
	_, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		sm.metrics.Inc(metrics.SessionsClosed)
	}
}

func (sm *SessionManager) Lookup(id string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess, ok := sm.sessions[id]
	return sess, ok
}

// Dispatch routes a raw control message to the session with the given id.
func (sm *SessionManager) Dispatch(id string, raw []byte) error {
	sess, ok := sm.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.Deliver(raw)
}

// Close starts closing the session with the given id.
func (sm *SessionManager) Close(id string) error {
	sess, ok := sm.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	sess.Close()
	return nil
}

func (sm *SessionManager) ActiveSessions() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Snapshot lists every live session, oldest first.
func (sm *SessionManager) Snapshot() []SessionInfo {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SendToClient sends data from the session's UDP endpoint towards the client
// (see Session.SendToClient).
func (sm *SessionManager) SendToClient(ctx context.Context, id string, data []byte) (SendToClientResult, error) {
	sess, ok := sm.Lookup(id)
	if !ok {
		return SendToClientResult{}, ErrSessionNotFound
	}
	sm.metrics.Inc(metrics.SendToClientRequests)
	return sess.SendToClient(ctx, data)
}

// Shutdown refuses new sessions, closes every live session with 1001
// "Server shutdown" and waits for them to finish or ctx to end.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.shuttingDown = true
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.Unlock()

	sm.log.Info("sessions_shutdown", "sessions", len(sessions))
	for _, sess := range sessions {
		sess.CloseWithReason(websocket.CloseGoingAway, "Server shutdown")
	}
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
