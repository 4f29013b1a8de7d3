package relay

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/origin"
)

const (
	wsWriteWait = 5 * time.Second

	TransportWebSocket = "websocket"
)

type WebSocketConfig struct {
	Origins         *origin.Policy
	MaxMessageBytes int64
	// PingInterval enables keep-alive pings. The connection is dropped when
	// nothing (pong or message) arrives for two intervals.
	PingInterval time.Duration
}

// WebSocketServer accepts WebSocket control channels. Each text or binary
// message carries one JSON control message.
type WebSocketServer struct {
	cfg      WebSocketConfig
	sessions *SessionManager
	metrics  *metrics.Metrics
	log      *slog.Logger

	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg WebSocketConfig, sessions *SessionManager, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := &WebSocketServer{
		cfg:      cfg,
		sessions: sessions,
		metrics:  sessions.Metrics(),
		log:      logger,
	}
	srv.upgrader.CheckOrigin = srv.checkOrigin
	return srv
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if s.cfg.Origins.Allows(r) {
		return true
	}
	s.metrics.Inc(metrics.OriginRejected)
	s.log.Warn("origin_rejected", "origin", r.Header.Get("Origin"), "remote_addr", r.RemoteAddr)
	return false
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := &wsControlChannel{conn: conn}

	sess, err := s.sessions.Open(ch, ConnInfo{
		RemoteAddr: r.RemoteAddr,
		HostHint:   r.Host,
		Transport:  TransportWebSocket,
	})
	switch {
	case errors.Is(err, ErrTooManySessions):
		_ = ch.Close(websocket.CloseTryAgainLater, "too many sessions")
		return
	case errors.Is(err, ErrShuttingDown):
		_ = ch.Close(websocket.CloseGoingAway, "Server shutdown")
		return
	case err != nil:
		s.log.Error("session_open_failed", "err", err)
		_ = ch.Close(websocket.CloseInternalServerErr, "internal error")
		return
	}
	s.metrics.Inc(metrics.ControlChannelWebSocket)

	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	extendDeadline := func() {}
	if s.cfg.PingInterval > 0 {
		wait := 2 * s.cfg.PingInterval
		extendDeadline = func() { _ = conn.SetReadDeadline(time.Now().Add(wait)) }
		extendDeadline()
		conn.SetPongHandler(func(string) error {
			extendDeadline()
			return nil
		})
		go ch.pingLoop(s.cfg.PingInterval, sess.Done())
	}

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.Inc(metrics.ControlMessagesOversized)
				sess.CloseWithReason(websocket.CloseMessageTooBig, "message too big")
			} else {
				sess.Close()
			}
			break
		}
		extendDeadline()
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := sess.Deliver(msg); err != nil {
			break
		}
	}
	<-sess.Done()
}

// wsControlChannel adapts a gorilla connection to ControlChannel.
type wsControlChannel struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsControlChannel) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsControlChannel) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		err = c.conn.Close()
	})
	return err
}

func (c *wsControlChannel) pingLoop(interval time.Duration, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
