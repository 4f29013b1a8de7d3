package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/resolver"
)

// State is a session's position in its UDP lifecycle.
type State int32

const (
	StateOpen State = iota
	StateUDPBinding
	StateUDPReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateUDPBinding:
		return "udp_binding"
	case StateUDPReady:
		return "udp_ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ControlChannel is the client connection a session talks over.
type ControlChannel interface {
	// Send writes one encoded control message. Calls are serialized by the
	// session.
	Send(msg []byte) error
	// Close tears the connection down. code uses WebSocket close codes.
	Close(code int, reason string) error
}

// AddressResolver turns a bound wildcard address into one the client can
// advertise. *resolver.Resolver implements it.
type AddressResolver interface {
	ResolveVisibleAddress(ctx context.Context, bound netip.Addr, hostHint string) string
}

// ConnInfo describes the control-channel connection behind a session.
type ConnInfo struct {
	RemoteAddr string
	// HostHint is the host the client used to reach the relay (HTTP Host).
	HostHint  string
	Transport string
}

// SessionInfo is a point-in-time view of a session for listings.
type SessionInfo struct {
	ID                string
	RemoteAddress     string
	Transport         string
	State             State
	ConnectedAt       time.Time
	HasUDP            bool
	ClientLocalIP     string
	ClientLocalPort   int
	BoundAddress      netip.AddrPort
	LastRemoteAddress netip.AddrPort
}

// SendToClientResult reports a udp_send_to_client datagram.
type SendToClientResult struct {
	BytesSent int
	Target    netip.AddrPort
}

type requestEvent struct {
	raw     []byte
	limited bool
}

type injectEvent struct {
	data  []byte
	reply chan injectResult
}

type injectResult struct {
	SendToClientResult
	err error
}

type boundEvent struct {
	gen     uint64
	ep      *Endpoint
	target  netip.AddrPort
	bound   netip.AddrPort
	visible string
	err     error
}

type datagramEvent struct {
	ep      *Endpoint
	payload []byte
	from    netip.AddrPort
}

// peerResolvedEvent completes a udp_send whose remoteAddress is a hostname.
type peerResolvedEvent struct {
	ep  *Endpoint
	req protocol.Request
	dst netip.AddrPort
	err error
}

// sessionView holds the fields readable from outside the event loop.
type sessionView struct {
	requestedIP   string
	requestedPort int
	bound         netip.AddrPort
	lastRemote    netip.AddrPort
}

// Session is one client's relay state. All protocol handling happens on a
// single event loop goroutine, which also exclusively owns the UDP Endpoint.
type Session struct {
	id         string
	cfg        Config
	ch         ControlChannel
	conn       ConnInfo
	createdAt  time.Time
	serverInfo protocol.ServerInfo
	log        *slog.Logger
	metrics    *metrics.Metrics
	resolver   AddressResolver

	events  chan any
	out     *outbox
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string
	done        chan struct{}
	onClose     func()

	state atomic.Int32

	// Event loop only.
	endpoint  *Endpoint
	bindGen   uint64
	resolving bool
	pending   []any

	viewMu sync.Mutex
	view   sessionView
}

const sessionEventBuffer = 256

func newSession(id string, ch ControlChannel, conn ConnInfo, cfg Config, res AddressResolver, m *metrics.Metrics, logger *slog.Logger, info protocol.ServerInfo, onClose func()) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		cfg:        cfg,
		ch:         ch,
		conn:       conn,
		createdAt:  time.Now(),
		serverInfo: info,
		log:        logger.With("session_id", id),
		metrics:    m,
		resolver:   res,
		events:     make(chan any, sessionEventBuffer),
		ctx:        ctx,
		cancel:     cancel,
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		onClose:    onClose,
	}
	s.out = newOutbox(cfg.ControlSendQueueBytes, func(size int) {
		m.Inc(metrics.ControlMessagesDropped)
		s.log.Debug("control_message_dropped", "bytes", size)
	})
	if n := cfg.MaxControlMessagesPerSecond; n > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(n), n)
	}
	return s
}

// start sends the welcome message and launches the event and writer loops.
func (s *Session) start() {
	s.emit(protocol.Welcome{
		Type:       protocol.TypeWelcome,
		ClientID:   s.id,
		ServerInfo: s.serverInfo,
		Timestamp:  s.nowMillis(),
	})
	go s.writeLoop()
	go s.run()
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has fully shut down: its endpoint is
// closed, its control channel is closed and it has left the registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session with a normal closure. It does not wait; use Done.
func (s *Session) Close() {
	s.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason ends the session, reporting code and reason to the client
// where the transport supports it. Only the first close takes effect.
func (s *Session) CloseWithReason(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.closing)
	})
}

// Deliver queues one raw control message for in-order processing. It blocks
// while the session's event buffer is full and returns ErrSessionClosed once
// the session is closing. raw must not be modified after the call.
func (s *Session) Deliver(raw []byte) error {
	ev := requestEvent{raw: raw}
	if s.limiter != nil && !s.limiter.Allow() {
		ev.limited = true
	}
	if !s.post(ev) {
		return ErrSessionClosed
	}
	s.metrics.Inc(metrics.ControlMessagesIn)
	return nil
}

// SendToClient injects a udp_send_to_client request into the session's
// stream and waits for its outcome. The client also receives the usual
// udp_sent_to_client or error message.
func (s *Session) SendToClient(ctx context.Context, data []byte) (SendToClientResult, error) {
	reply := make(chan injectResult, 1)
	if !s.post(injectEvent{data: data, reply: reply}) {
		return SendToClientResult{}, ErrSessionClosed
	}
	select {
	case res := <-reply:
		return res.SendToClientResult, res.err
	case <-s.done:
		select {
		case res := <-reply:
			return res.SendToClientResult, res.err
		default:
			return SendToClientResult{}, ErrSessionClosed
		}
	case <-ctx.Done():
		return SendToClientResult{}, ctx.Err()
	}
}

func (s *Session) Info() SessionInfo {
	s.viewMu.Lock()
	v := s.view
	s.viewMu.Unlock()

	st := s.State()
	return SessionInfo{
		ID:                s.id,
		RemoteAddress:     s.conn.RemoteAddr,
		Transport:         s.conn.Transport,
		State:             st,
		ConnectedAt:       s.createdAt,
		HasUDP:            st == StateUDPBinding || st == StateUDPReady,
		ClientLocalIP:     v.requestedIP,
		ClientLocalPort:   v.requestedPort,
		BoundAddress:      v.bound,
		LastRemoteAddress: v.lastRemote,
	}
}

func (s *Session) post(ev any) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.closing:
		return false
	}
}

func (s *Session) run() {
	defer s.finish()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Inc(metrics.SessionPanics)
			s.log.Error("session_panic", "panic", r, "stack", string(debug.Stack()))
			s.CloseWithReason(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-s.closing:
			return
		case <-idle.C:
			s.metrics.Inc(metrics.SessionIdleTimeouts)
			s.log.Info("session_idle_timeout", "idle_timeout", s.cfg.IdleTimeout)
			s.CloseWithReason(websocket.CloseNormalClosure, "idle timeout")
			return
		case ev := <-s.events:
			if _, ok := ev.(requestEvent); ok {
				resetTimer(idle, s.cfg.IdleTimeout)
			}
			s.handle(ev)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (s *Session) finish() {
	s.CloseWithReason(websocket.CloseNormalClosure, "")
	s.cancel()
	if s.endpoint != nil {
		_ = s.endpoint.Close()
		s.endpoint = nil
	}
	s.state.Store(int32(StateClosed))
	s.out.Discard()
	_ = s.ch.Close(s.closeCode, s.closeReason)
	if s.onClose != nil {
		s.onClose()
	}
	s.log.Info("session_closed", "code", s.closeCode, "reason", s.closeReason, "duration", time.Since(s.createdAt))
	close(s.done)
}

func (s *Session) writeLoop() {
	for {
		msg, ok := s.out.Pop()
		if !ok {
			return
		}
		if err := s.ch.Send(msg); err != nil {
			s.log.Debug("control_send_failed", "err", err)
			s.out.Discard()
			s.Close()
			return
		}
		s.metrics.Inc(metrics.ControlMessagesOut)
	}
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case requestEvent, injectEvent:
		if s.waiting() {
			s.deferRequest(ev)
			return
		}
		s.process(ev)
	case boundEvent:
		s.handleBound(ev)
	case peerResolvedEvent:
		s.handlePeerResolved(ev)
	case datagramEvent:
		// The socket is readable as soon as Bind returns, which is before the
		// visible address lookup finishes and udp_connected goes out. Anything
		// already parked keeps datagrams behind it in order.
		if ev.ep == s.endpoint && (s.State() == StateUDPBinding || len(s.pending) > 0) {
			s.deferDatagram(ev)
			return
		}
		s.handleDatagram(ev)
	}
}

// waiting reports whether an asynchronous step (bind or hostname lookup) is
// in flight. Requests wait behind it so they are handled in arrival order.
func (s *Session) waiting() bool {
	return s.State() == StateUDPBinding || s.resolving
}

// deferRequest parks a request until the in-flight step completes so it can
// be evaluated against its outcome.
func (s *Session) deferRequest(ev any) {
	if len(s.pending) >= s.cfg.MaxPendingRequests {
		s.reject(ev, &protocol.Error{Kind: protocol.KindRateLimited, Message: protocol.MsgTooManyPending})
		return
	}
	s.pending = append(s.pending, ev)
}

func (s *Session) deferDatagram(ev datagramEvent) {
	if len(s.pending) >= s.cfg.MaxPendingRequests {
		s.metrics.Inc(metrics.UDPDatagramsDroppedNotBound)
		return
	}
	s.pending = append(s.pending, ev)
}

func (s *Session) replayPending() {
	for len(s.pending) > 0 && !s.waiting() {
		ev := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.process(ev)
	}
}

func (s *Session) reject(ev any, err *protocol.Error) {
	s.emitError(err)
	if inj, ok := ev.(injectEvent); ok {
		inj.reply <- injectResult{err: err}
	}
}

func (s *Session) process(ev any) {
	switch ev := ev.(type) {
	case requestEvent:
		if ev.limited {
			s.metrics.Inc(metrics.ControlMessagesRateLimited)
			s.emitError(&protocol.Error{Kind: protocol.KindRateLimited, Message: protocol.MsgRateLimited})
			return
		}
		req, err := protocol.DecodeRequest(ev.raw)
		if err != nil {
			s.emitError(err)
			return
		}
		s.handleRequest(req)
	case injectEvent:
		res, err := s.sendToClient(ev.data)
		ev.reply <- injectResult{SendToClientResult: res, err: err}
	case datagramEvent:
		s.handleDatagram(ev)
	}
}

func (s *Session) handleRequest(req protocol.Request) {
	switch req.Type {
	case protocol.TypeUDPConnect:
		s.handleConnect(req)
	case protocol.TypeUDPSend:
		s.handleSend(req)
	case protocol.TypeUDPDisconnect:
		s.handleDisconnect()
	case protocol.TypeUDPSendToClient:
		_, _ = s.sendToClient(req.Data)
	case protocol.TypePing:
		s.emit(protocol.Pong{Type: protocol.TypePong, Timestamp: s.nowMillis()})
	default:
		s.emitError(protocol.UnknownTypeError(req.Type))
	}
}

func (s *Session) handleConnect(req protocol.Request) {
	if s.endpoint != nil {
		s.emitError(protocol.NewProtocolError(protocol.MsgAlreadyConnected, nil))
		return
	}
	ip, port := req.ConnectTarget()
	if !port.Valid() {
		s.emitError(protocol.NewProtocolError(fmt.Sprintf("%s: %d", protocol.MsgInvalidLocalPort, port), nil))
		return
	}
	target := resolver.DecideBindTarget(ip, uint16(port), s.cfg.DeploymentMode)

	s.updateView(func(v *sessionView) {
		v.requestedIP = ip
		v.requestedPort = int(port)
	})

	ep := NewEndpoint(s.cfg.UDPReadBufferBytes, s.cfg.UDPWriteTimeout)
	ep.OnReceive(func(payload []byte, from netip.AddrPort) {
		s.post(datagramEvent{ep: ep, payload: payload, from: from})
	})
	s.endpoint = ep
	s.bindGen++
	gen := s.bindGen
	s.state.Store(int32(StateUDPBinding))
	s.log.Debug("udp_bind_started", "requested_ip", ip, "requested_port", int(port), "bind_addr", target.String(), "deployment_mode", s.cfg.DeploymentMode.String())

	go func() {
		ev := boundEvent{gen: gen, ep: ep, target: target}
		ev.bound, ev.err = ep.Bind(s.ctx, target)
		if ev.err == nil {
			ev.visible = s.visibleAddress(ev.bound)
		}
		if !s.post(ev) {
			_ = ep.Close()
		}
	}()
}

func (s *Session) visibleAddress(bound netip.AddrPort) string {
	if s.resolver != nil {
		return s.resolver.ResolveVisibleAddress(s.ctx, bound.Addr(), s.conn.HostHint)
	}
	if bound.Addr().IsUnspecified() {
		return "127.0.0.1"
	}
	return bound.Addr().String()
}

func (s *Session) handleBound(ev boundEvent) {
	if ev.gen != s.bindGen || ev.ep != s.endpoint {
		_ = ev.ep.Close()
		return
	}

	if ev.err != nil {
		_ = ev.ep.Close()
		s.endpoint = nil
		s.state.Store(int32(StateOpen))
		s.metrics.Inc(metrics.UDPBindErrors)
		s.log.Warn("udp_bind_failed", "bind_addr", ev.target.String(), "err", ev.err)
		s.emitError(protocol.NewCategorizedError(protocol.KindBind, classifyBindError(ev.err), protocol.MsgConnectFailedLabel, ev.err))
		s.replayPending()
		return
	}

	s.state.Store(int32(StateUDPReady))
	var v sessionView
	s.updateView(func(sv *sessionView) {
		sv.bound = ev.bound
		v = *sv
	})
	s.metrics.Inc(metrics.UDPBinds)
	s.log.Info("udp_bound", "bound_addr", ev.bound.String(), "visible_addr", ev.visible)

	s.emit(protocol.UDPConnected{
		Type:              protocol.TypeUDPConnected,
		LocalAddress:      ev.visible,
		LocalPort:         int(ev.bound.Port()),
		RequestedIP:       v.requestedIP,
		RequestedPort:     v.requestedPort,
		ServerBindAddress: ev.bound.Addr().String(),
		ServerBindPort:    int(ev.bound.Port()),
		Timestamp:         s.nowMillis(),
	})
	s.replayPending()
}

func (s *Session) handleSend(req protocol.Request) {
	if s.State() != StateUDPReady {
		s.emitError(protocol.NewProtocolError(protocol.MsgNotConnected, nil))
		return
	}
	host := strings.TrimSpace(req.RemoteAddress)
	if host == "" || req.RemotePort <= 0 || !req.RemotePort.Valid() {
		s.emitError(protocol.NewProtocolError(fmt.Sprintf("%s: %s:%d", protocol.MsgInvalidRemotePeer, req.RemoteAddress, req.RemotePort), nil))
		return
	}
	if len(req.Data) == 0 {
		s.emitError(protocol.NewProtocolError(protocol.MsgNoData, nil))
		return
	}

	port := uint16(req.RemotePort)
	if ip, err := netip.ParseAddr(host); err == nil {
		s.sendDatagram(req, netip.AddrPortFrom(ip.Unmap(), port))
		return
	}

	// Hostnames resolve off the event loop so close and idle signals are still
	// handled; later requests wait in pending until the lookup completes.
	s.resolving = true
	ep := s.endpoint
	network := "ip"
	if ep.LocalAddr().Addr().Is4() {
		network = "ip4"
	}
	go func() {
		ev := peerResolvedEvent{ep: ep, req: req}
		ev.dst, ev.err = lookupPeer(s.ctx, network, host, port, s.cfg.DNSTimeout)
		s.post(ev)
	}()
}

func (s *Session) handlePeerResolved(ev peerResolvedEvent) {
	s.resolving = false
	defer s.replayPending()

	if ev.ep != s.endpoint || s.State() != StateUDPReady {
		s.emitError(protocol.NewProtocolError(protocol.MsgNotConnected, nil))
		return
	}
	if ev.err != nil {
		s.sendFailed(protocol.MsgSendFailedLabel, ev.err)
		return
	}
	s.sendDatagram(ev.req, ev.dst)
}

func (s *Session) sendDatagram(req protocol.Request, dst netip.AddrPort) {
	n, err := s.endpoint.Send(req.Data, dst)
	if err != nil {
		s.sendFailed(protocol.MsgSendFailedLabel, err)
		return
	}
	s.noteRemote(dst)
	s.metrics.Inc(metrics.UDPDatagramsOut)
	s.metrics.Add(metrics.UDPBytesOut, uint64(n))

	s.emit(protocol.UDPSent{
		Type:          protocol.TypeUDPSent,
		BytesSent:     n,
		RemoteAddress: req.RemoteAddress,
		RemotePort:    int(req.RemotePort),
		Timestamp:     s.nowMillis(),
	})
}

func lookupPeer(ctx context.Context, network, host string, port uint16, timeout time.Duration) (netip.AddrPort, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return netip.AddrPortFrom(ips[0].Unmap(), port), nil
}

func (s *Session) sendFailed(label string, err error) *protocol.Error {
	s.metrics.Inc(metrics.UDPSendErrors)
	s.log.Debug("udp_send_failed", "err", err)
	perr := protocol.NewCategorizedError(protocol.KindSend, classifySendError(err), label, err)
	s.emitError(perr)
	return perr
}

func (s *Session) handleDisconnect() {
	if s.endpoint != nil {
		_ = s.endpoint.Close()
		s.endpoint = nil
		s.metrics.Inc(metrics.UDPDisconnects)
		s.log.Info("udp_disconnected")
	}
	s.state.Store(int32(StateOpen))
	s.updateView(func(v *sessionView) { v.bound = netip.AddrPort{} })
	s.emit(protocol.UDPDisconnected{Type: protocol.TypeUDPDisconnected, Timestamp: s.nowMillis()})
}

func (s *Session) sendToClient(data []byte) (SendToClientResult, error) {
	if s.State() != StateUDPReady {
		err := protocol.NewProtocolError(protocol.MsgNotConnected, nil)
		s.emitError(err)
		return SendToClientResult{}, err
	}
	if len(data) == 0 {
		err := protocol.NewProtocolError(protocol.MsgNoDataToClient, nil)
		s.emitError(err)
		return SendToClientResult{}, err
	}

	target := s.sendToClientTarget()
	n, err := s.endpoint.Send(data, target)
	if err != nil {
		return SendToClientResult{Target: target}, s.sendFailed(protocol.MsgSendToClientLabel, err)
	}
	s.noteRemote(target)
	s.metrics.Inc(metrics.UDPDatagramsOut)
	s.metrics.Add(metrics.UDPBytesOut, uint64(n))

	s.emit(protocol.UDPSentToClient{
		Type:          protocol.TypeUDPSentToClient,
		BytesSent:     n,
		TargetAddress: target.Addr().String(),
		TargetPort:    int(target.Port()),
		Timestamp:     s.nowMillis(),
	})
	return SendToClientResult{BytesSent: n, Target: target}, nil
}

// sendToClientTarget is the last peer seen, or else the client's requested
// local address with wildcard and zero values replaced by loopback and the
// configured default port.
func (s *Session) sendToClientTarget() netip.AddrPort {
	s.viewMu.Lock()
	v := s.view
	s.viewMu.Unlock()

	if v.lastRemote.IsValid() {
		return v.lastRemote
	}
	ip, err := netip.ParseAddr(v.requestedIP)
	if err != nil || ip.IsUnspecified() {
		ip = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	port := uint16(v.requestedPort)
	if port == 0 {
		port = s.cfg.SendToClientDefaultPort
	}
	return netip.AddrPortFrom(ip.Unmap(), port)
}

func (s *Session) handleDatagram(ev datagramEvent) {
	if ev.ep != s.endpoint || s.State() != StateUDPReady {
		s.metrics.Inc(metrics.UDPDatagramsDroppedNotBound)
		return
	}
	s.noteRemote(ev.from)
	s.metrics.Inc(metrics.UDPDatagramsIn)
	s.metrics.Add(metrics.UDPBytesIn, uint64(len(ev.payload)))

	s.emit(protocol.UDPData{
		Type:          protocol.TypeUDPData,
		Data:          ev.payload,
		RemoteAddress: ev.from.Addr().String(),
		RemotePort:    int(ev.from.Port()),
		Timestamp:     s.nowMillis(),
	})
}

func (s *Session) noteRemote(addr netip.AddrPort) {
	s.updateView(func(v *sessionView) { v.lastRemote = addr })
}

func (s *Session) updateView(fn func(v *sessionView)) {
	s.viewMu.Lock()
	fn(&s.view)
	s.viewMu.Unlock()
}

func (s *Session) emit(msg any) {
	b, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("control_message_encode_failed", "err", err)
		return
	}
	s.out.Push(b)
}

func (s *Session) emitError(err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = &protocol.Error{Kind: protocol.KindProtocol, Message: err.Error(), Err: err}
	}
	if perr.Kind == protocol.KindProtocol {
		s.metrics.Inc(metrics.ProtocolErrors)
	}
	s.emit(perr.Wire(time.Now()))
}

func (s *Session) nowMillis() int64 {
	return protocol.Millis(time.Now())
}
