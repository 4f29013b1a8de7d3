package webrtcpeer

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/relay"
)

const (
	// DataChannelLabelControl is the label of the DataChannel that carries the
	// relay's JSON control protocol. It must be ordered and reliable.
	DataChannelLabelControl = "control"

	TransportWebRTC = "webrtc"
)

type Config struct {
	// API constructs the PeerConnection. Use NewAPI so SettingEngine
	// restrictions apply. Nil means a default pion API.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	Sessions *relay.SessionManager

	// MaxMessageBytes closes the session on a larger control message. Zero
	// disables the check.
	MaxMessageBytes int

	Logger *slog.Logger
}

// Peer owns a server-side PeerConnection whose "control" DataChannel is the
// control channel of one relay session.
type Peer struct {
	pc      *webrtc.PeerConnection
	cfg     Config
	info    relay.ConnInfo
	log     *slog.Logger
	metrics *metrics.Metrics
	onClose func()

	mu   sync.Mutex
	sess *relay.Session
	dc   *webrtc.DataChannel

	closeOnce sync.Once
	done      chan struct{}
}

// NewPeer creates the PeerConnection. The relay session starts once the
// client's control DataChannel opens. onClose runs once after Close.
func NewPeer(cfg Config, info relay.ConnInfo, onClose func()) (*Peer, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("webrtcpeer: session manager not configured")
	}
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	info.Transport = TransportWebRTC
	p := &Peer{
		pc:      pc,
		cfg:     cfg,
		info:    info,
		log:     logger.With("remote_addr", info.RemoteAddr),
		metrics: cfg.Sessions.Metrics(),
		onClose: onClose,
		done:    make(chan struct{}),
	}

	pc.OnDataChannel(p.handleDataChannel)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go func() { _ = p.Close() }()
		}
	})
	return p, nil
}

func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

// Done is closed once the peer has been closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Session returns the relay session, or nil before the control channel opened.
func (p *Peer) Session() *relay.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

func (p *Peer) handleDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != DataChannelLabelControl {
		p.log.Debug("datachannel_rejected", "label", dc.Label(), "reason", "unknown_label")
		_ = dc.Close()
		return
	}
	if err := validateControlDataChannel(dc); err != nil {
		p.log.Warn("datachannel_rejected", "label", dc.Label(), "err", err)
		_ = dc.Close()
		return
	}

	p.mu.Lock()
	if p.dc != nil {
		p.mu.Unlock()
		p.log.Warn("datachannel_rejected", "label", dc.Label(), "reason", "duplicate")
		_ = dc.Close()
		return
	}
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() { p.openSession(dc) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		sess := p.Session()
		if sess == nil {
			return
		}
		if p.cfg.MaxMessageBytes > 0 && len(msg.Data) > p.cfg.MaxMessageBytes {
			p.metrics.Inc(metrics.ControlMessagesOversized)
			sess.CloseWithReason(websocket.CloseMessageTooBig, "message too big")
			return
		}
		// pion reuses its read buffer.
		raw := append([]byte(nil), msg.Data...)
		_ = sess.Deliver(raw)
	})
	dc.OnClose(func() {
		if sess := p.Session(); sess != nil {
			sess.Close()
		}
		go func() { _ = p.Close() }()
	})
}

func (p *Peer) openSession(dc *webrtc.DataChannel) {
	select {
	case <-p.done:
		return
	default:
	}

	sess, err := p.cfg.Sessions.Open(&dataChannelControl{dc: dc, peer: p}, p.info)
	if err != nil {
		p.log.Warn("webrtc_session_rejected", "err", err)
		go func() { _ = p.Close() }()
		return
	}
	p.metrics.Inc(metrics.ControlChannelWebRTC)

	p.mu.Lock()
	p.sess = sess
	p.mu.Unlock()

	go func() {
		select {
		case <-sess.Done():
			_ = p.Close()
		case <-p.done:
		}
	}()
}

// Close ends the relay session (if any) and the PeerConnection.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if sess := p.Session(); sess != nil {
			sess.Close()
		}
		err = p.pc.Close()
		if p.onClose != nil {
			p.onClose()
		}
		close(p.done)
	})
	return err
}

func validateControlDataChannel(dc *webrtc.DataChannel) error {
	// Control messages are a request/response stream and must arrive intact
	// and in order.
	if !dc.Ordered() {
		return errors.New("control datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil || dc.MaxRetransmits() != nil {
		return errors.New("control datachannel must be fully reliable (maxRetransmits/maxPacketLifeTime must be unset)")
	}
	return nil
}

// dataChannelControl adapts a DataChannel to relay.ControlChannel.
// DataChannels have no close code, so code and reason are only logged.
type dataChannelControl struct {
	dc   *webrtc.DataChannel
	peer *Peer

	closeOnce sync.Once
}

func (c *dataChannelControl) Send(msg []byte) error {
	return c.dc.SendText(string(msg))
}

func (c *dataChannelControl) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.peer.log.Debug("control_datachannel_closing", "code", code, "reason", reason)
		_ = c.dc.Close()
		// Tear the PeerConnection down off the session goroutine so pion
		// callbacks never wait on relay cleanup.
		go func() { _ = c.peer.Close() }()
	})
	return nil
}
