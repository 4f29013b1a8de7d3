package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/webrtcpeer"
)

const maxOfferBodyBytes = 2 << 20

type Config struct {
	Sessions *relay.SessionManager

	// WebRTC is the server-side pion API. Use webrtcpeer.NewAPI so
	// SettingEngine restrictions apply.
	WebRTC     *webrtc.API
	ICEServers []webrtc.ICEServer

	Origins *origin.Policy

	// ICEGatheringTimeout bounds how long an offer waits for candidate
	// gathering before the answer is returned as-is.
	ICEGatheringTimeout time.Duration

	MaxMessageBytes int
	Logger          *slog.Logger
}

// Server implements POST /webrtc/offer.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	peers map[*webrtcpeer.Peer]struct{}
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var m *metrics.Metrics
	if cfg.Sessions != nil {
		m = cfg.Sessions.Metrics()
	}
	return &Server{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		peers:   make(map[*webrtcpeer.Peer]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("GET /webrtc/ice", s.handleICEServers)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close tears down every PeerConnection created by the server.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*webrtcpeer.Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[*webrtcpeer.Peer]struct{})
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
}

// ActivePeers reports PeerConnections that have not closed yet, including
// ones whose control channel has not opened.
func (s *Server) ActivePeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) track(p *webrtcpeer.Peer) {
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(p *webrtcpeer.Peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

func (s *Server) iceGatheringTimeout() time.Duration {
	if s.cfg.ICEGatheringTimeout <= 0 {
		return 2 * time.Second
	}
	return s.cfg.ICEGatheringTimeout
}

// handleICEServers returns the ICE servers a browser should pass to its
// RTCPeerConnection before creating an offer.
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Origins.Allows(r) {
		s.metrics.Inc(metrics.OriginRejected)
		writeJSONError(w, http.StatusForbidden, "forbidden", "origin not allowed")
		return
	}
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebRTC == nil || s.cfg.Sessions == nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "webrtc api not configured")
		return
	}
	s.metrics.Inc(metrics.WebRTCOffers)

	if !s.cfg.Origins.Allows(r) {
		s.metrics.Inc(metrics.OriginRejected)
		s.log.Warn("origin_rejected", "origin", r.Header.Get("Origin"), "remote_addr", r.RemoteAddr)
		writeJSONError(w, http.StatusForbidden, "forbidden", "origin not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferBodyBytes))
	if err != nil {
		s.offerFailed(w, http.StatusBadRequest, "bad_message", err.Error())
		return
	}
	offerWire, err := parseHTTPOfferRequest(body)
	if err != nil {
		s.offerFailed(w, http.StatusBadRequest, "bad_message", err.Error())
		return
	}
	offer, err := offerWire.ToPion()
	if err != nil {
		s.offerFailed(w, http.StatusBadRequest, "bad_message", err.Error())
		return
	}
	if offer.Type != webrtc.SDPTypeOffer {
		s.offerFailed(w, http.StatusBadRequest, "bad_message", "sdp.type must be \"offer\"")
		return
	}

	// The relay session is only opened once the DataChannel is up; refuse
	// early when it would be rejected anyway.
	if limit := s.cfg.Sessions.Config().MaxSessions; limit > 0 && s.cfg.Sessions.ActiveSessions() >= limit {
		s.offerFailed(w, http.StatusServiceUnavailable, "too_many_sessions", "too many sessions")
		return
	}

	var peer *webrtcpeer.Peer
	peer, err = webrtcpeer.NewPeer(webrtcpeer.Config{
		API:             s.cfg.WebRTC,
		ICEServers:      s.cfg.ICEServers,
		Sessions:        s.cfg.Sessions,
		MaxMessageBytes: s.cfg.MaxMessageBytes,
		Logger:          s.log,
	}, relay.ConnInfo{
		RemoteAddr: r.RemoteAddr,
		HostHint:   r.Host,
	}, func() {
		s.untrack(peer)
	})
	if err != nil {
		s.offerFailed(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.track(peer)

	pc := peer.PeerConnection()
	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = peer.Close()
		s.offerFailed(w, http.StatusBadRequest, "bad_message", err.Error())
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = peer.Close()
		s.offerFailed(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = peer.Close()
		s.offerFailed(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), s.iceGatheringTimeout())
	defer cancel()
	select {
	case <-gatherComplete:
	case <-waitCtx.Done():
		s.log.Debug("ice_gathering_timeout", "timeout", s.iceGatheringTimeout())
	}

	local := pc.LocalDescription()
	if local == nil {
		_ = peer.Close()
		s.offerFailed(w, http.StatusInternalServerError, "internal_error", "missing local description")
		return
	}

	s.log.Info("webrtc_offer_answered", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, httpOfferResponse{SDP: SDPFromPion(*local)})
}

func (s *Server) offerFailed(w http.ResponseWriter, status int, code, message string) {
	s.metrics.Inc(metrics.WebRTCOfferErrors)
	if status >= http.StatusInternalServerError {
		s.log.Error("webrtc_offer_failed", "code", code, "err", message)
	} else {
		s.log.Debug("webrtc_offer_rejected", "code", code, "err", message)
	}
	writeJSONError(w, status, code, message)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}
