package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/relay"
)

const (
	defaultSendToClientMessage = "Hello from server"
	sendToClientTimeout        = 5 * time.Second
	maxSendToClientBodyBytes   = 1 << 20
)

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	if s.deps.WebSocket != nil {
		s.mux.Handle("GET /ws", s.deps.WebSocket)
	}

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil && s.cfg.WebRTCEnabled {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /clients", s.handleClients)
	s.mux.HandleFunc("POST /send-to-client/{id}", s.handleSendToClient)
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))

	if s.deps.Signaling != nil {
		s.deps.Signaling.RegisterRoutes(s.mux)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) && s.deps.WebSocket != nil {
		s.deps.WebSocket.ServeHTTP(w, r)
		return
	}
	s.renderInfoPage(w, r)
}

type statusResponse struct {
	Status         string  `json:"status"`
	Connections    int     `json:"connections"`
	Uptime         float64 `json:"uptime"`
	Environment    string  `json:"environment"`
	Version        string  `json:"version"`
	DeploymentMode string  `json:"deploymentMode"`
	WebRTC         bool    `json:"webrtc"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, statusResponse{
		Status:         "running",
		Connections:    s.deps.Sessions.ActiveSessions(),
		Uptime:         s.deps.Sessions.Uptime().Seconds(),
		Environment:    s.cfg.Mode.EnvironmentName(),
		Version:        s.build.Version,
		DeploymentMode: s.deps.Sessions.Config().DeploymentMode.String(),
		WebRTC:         s.deps.Signaling != nil,
	})
}

type clientView struct {
	ID                string    `json:"id"`
	RemoteAddress     string    `json:"remoteAddress"`
	ClientLocalIP     *string   `json:"clientLocalIP"`
	ClientLocalPort   *int      `json:"clientLocalPort"`
	ConnectedAt       time.Time `json:"connectedAt"`
	HasUDP            bool      `json:"hasUDP"`
	Transport         string    `json:"transport"`
	State             string    `json:"state"`
	BoundAddress      string    `json:"boundAddress,omitempty"`
	LastRemoteAddress string    `json:"lastRemoteAddress,omitempty"`
}

func newClientView(info relay.SessionInfo) clientView {
	v := clientView{
		ID:            info.ID,
		RemoteAddress: info.RemoteAddress,
		ConnectedAt:   info.ConnectedAt.UTC(),
		HasUDP:        info.HasUDP,
		Transport:     info.Transport,
		State:         info.State.String(),
	}
	if info.HasUDP {
		ip, port := info.ClientLocalIP, info.ClientLocalPort
		v.ClientLocalIP = &ip
		v.ClientLocalPort = &port
	}
	if info.BoundAddress.IsValid() {
		v.BoundAddress = info.BoundAddress.String()
	}
	if info.LastRemoteAddress.IsValid() {
		v.LastRemoteAddress = info.LastRemoteAddress.String()
	}
	return v
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Sessions.Snapshot()
	clients := make([]clientView, 0, len(snap))
	for _, info := range snap {
		clients = append(clients, newClientView(info))
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"clients":      clients,
		"totalClients": len(clients),
	})
}

type sendToClientRequest struct {
	Data    *protocol.Bytes `json:"data"`
	Message *string         `json:"message"`
}

func (s *Server) handleSendToClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Sessions.Lookup(id); !ok {
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "Client not found"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSendToClientBodyBytes))
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON data"})
		return
	}
	var req sendToClientRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON data"})
			return
		}
	}

	var payload []byte
	switch {
	case req.Data != nil:
		payload = *req.Data
	case req.Message != nil:
		payload = []byte(*req.Message)
	default:
		payload = []byte(defaultSendToClientMessage)
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendToClientTimeout)
	defer cancel()
	res, err := s.deps.Sessions.SendToClient(ctx, id, payload)
	var perr *protocol.Error
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrSessionNotFound), errors.Is(err, relay.ErrSessionClosed):
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "Client not found"})
		return
	case errors.As(err, &perr) && perr.Kind == protocol.KindProtocol:
		WriteJSON(w, http.StatusConflict, map[string]any{"error": perr.Message})
		return
	case errors.Is(err, context.DeadlineExceeded):
		WriteJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "Timed out waiting for client session"})
		return
	default:
		WriteJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}

	s.log.Info("send_to_client", "session_id", id, "bytes", res.BytesSent, "target", res.Target.String())
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Data sent to client",
		"bytesSent":  res.BytesSent,
		"targetIP":   res.Target.Addr().String(),
		"targetPort": res.Target.Port(),
	})
}
