package httpserver

import (
	"bytes"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"
)

var infoPage = template.Must(template.New("info").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>UDP Relay</title>
  <style>
    body { font-family: sans-serif; max-width: 48em; margin: 2em auto; color: #222; }
    code { background: #f3f3f3; padding: 0.1em 0.3em; }
    td { padding: 0.2em 1em 0.2em 0; }
  </style>
</head>
<body>
  <h1>UDP Relay</h1>
  <p>Status: running (version {{.Version}})</p>
  <table>
    <tr><td>Port</td><td>{{.Port}}</td></tr>
    <tr><td>Active connections</td><td>{{.Connections}}</td></tr>
    <tr><td>Uptime</td><td>{{.Uptime}}</td></tr>
    <tr><td>Deployment mode</td><td>{{.DeploymentMode}}</td></tr>
  </table>
  <h2>Control channel</h2>
  <p>WebSocket: <code>{{.WebSocketURL}}</code></p>
  {{- if .WebRTC}}
  <p>WebRTC: <code>POST /webrtc/offer</code> with a DataChannel labelled <code>control</code></p>
  {{- end}}
  <h2>Endpoints</h2>
  <ul>
  {{- range .Endpoints}}
    <li><code>{{.}}</code></li>
  {{- end}}
  </ul>
</body>
</html>
`))

type infoPageData struct {
	Version        string
	Port           string
	Connections    int
	Uptime         string
	DeploymentMode string
	WebSocketURL   string
	WebRTC         bool
	Endpoints      []string
}

func (s *Server) renderInfoPage(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{
		"GET /status",
		"GET /health",
		"GET /clients",
		"POST /send-to-client/{id}",
		"GET /metrics",
	}
	if s.deps.Signaling != nil {
		endpoints = append(endpoints, "POST /webrtc/offer")
	}

	data := infoPageData{
		Version:        s.build.Version,
		Port:           listenPort(s.cfg.ListenAddr),
		Connections:    s.deps.Sessions.ActiveSessions(),
		Uptime:         s.deps.Sessions.Uptime().Truncate(time.Second).String(),
		DeploymentMode: s.deps.Sessions.Config().DeploymentMode.String(),
		WebSocketURL:   controlChannelURL(r),
		WebRTC:         s.deps.Signaling != nil,
		Endpoints:      endpoints,
	}

	var buf bytes.Buffer
	if err := infoPage.Execute(&buf, data); err != nil {
		s.log.Error("info_page_render_failed", "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func listenPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}

// controlChannelURL derives the WebSocket URL a browser should dial, honoring
// a TLS-terminating proxy in front of the relay.
func controlChannelURL(r *http.Request) string {
	scheme := "ws"
	proto := strings.ToLower(strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]))
	if proto == "https" || r.TLS != nil {
		scheme = "wss"
	}
	host := r.Host
	if fwd := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Host"), ",")[0]); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + "/"
}
