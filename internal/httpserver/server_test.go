package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/signaling"
)

type testServer struct {
	baseURL  string
	sessions *relay.SessionManager
}

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, allowedOrigins []string, withSignaling bool) testServer {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy, err := origin.NewPolicy(allowedOrigins)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	relayCfg := relay.DefaultConfig()
	relayCfg.MaxControlMessagesPerSecond = 0
	sm := relay.NewSessionManager(relayCfg, nil, metrics.New(), log)

	deps := Deps{
		Sessions: sm,
		WebSocket: relay.NewWebSocketServer(relay.WebSocketConfig{
			Origins:         policy,
			MaxMessageBytes: 64 * 1024,
		}, sm, log),
		Origins: policy,
	}
	if withSignaling {
		sig := signaling.NewServer(signaling.Config{Sessions: sm, Origins: policy, Logger: log})
		t.Cleanup(sig.Close)
		deps.Signaling = sig
	}

	build := BuildInfo{Version: "1.2.3", Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, deps)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sm.Shutdown(ctx)
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return testServer{baseURL: "http://" + ln.Addr().String(), sessions: sm}
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status=%d, want %d", url, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func postJSON(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, out
}

func dialControl(t *testing.T, baseURL, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type controlMsg struct {
	Type         string `json:"type"`
	SessionID    string `json:"clientId"`
	Message      string `json:"message"`
	LocalAddress string `json:"localAddress"`
	LocalPort    int    `json:"localPort"`
	BytesSent    int    `json:"bytesSent"`
	TargetPort   int    `json:"targetPort"`
}

func expectControl(t *testing.T, c *websocket.Conn, typ string) controlMsg {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m controlMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	if m.Type != typ {
		t.Fatalf("type=%q (message=%q), want %q", m.Type, m.Message, typ)
	}
	return m
}

func TestHealthzReadyzVersion(t *testing.T) {
	ts := startTestServer(t, testConfig(), []string{"*"}, false)

	t.Run("healthz", func(t *testing.T) {
		body := getJSON(t, ts.baseURL+"/healthz", http.StatusOK)
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("health", func(t *testing.T) {
		body := getJSON(t, ts.baseURL+"/health", http.StatusOK)
		if body["status"] != "healthy" {
			t.Fatalf("status=%v, want healthy", body["status"])
		}
		if _, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string)); err != nil {
			t.Fatalf("timestamp=%v: %v", body["timestamp"], err)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		getJSON(t, ts.baseURL+"/readyz", http.StatusOK)
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(ts.baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Version: "1.2.3", Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	ts := startTestServer(t, cfg, []string{"*"}, true)
	body := getJSON(t, ts.baseURL+"/readyz", http.StatusServiceUnavailable)
	if body["ready"] != false || body["error"] == nil {
		t.Fatalf("body=%v, want ready=false with an error", body)
	}
}

func TestStatus(t *testing.T) {
	ts := startTestServer(t, testConfig(), []string{"*"}, true)

	c := dialControl(t, ts.baseURL, "/ws")
	expectControl(t, c, "welcome")

	body := getJSON(t, ts.baseURL+"/status", http.StatusOK)
	if body["status"] != "running" {
		t.Fatalf("status=%v, want running", body["status"])
	}
	if body["connections"] != float64(1) {
		t.Fatalf("connections=%v, want 1", body["connections"])
	}
	if body["environment"] != "development" || body["version"] != "1.2.3" {
		t.Fatalf("environment=%v version=%v, want development and 1.2.3", body["environment"], body["version"])
	}
	if body["deploymentMode"] != "unrestricted" {
		t.Fatalf("deploymentMode=%v, want unrestricted", body["deploymentMode"])
	}
	if body["webrtc"] != true {
		t.Fatalf("webrtc=%v, want true", body["webrtc"])
	}
	if _, ok := body["uptime"].(float64); !ok {
		t.Fatalf("uptime=%v, want a number", body["uptime"])
	}
}

func TestStatus_ProductionEnvironment(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeProd
	ts := startTestServer(t, cfg, []string{"*"}, false)

	body := getJSON(t, ts.baseURL+"/status", http.StatusOK)
	if body["environment"] != "production" {
		t.Fatalf("environment=%v, want production", body["environment"])
	}
	if body["webrtc"] != false {
		t.Fatalf("webrtc=%v, want false", body["webrtc"])
	}
}

func TestInfoPage(t *testing.T) {
	ts := startTestServer(t, testConfig(), []string{"*"}, false)

	req, err := http.NewRequest(http.MethodGet, ts.baseURL+"/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Host = "relay.example.com"
	req.Header.Set("X-Forwarded-Proto", "https")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type=%q, want text/html", ct)
	}
	page, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"wss://relay.example.com/", "Active connections", "GET /clients"} {
		if !bytes.Contains(page, []byte(want)) {
			t.Fatalf("page does not contain %q:\n%s", want, page)
		}
	}
	if bytes.Contains(page, []byte("/webrtc/offer")) {
		t.Fatalf("page mentions /webrtc/offer with WebRTC disabled")
	}

	resp, err = http.Get(ts.baseURL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /nope status=%d, want 404", resp.StatusCode)
	}
}

func TestControlChannelOnRootAndWS(t *testing.T) {
	ts := startTestServer(t, testConfig(), []string{"*"}, false)

	for _, path := range []string{"/", "/ws"} {
		c := dialControl(t, ts.baseURL, path)
		expectControl(t, c, "welcome")
		if err := c.WriteJSON(map[string]any{"type": "ping"}); err != nil {
			t.Fatalf("%s: WriteJSON: %v", path, err)
		}
		expectControl(t, c, "pong")
	}
	if got := ts.sessions.ActiveSessions(); got != 2 {
		t.Fatalf("ActiveSessions=%d, want 2", got)
	}
}

func TestClientsAndSendToClient(t *testing.T) {
	ts := startTestServer(t, testConfig(), []string{"*"}, false)

	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer sink.Close()
	sinkPort := sink.LocalAddr().(*net.UDPAddr).Port

	c := dialControl(t, ts.baseURL, "/ws")
	welcome := expectControl(t, c, "welcome")

	// Before udp_connect the client is listed without a UDP socket.
	body := getJSON(t, ts.baseURL+"/clients", http.StatusOK)
	if body["totalClients"] != float64(1) {
		t.Fatalf("totalClients=%v, want 1", body["totalClients"])
	}
	client := body["clients"].([]any)[0].(map[string]any)
	if client["id"] != welcome.SessionID || client["hasUDP"] != false || client["clientLocalIP"] != nil {
		t.Fatalf("client=%v, want id %s without UDP", client, welcome.SessionID)
	}
	if client["transport"] != "websocket" || client["state"] != "open" {
		t.Fatalf("transport=%v state=%v, want websocket/open", client["transport"], client["state"])
	}

	// No UDP socket yet: the relay refuses with 409 and the message text.
	status, out := postJSON(t, ts.baseURL+"/send-to-client/"+welcome.SessionID, `{"data":[1]}`)
	if status != http.StatusConflict || out["error"] != "UDP not connected" {
		t.Fatalf("status=%d body=%v, want 409 UDP not connected", status, out)
	}
	expectControl(t, c, "error")

	if err := c.WriteJSON(map[string]any{"type": "udp_connect", "localIP": "127.0.0.1", "localPort": 0}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	expectControl(t, c, "udp_connected")
	if err := c.WriteJSON(map[string]any{"type": "udp_send", "data": []int{7}, "remoteAddress": "127.0.0.1", "remotePort": sinkPort}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	expectControl(t, c, "udp_sent")

	buf := make([]byte, 64)
	_ = sink.SetReadDeadline(time.Now().Add(3 * time.Second))
	if n, _, err := sink.ReadFromUDP(buf); err != nil || n != 1 || buf[0] != 7 {
		t.Fatalf("sink read n=%d err=%v, want [7]", n, err)
	}

	body = getJSON(t, ts.baseURL+"/clients", http.StatusOK)
	client = body["clients"].([]any)[0].(map[string]any)
	if client["hasUDP"] != true || client["clientLocalIP"] != "127.0.0.1" || client["clientLocalPort"] != float64(0) {
		t.Fatalf("client=%v, want UDP bound to the requested 127.0.0.1:0", client)
	}
	if client["state"] != "udp_ready" || client["boundAddress"] == nil || client["lastRemoteAddress"] == nil {
		t.Fatalf("client=%v, want udp_ready with bound and last remote addresses", client)
	}

	status, out = postJSON(t, ts.baseURL+"/send-to-client/"+welcome.SessionID, `{"data":[9,8]}`)
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%v, want 200", status, out)
	}
	if out["success"] != true || out["targetIP"] != "127.0.0.1" || out["targetPort"] != float64(sinkPort) {
		t.Fatalf("body=%v, want success targeting 127.0.0.1:%d", out, sinkPort)
	}
	sent := expectControl(t, c, "udp_sent_to_client")
	if sent.BytesSent != 2 || sent.TargetPort != sinkPort {
		t.Fatalf("udp_sent_to_client=%+v, want 2 bytes to port %d", sent, sinkPort)
	}
	_ = sink.SetReadDeadline(time.Now().Add(3 * time.Second))
	if n, _, err := sink.ReadFromUDP(buf); err != nil || !bytes.Equal(buf[:n], []byte{9, 8}) {
		t.Fatalf("sink read %v err=%v, want [9 8]", buf[:n], err)
	}

	// An empty body falls back to the default greeting.
	status, _ = postJSON(t, ts.baseURL+"/send-to-client/"+welcome.SessionID, ``)
	if status != http.StatusOK {
		t.Fatalf("status=%d, want 200", status)
	}
	expectControl(t, c, "udp_sent_to_client")
	_ = sink.SetReadDeadline(time.Now().Add(3 * time.Second))
	if n, _, err := sink.ReadFromUDP(buf); err != nil || string(buf[:n]) != "Hello from server" {
		t.Fatalf("sink read %q err=%v, want the default greeting", buf[:n], err)
	}
}

func TestSendToClientErrors(t *testing.T) {
	ts := startTestServer(t, testConfig(), []string{"*"}, false)

	status, out := postJSON(t, ts.baseURL+"/send-to-client/missing", `{"message":"hi"}`)
	if status != http.StatusNotFound || out["error"] != "Client not found" {
		t.Fatalf("status=%d body=%v, want 404 Client not found", status, out)
	}

	c := dialControl(t, ts.baseURL, "/ws")
	welcome := expectControl(t, c, "welcome")

	for _, body := range []string{`{`, `{"data":[256]}`, `{"data":[-1]}`} {
		status, out = postJSON(t, ts.baseURL+"/send-to-client/"+welcome.SessionID, body)
		if status != http.StatusBadRequest || out["error"] != "Invalid JSON data" {
			t.Fatalf("body %s: status=%d out=%v, want 400 Invalid JSON data", body, status, out)
		}
	}

	resp, err := http.Get(ts.baseURL + "/send-to-client/" + welcome.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d, want 405", resp.StatusCode)
	}
}

func TestCORS(t *testing.T) {
	ts := startTestServer(t, testConfig(), []string{"https://app.example.com"}, false)

	t.Run("preflight", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, ts.baseURL+"/send-to-client/x", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Headers", "content-type")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("options: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status=%d, want 204", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("Allow-Origin=%q, want https://app.example.com", got)
		}
		if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "content-type" {
			t.Fatalf("Allow-Headers=%q, want content-type", got)
		}
		if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
			t.Fatalf("Allow-Methods=%q, want POST", got)
		}
	})

	t.Run("allowed", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.baseURL+"/status", nil)
		req.Header.Set("Origin", "https://app.example.com")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want 200", resp.StatusCode)
		}
		if got := resp.Header.Get("Vary"); got != "Origin" {
			t.Fatalf("Vary=%q, want Origin", got)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID")
		}
	})

	t.Run("rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.baseURL+"/status", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status=%d, want 403", resp.StatusCode)
		}
	})

	t.Run("websocket rejected", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(ts.baseURL, "http") + "/ws"
		_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
		if err == nil {
			t.Fatalf("dial succeeded, want rejection")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("resp=%v, want 403", resp)
		}
	})

	t.Run("no origin", func(t *testing.T) {
		resp, err := http.Get(ts.baseURL + "/status")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want 200", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("Allow-Origin=%q, want none without an Origin header", got)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ts := startTestServer(t, testConfig(), []string{"*"}, false)

	c := dialControl(t, ts.baseURL, "/ws")
	expectControl(t, c, "welcome")

	resp, err := http.Get(ts.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("active_sessions 1")) {
		t.Fatalf("metrics do not report one active session:\n%s", body)
	}
}

func TestWebRTCRoutesOnlyWhenEnabled(t *testing.T) {
	off := startTestServer(t, testConfig(), []string{"*"}, false)
	resp, err := http.Get(off.baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d with WebRTC disabled, want 404", resp.StatusCode)
	}

	on := startTestServer(t, testConfig(), []string{"*"}, true)
	getJSON(t, on.baseURL+"/webrtc/ice", http.StatusOK)
}
