package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/origin"
)

// corsMiddleware enforces the origin allow-list on browser requests and adds
// CORS headers for the allowed ones. OPTIONS requests are answered directly
// with 204.
func (s *Server) corsMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader != "" {
				normalizedOrigin, originHost, ok := origin.NormalizeHeader(originHeader)
				if !ok || !s.deps.Origins.AllowsOrigin(normalizedOrigin, originHost, r.Host) {
					s.metrics.Inc(metrics.OriginRejected)
					s.log.Warn("origin_rejected", "origin", originHeader, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}

				if s.deps.Origins.AllowsAny() {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				} else {
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
