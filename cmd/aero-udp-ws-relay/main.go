package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/resolver"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildVersion = ""
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-udp-ws-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"deployment_mode", cfg.DeploymentMode.String(),
		"deployment_mode_source", cfg.DeploymentModeSource,
		"public_host", cfg.PublicHost,
		"max_sessions", cfg.MaxSessions,
		"session_idle_timeout", cfg.SessionIdleTimeout,
		"max_control_message_bytes", cfg.MaxControlMessageBytes,
		"max_control_messages_per_second", cfg.MaxControlMessagesPerSecond,
		"webrtc_enabled", cfg.WebRTCEnabled,
	)
	logStartupWarnings(logger, cfg)

	origins, err := origin.NewPolicy(cfg.AllowedOrigins)
	if err != nil {
		// config.Load validates the same entries.
		logger.Error("failed to configure allowed origins", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	res := resolver.New(resolver.Config{
		Lookups:        resolver.BuildLookups(cfg.PublicIPLookupURLs, cfg.PublicIPSTUNServers, &http.Client{}),
		PublicHost:     cfg.PublicHost,
		AttemptTimeout: cfg.PublicIPLookupTimeout,
		CacheTTL:       cfg.PublicIPCacheTTL,
		Logger:         logger.With("component", "resolver"),
	})

	relayCfg := relay.DefaultConfig()
	relayCfg.DeploymentMode = cfg.DeploymentMode
	relayCfg.IdleTimeout = cfg.SessionIdleTimeout
	relayCfg.MaxSessions = cfg.MaxSessions
	relayCfg.MaxControlMessagesPerSecond = cfg.MaxControlMessagesPerSecond
	relayCfg.ControlSendQueueBytes = cfg.ControlSendQueueBytes
	relayCfg.UDPReadBufferBytes = cfg.UDPReadBufferBytes
	sessions := relay.NewSessionManager(relayCfg, res, m, logger.With("component", "relay"))

	wsServer := relay.NewWebSocketServer(relay.WebSocketConfig{
		Origins:         origins,
		MaxMessageBytes: cfg.MaxControlMessageBytes,
		PingInterval:    cfg.WSPingInterval,
	}, sessions, logger.With("component", "websocket"))

	var sig *signaling.Server
	if cfg.WebRTCEnabled {
		// Construct the WebRTC API early so misconfigurations are caught on
		// startup. No ICE sockets exist until the first offer.
		api, err := webrtcpeer.NewAPI(cfg, logger.With("component", "webrtc"))
		if err != nil {
			logger.Error("failed to configure webrtc", "err", err)
			os.Exit(2)
		}
		sig = signaling.NewServer(signaling.Config{
			Sessions:            sessions,
			WebRTC:              api,
			ICEServers:          cfg.ICEServers,
			Origins:             origins,
			ICEGatheringTimeout: cfg.ICEGatheringTimeout,
			MaxMessageBytes:     int(cfg.MaxControlMessageBytes),
			Logger:              logger.With("component", "signaling"),
		})
	}

	version, commit, builtAt := resolveBuildInfo(buildVersion, buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: builtAt,
	}, httpserver.Deps{
		Sessions:  sessions,
		WebSocket: wsServer,
		Signaling: sig,
		Origins:   origins,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		shutdownRelay(logger, sessions, sig, cfg.ShutdownTimeout)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Sessions first: their control channels are hijacked connections that
	// http.Server.Shutdown does not wait for.
	shutdownRelay(logger, sessions, sig, cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func shutdownRelay(logger *slog.Logger, sessions *relay.SessionManager, sig *signaling.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sessions.Shutdown(ctx); err != nil {
		logger.Warn("sessions did not close before shutdown timeout", "err", err)
	}
	if sig != nil {
		sig.Close()
	}
}

func resolveBuildInfo(version, commit, buildTime string) (string, string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		if version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	if version == "" {
		version = relay.ServerVersion
	}
	return version, commit, buildTime
}
