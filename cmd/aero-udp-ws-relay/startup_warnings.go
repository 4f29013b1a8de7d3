package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/resolver"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxControlMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_CONTROL_MESSAGES_PER_SECOND is 0 (control messages are not rate limited) while --mode=prod",
			"warning_code", "control_rate_limit_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxControlMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_CONTROL_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_control_message_bytes_large",
			"max_control_message_bytes", cfg.MaxControlMessageBytes,
			"mode", cfg.Mode,
		)
	}

	// Restricted is forced by platform detection; an explicit Unrestricted on
	// a known platform usually means sockets will be unreachable.
	if cfg.DeploymentMode == resolver.Unrestricted && cfg.DeploymentModeSource == "configured" && cfg.Mode == config.ModeProd {
		logger.Warn("startup warning: DEPLOYMENT_MODE=unrestricted binds the client-requested address; most hosted platforms only allow wildcard binds",
			"warning_code", "deployment_mode_unrestricted_in_prod",
			"deployment_mode", cfg.DeploymentMode.String(),
			"mode", cfg.Mode,
		)
	}

	if cfg.WebRTCEnabled {
		if err := cfg.ICEConfigError(); err != nil {
			logger.Warn("startup warning: ICE server configuration is invalid; /readyz reports not ready and offers use no ICE servers",
				"warning_code", "ice_servers_invalid",
				"err", err,
			)
		}
	}
}
