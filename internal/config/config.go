package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/resolver"
)

const (
	envVarPort                = "PORT"
	envVarListenAddr          = "AERO_UDP_WS_RELAY_LISTEN_ADDR"
	envVarLogFormat           = "AERO_UDP_WS_RELAY_LOG_FORMAT"
	envVarLogLevel            = "AERO_UDP_WS_RELAY_LOG_LEVEL"
	envVarShutdownTimeout     = "AERO_UDP_WS_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode                = "AERO_UDP_WS_RELAY_MODE"
	envVarNodeEnv             = "NODE_ENV"
	envVarICEGatheringTimeout = "AERO_UDP_WS_RELAY_ICE_GATHERING_TIMEOUT"
	envVarAllowedOrigins      = "ALLOWED_ORIGINS"

	envVarSessionIdleTimeout          = "SESSION_IDLE_TIMEOUT"
	envVarDeploymentMode              = "DEPLOYMENT_MODE"
	envVarMaxSessions                 = "MAX_SESSIONS"
	envVarMaxControlMessageBytes      = "MAX_CONTROL_MESSAGE_BYTES"
	envVarMaxControlMessagesPerSecond = "MAX_CONTROL_MESSAGES_PER_SECOND"
	envVarControlSendQueueBytes       = "CONTROL_SEND_QUEUE_BYTES"
	envVarUDPReadBufferBytes          = "UDP_READ_BUFFER_BYTES"
	envVarWSPingInterval              = "WS_PING_INTERVAL"
	envVarWebRTCEnabled               = "WEBRTC_ENABLED"

	envVarPublicHost             = "PUBLIC_HOST"
	envVarRailwayPublicDomain    = "RAILWAY_PUBLIC_DOMAIN"
	envVarRailwayStaticURL       = "RAILWAY_STATIC_URL"
	envVarPublicIPLookupURLs     = "PUBLIC_IP_LOOKUP_URLS"
	envVarPublicIPSTUNServers    = "PUBLIC_IP_STUN_SERVERS"
	envVarPublicIPLookupTimeout  = "PUBLIC_IP_LOOKUP_TIMEOUT"
	envVarPublicIPCacheTTL       = "PUBLIC_IP_CACHE_TTL"

	deploymentModeAuto = "auto"
)

const (
	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"

	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"

	envVarWebRTCUDPListenIP  = "WEBRTC_UDP_LISTEN_IP"
	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

const (
	flagWebRTCUDPPortMin = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax = "webrtc-udp-port-max"

	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"

	flagWebRTCUDPListenIP = "webrtc-udp-listen-ip"
)

const (
	DefaultListenAddr                     = "0.0.0.0:8080"
	DefaultShutdown                       = 15 * time.Second
	DefaultICEGatherTimeout               = 2 * time.Second
	DefaultMode                      Mode = ModeDev
	DefaultSessionIdleTimeout             = 30 * time.Second
	DefaultMaxSessions                    = 100
	DefaultAllowedOrigins                 = "*"
	DefaultMaxControlMessageBytes         = int64(256 * 1024)
	DefaultMaxControlMessagesPerSecond    = 200
	DefaultControlSendQueueBytes          = 1 << 20 // 1MiB
	DefaultUDPReadBufferBytes             = 65536
	DefaultWSPingInterval                 = 20 * time.Second
	DefaultPublicIPLookupTimeout          = resolver.DefaultAttemptTimeout
	DefaultPublicIPCacheTTL               = resolver.DefaultCacheTTL

	recommendedWebRTCUDPPortRangeSize = 100
	maxControlMessageBytesUpperBound  = int64(16 << 20)
	minUDPReadBufferBytes             = 1500
	maxUDPReadBufferBytes             = 65536
)

// restrictedPlatformSignals are env vars set by hosting platforms whose
// containers cannot bind arbitrary local addresses or receive unsolicited
// inbound UDP.
var restrictedPlatformSignals = []string{
	"RAILWAY_ENVIRONMENT",
	"VERCEL",
	"HEROKU_APP_NAME",
	"FLY_APP_NAME",
	"RENDER",
}

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// EnvironmentName is the NODE_ENV-style name reported by /status.
func (m Mode) EnvironmentName() string {
	if m == ModeProd {
		return "production"
	}
	return "development"
}

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// DeploymentMode decides how session UDP sockets are bound.
	// DeploymentModeSource records why: "configured", "auto", or
	// "auto:<ENV_VAR>" for the platform signal that forced Restricted.
	DeploymentMode       resolver.DeploymentMode
	DeploymentModeSource string

	// PublicHost is advertised as a wildcard socket's visible address when the
	// external lookups fail.
	PublicHost            string
	PublicIPLookupURLs    []string
	PublicIPSTUNServers   []string
	PublicIPLookupTimeout time.Duration
	PublicIPCacheTTL      time.Duration

	SessionIdleTimeout          time.Duration
	MaxSessions                 int
	AllowedOrigins              []string
	MaxControlMessageBytes      int64
	MaxControlMessagesPerSecond int
	ControlSendQueueBytes       int
	UDPReadBufferBytes          int
	WSPingInterval              time.Duration

	WebRTCEnabled       bool
	ICEGatheringTimeout time.Duration
	ICEServers          []webrtc.ICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs configures pion to advertise these public IPs for ICE when
	// the relay is behind NAT. Values must be literal IPs (no hostnames).
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface address ICE will bind UDP
	// sockets to. 0.0.0.0 means "use library default" (typically all interfaces).
	WebRTCUDPListenIP net.IP

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. It is kept out
// of Load's error so the relay can still serve WebSocket sessions; /readyz
// reports it.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	} else if nodeEnv, _ := lookup(envVarNodeEnv); strings.EqualFold(strings.TrimSpace(nodeEnv), "production") {
		modeDefault = string(ModeProd)
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddrDefault := DefaultListenAddr
	if raw, ok := lookup(envVarPort); ok && strings.TrimSpace(raw) != "" {
		port, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarPort, raw, err)
		}
		listenAddrDefault = net.JoinHostPort("0.0.0.0", strconv.Itoa(int(port)))
	}
	listenAddr := envOrDefault(lookup, envVarListenAddr, listenAddrDefault)

	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, DefaultAllowedOrigins)
	deploymentModeStr := envOrDefault(lookup, envVarDeploymentMode, deploymentModeAuto)
	publicHost := envOrDefault(lookup, envVarPublicHost,
		envOrDefault(lookup, envVarRailwayPublicDomain,
			envOrDefault(lookup, envVarRailwayStaticURL, "")))
	lookupURLsStr := envOrDefault(lookup, envVarPublicIPLookupURLs, strings.Join(resolver.DefaultLookupURLs, ","))
	stunServersStr := envOrDefault(lookup, envVarPublicIPSTUNServers, strings.Join(resolver.DefaultSTUNServers, ","))

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionIdleTimeout, err := envDurationOrDefault(lookup, envVarSessionIdleTimeout, DefaultSessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	publicIPLookupTimeout, err := envDurationOrDefault(lookup, envVarPublicIPLookupTimeout, DefaultPublicIPLookupTimeout)
	if err != nil {
		return Config{}, err
	}
	publicIPCacheTTL, err := envDurationOrDefault(lookup, envVarPublicIPCacheTTL, DefaultPublicIPCacheTTL)
	if err != nil {
		return Config{}, err
	}

	maxSessions, err := envIntOrDefault(lookup, envVarMaxSessions, DefaultMaxSessions)
	if err != nil {
		return Config{}, err
	}
	maxControlMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxControlMessagesPerSecond, DefaultMaxControlMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	controlSendQueueBytes, err := envIntOrDefault(lookup, envVarControlSendQueueBytes, DefaultControlSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	udpReadBufferBytes, err := envIntOrDefault(lookup, envVarUDPReadBufferBytes, DefaultUDPReadBufferBytes)
	if err != nil {
		return Config{}, err
	}
	maxControlMessageBytes := DefaultMaxControlMessageBytes
	if raw, ok := lookup(envVarMaxControlMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxControlMessageBytes, raw, err)
		}
		maxControlMessageBytes = n
	}

	webrtcEnabled := true
	if raw, ok := lookup(envVarWebRTCEnabled); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCEnabled, raw, err)
		}
		webrtcEnabled = v
	}

	var webrtcUDPPortMin, webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		v, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(v)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		v, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(v)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("aero-udp-ws-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+" or "+envVarPort+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.DurationVar(&sessionIdleTimeout, "session-idle-timeout", sessionIdleTimeout, "Close sessions that send no control message for this long (env "+envVarSessionIdleTimeout+")")
	fs.StringVar(&deploymentModeStr, "deployment-mode", deploymentModeStr, "UDP bind policy: auto, restricted or unrestricted (env "+envVarDeploymentMode+")")
	fs.StringVar(&publicHost, "public-host", publicHost, "Public hostname advertised when external IP lookups fail (env "+envVarPublicHost+")")
	fs.StringVar(&lookupURLsStr, "public-ip-lookup-urls", lookupURLsStr, "Comma-separated plain-text public IP lookup URLs (env "+envVarPublicIPLookupURLs+")")
	fs.StringVar(&stunServersStr, "public-ip-stun-servers", stunServersStr, "Comma-separated STUN servers (host:port) for public IP lookup (env "+envVarPublicIPSTUNServers+")")
	fs.DurationVar(&publicIPLookupTimeout, "public-ip-lookup-timeout", publicIPLookupTimeout, "Timeout per public IP lookup attempt (env "+envVarPublicIPLookupTimeout+")")
	fs.DurationVar(&publicIPCacheTTL, "public-ip-cache-ttl", publicIPCacheTTL, "How long a public IP lookup result is reused (env "+envVarPublicIPCacheTTL+")")

	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent sessions (0 = unlimited; env "+envVarMaxSessions+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins; supports * and wildcard patterns (env "+envVarAllowedOrigins+")")
	fs.Int64Var(&maxControlMessageBytes, "max-control-message-bytes", maxControlMessageBytes, "Max inbound control message size in bytes (env "+envVarMaxControlMessageBytes+")")
	fs.IntVar(&maxControlMessagesPerSecond, "max-control-messages-per-second", maxControlMessagesPerSecond, "Max inbound control messages per second per session (0 = unlimited; env "+envVarMaxControlMessagesPerSecond+")")
	fs.IntVar(&controlSendQueueBytes, "control-send-queue-bytes", controlSendQueueBytes, "Max queued outbound control bytes per session before dropping (env "+envVarControlSendQueueBytes+")")
	fs.IntVar(&udpReadBufferBytes, "udp-read-buffer-bytes", udpReadBufferBytes, "UDP socket read buffer size in bytes (env "+envVarUDPReadBufferBytes+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Send ping frames on WebSocket control channels at this interval (0 = disabled; env "+envVarWSPingInterval+")")

	fs.BoolVar(&webrtcEnabled, "webrtc", webrtcEnabled, "Serve the WebRTC DataChannel control channel on POST /webrtc/offer (env "+envVarWebRTCEnabled+")")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering on POST /webrtc/offer (e.g. 2s)")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--listen-addr %q: %w", envVarListenAddr, listenAddr, err)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if sessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--session-idle-timeout must be > 0", envVarSessionIdleTimeout)
	}
	if wsPingInterval < 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be >= 0", envVarWSPingInterval)
	}
	if publicIPLookupTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--public-ip-lookup-timeout must be > 0", envVarPublicIPLookupTimeout)
	}
	if publicIPCacheTTL < 0 {
		return Config{}, fmt.Errorf("%s/--public-ip-cache-ttl must be >= 0", envVarPublicIPCacheTTL)
	}
	if maxSessions < 0 {
		return Config{}, fmt.Errorf("%s/--max-sessions must be >= 0", envVarMaxSessions)
	}
	if maxControlMessageBytes <= 0 || maxControlMessageBytes > maxControlMessageBytesUpperBound {
		return Config{}, fmt.Errorf("%s/--max-control-message-bytes must be in 1..%d", envVarMaxControlMessageBytes, maxControlMessageBytesUpperBound)
	}
	if maxControlMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-control-messages-per-second must be >= 0", envVarMaxControlMessagesPerSecond)
	}
	if controlSendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--control-send-queue-bytes must be > 0", envVarControlSendQueueBytes)
	}
	if udpReadBufferBytes < minUDPReadBufferBytes || udpReadBufferBytes > maxUDPReadBufferBytes {
		return Config{}, fmt.Errorf("%s/--udp-read-buffer-bytes must be in %d..%d", envVarUDPReadBufferBytes, minUDPReadBufferBytes, maxUDPReadBufferBytes)
	}

	deploymentMode, deploymentModeSource, err := resolveDeploymentMode(deploymentModeStr, lookup)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--deployment-mode %q: %w", envVarDeploymentMode, deploymentModeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins %q: %w", envVarAllowedOrigins, allowedOriginsStr, err)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		lo, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		hi, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if lo > hi {
			return Config{}, fmt.Errorf("WebRTC UDP port range is inverted: %d > %d", lo, hi)
		}
		if size := int(hi) - int(lo) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: lo, Max: hi}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		DeploymentMode:       deploymentMode,
		DeploymentModeSource: deploymentModeSource,

		PublicHost:            normalizePublicHost(publicHost),
		PublicIPLookupURLs:    splitCommaSeparated(lookupURLsStr),
		PublicIPSTUNServers:   splitCommaSeparated(stunServersStr),
		PublicIPLookupTimeout: publicIPLookupTimeout,
		PublicIPCacheTTL:      publicIPCacheTTL,

		SessionIdleTimeout:          sessionIdleTimeout,
		MaxSessions:                 maxSessions,
		AllowedOrigins:              allowedOrigins,
		MaxControlMessageBytes:      maxControlMessageBytes,
		MaxControlMessagesPerSecond: maxControlMessagesPerSecond,
		ControlSendQueueBytes:       controlSendQueueBytes,
		UDPReadBufferBytes:          udpReadBufferBytes,
		WSPingInterval:              wsPingInterval,

		WebRTCEnabled:                webrtcEnabled,
		ICEGatheringTimeout:          iceGatherTimeout,
		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

// resolveDeploymentMode honors an explicit mode and otherwise inspects
// hosting-platform env vars. Any signal selects Restricted.
func resolveDeploymentMode(raw string, lookup func(string) (string, bool)) (resolver.DeploymentMode, string, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.EqualFold(raw, deploymentModeAuto) {
		mode, err := resolver.ParseDeploymentMode(raw)
		if err != nil {
			return resolver.Unrestricted, "", err
		}
		return mode, "configured", nil
	}

	for _, key := range restrictedPlatformSignals {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return resolver.Restricted, "auto:" + key, nil
		}
	}
	if v, _ := lookup(envVarNodeEnv); strings.EqualFold(strings.TrimSpace(v), "production") {
		return resolver.Restricted, "auto:" + envVarNodeEnv, nil
	}
	return resolver.Unrestricted, deploymentModeAuto, nil
}

// normalizePublicHost strips a scheme and any path so RAILWAY_STATIC_URL style
// values can be used as a bare host.
func normalizePublicHost(raw string) string {
	host := strings.TrimSpace(raw)
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	return host
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// parseAllowedOrigins splits the list and validates it by building the
// policy the HTTP surface will use.
func parseAllowedOrigins(raw string) ([]string, error) {
	entries := splitCommaSeparated(raw)
	if len(entries) == 0 {
		return nil, fmt.Errorf("must include at least one origin (use * to allow any)")
	}
	if _, err := origin.NewPolicy(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
