package relay

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/resolver"
)

const ServerVersion = "1.0.0"

type Config struct {
	DeploymentMode resolver.DeploymentMode

	// IdleTimeout force-closes a session that has received no control message
	// for this long.
	IdleTimeout time.Duration

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	// MaxControlMessagesPerSecond limits inbound control messages per session.
	// Zero disables the limit.
	MaxControlMessagesPerSecond int

	// ControlSendQueueBytes bounds the encoded messages buffered for one
	// client. Messages that do not fit are dropped.
	ControlSendQueueBytes int

	UDPReadBufferBytes int

	// MaxPendingRequests bounds the requests deferred while a bind is in
	// flight.
	MaxPendingRequests int

	UDPWriteTimeout time.Duration
	DNSTimeout      time.Duration

	// SendToClientDefaultPort is the udp_send_to_client target port used when
	// the client neither received a datagram nor requested a local port.
	SendToClientDefaultPort uint16
}

func DefaultConfig() Config {
	return Config{
		DeploymentMode:              resolver.Unrestricted,
		IdleTimeout:                 30 * time.Second,
		MaxSessions:                 100,
		MaxControlMessagesPerSecond: 200,
		ControlSendQueueBytes:       1 << 20, // 1MiB
		UDPReadBufferBytes:          65536,
		MaxPendingRequests:          64,
		UDPWriteTimeout:             time.Second,
		DNSTimeout:                  3 * time.Second,
		SendToClientDefaultPort:     8081,
	}
}

// WithDefaults returns c with any zero/invalid fields replaced with defaults.
// MaxSessions and MaxControlMessagesPerSecond keep zero, which disables them.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxSessions < 0 {
		c.MaxSessions = 0
	}
	if c.MaxControlMessagesPerSecond < 0 {
		c.MaxControlMessagesPerSecond = 0
	}
	if c.ControlSendQueueBytes <= 0 {
		c.ControlSendQueueBytes = d.ControlSendQueueBytes
	}
	if c.UDPReadBufferBytes <= 0 {
		c.UDPReadBufferBytes = d.UDPReadBufferBytes
	}
	if c.MaxPendingRequests <= 0 {
		c.MaxPendingRequests = d.MaxPendingRequests
	}
	if c.UDPWriteTimeout <= 0 {
		c.UDPWriteTimeout = d.UDPWriteTimeout
	}
	if c.DNSTimeout <= 0 {
		c.DNSTimeout = d.DNSTimeout
	}
	if c.SendToClientDefaultPort == 0 {
		c.SendToClientDefaultPort = d.SendToClientDefaultPort
	}
	return c
}
