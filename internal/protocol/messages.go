package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Client -> relay request types.
const (
	TypeUDPConnect      = "udp_connect"
	TypeUDPSend         = "udp_send"
	TypeUDPDisconnect   = "udp_disconnect"
	TypeUDPSendToClient = "udp_send_to_client"
	TypePing            = "ping"
)

// Relay -> client message types.
const (
	TypeWelcome         = "welcome"
	TypeUDPConnected    = "udp_connected"
	TypeUDPSent         = "udp_sent"
	TypeUDPDisconnected = "udp_disconnected"
	TypeUDPSentToClient = "udp_sent_to_client"
	TypeUDPData         = "udp_data"
	TypePong            = "pong"
	TypeError           = "error"
)

const (
	DefaultLocalIP   = "0.0.0.0"
	DefaultLocalPort = 0
)

// Request is a decoded client -> relay control message. Only the fields
// relevant to Type are meaningful.
type Request struct {
	Type string `json:"type"`

	// udp_connect
	LocalIP   *string `json:"localIP,omitempty"`
	LocalPort *Port   `json:"localPort,omitempty"`

	// udp_send, udp_send_to_client
	Data          Bytes  `json:"data,omitempty"`
	RemoteAddress string `json:"remoteAddress,omitempty"`
	RemotePort    Port   `json:"remotePort,omitempty"`
}

// ConnectTarget returns the requested local bind address with protocol
// defaults applied.
func (r Request) ConnectTarget() (ip string, port Port) {
	ip = DefaultLocalIP
	if r.LocalIP != nil && *r.LocalIP != "" {
		ip = *r.LocalIP
	}
	port = DefaultLocalPort
	if r.LocalPort != nil {
		port = *r.LocalPort
	}
	return ip, port
}

// DecodeRequest parses a single control message. Keys match exactly and only
// the fields of the message's own type are decoded, so unrelated keys never
// fail a request. Unknown types are not an error at this layer; dispatch
// reports them.
func DecodeRequest(raw []byte) (Request, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return Request{}, err
	}
	typ, err := typeField(fields)
	if err != nil {
		return Request{}, err
	}

	req := Request{Type: typ}
	switch typ {
	case TypeUDPConnect:
		err = decodeFields(fields, fieldDst{"localIP", &req.LocalIP}, fieldDst{"localPort", &req.LocalPort})
	case TypeUDPSend:
		err = decodeFields(fields,
			fieldDst{"data", &req.Data},
			fieldDst{"remoteAddress", &req.RemoteAddress},
			fieldDst{"remotePort", &req.RemotePort},
		)
	case TypeUDPSendToClient:
		err = decodeFields(fields, fieldDst{"data", &req.Data})
	}
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

type fieldDst struct {
	key string
	dst any
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, NewProtocolError(MsgInvalidFormat, nil)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, NewProtocolError(MsgInvalidFormat, err)
	}
	return fields, nil
}

// typeField returns the "type" discriminator. A missing type decodes as ""
// and is reported as an unknown type.
func typeField(fields map[string]json.RawMessage) (string, error) {
	rawType, ok := fields["type"]
	if !ok {
		return "", nil
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return "", NewProtocolError(MsgInvalidFormat, fmt.Errorf("type: %w", err))
	}
	return typ, nil
}

func decodeFields(fields map[string]json.RawMessage, dsts ...fieldDst) error {
	for _, f := range dsts {
		v, ok := fields[f.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return NewProtocolError(MsgInvalidFormat, fmt.Errorf("%s: %w", f.key, err))
		}
	}
	return nil
}

type ServerInfo struct {
	Version        string `json:"version"`
	MaxConnections int    `json:"maxConnections"`
	Transport      string `json:"transport,omitempty"`
	DeploymentMode string `json:"deploymentMode,omitempty"`
}

type Welcome struct {
	Type       string     `json:"type"`
	ClientID   string     `json:"clientId"`
	ServerInfo ServerInfo `json:"serverInfo"`
	Timestamp  int64      `json:"timestamp"`
}

// UDPConnected confirms a bind. LocalAddress/LocalPort are what the client
// should advertise to peers; ServerBindAddress/ServerBindPort are the raw OS
// binding, which differ from the visible address behind NAT.
type UDPConnected struct {
	Type              string `json:"type"`
	LocalAddress      string `json:"localAddress"`
	LocalPort         int    `json:"localPort"`
	RequestedIP       string `json:"requestedIP"`
	RequestedPort     int    `json:"requestedPort"`
	ServerBindAddress string `json:"serverBindAddress"`
	ServerBindPort    int    `json:"serverBindPort"`
	Timestamp         int64  `json:"timestamp"`
}

type UDPSent struct {
	Type          string `json:"type"`
	BytesSent     int    `json:"bytesSent"`
	RemoteAddress string `json:"remoteAddress"`
	RemotePort    int    `json:"remotePort"`
	Timestamp     int64  `json:"timestamp"`
}

type UDPDisconnected struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type UDPSentToClient struct {
	Type          string `json:"type"`
	BytesSent     int    `json:"bytesSent"`
	TargetAddress string `json:"targetAddress"`
	TargetPort    int    `json:"targetPort"`
	Timestamp     int64  `json:"timestamp"`
}

type UDPData struct {
	Type          string `json:"type"`
	Data          Bytes  `json:"data"`
	RemoteAddress string `json:"remoteAddress"`
	RemotePort    int    `json:"remotePort"`
	Timestamp     int64  `json:"timestamp"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Category  string `json:"category,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Millis converts t to the millisecond epoch timestamps used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Encode marshals a relay -> client message.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// PeekType returns the "type" discriminator of an encoded message. The key
// must match exactly.
func PeekType(raw []byte) (string, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return "", err
	}
	return typeField(fields)
}
