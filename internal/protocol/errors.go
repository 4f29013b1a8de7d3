package protocol

import "time"

// Client-visible error messages with fixed wording.
const (
	MsgInvalidFormat      = "Invalid message format"
	MsgNotConnected       = "UDP not connected"
	MsgAlreadyConnected   = "UDP already connected"
	MsgNoData             = "No data to send"
	MsgNoDataToClient     = "No data to send to client"
	MsgRateLimited        = "rate limit exceeded"
	MsgTooManyPending     = "too many pending requests"
	MsgUnknownTypePrefix  = "Unknown message type: "
	MsgInvalidLocalPort   = "Invalid local port"
	MsgInvalidRemotePeer  = "Invalid remote address"
	MsgConnectFailedLabel = "UDP connect failed"
	MsgSendFailedLabel    = "UDP send failed"
	MsgSendToClientLabel  = "UDP send to client failed"
)

// ErrorKind is the coarse class of a client-visible failure.
type ErrorKind string

const (
	KindProtocol    ErrorKind = "protocol_error"
	KindBind        ErrorKind = "bind_error"
	KindSend        ErrorKind = "send_error"
	KindRateLimited ErrorKind = "rate_limited"
)

// ErrorCategory refines bind and send failures by the OS error that caused
// them.
type ErrorCategory string

const (
	CategoryNetworkUnreachable ErrorCategory = "network_unreachable"
	CategoryHostUnreachable    ErrorCategory = "host_unreachable"
	CategoryConnectionRefused  ErrorCategory = "connection_refused"
	CategoryPermissionDenied   ErrorCategory = "permission_denied"
	CategoryAddressInUse       ErrorCategory = "address_in_use"
	CategoryAddressUnavailable ErrorCategory = "address_unavailable"
	CategoryOther              ErrorCategory = "other"
)

// Hint is the short human-readable suffix appended to error messages.
func (c ErrorCategory) Hint() string {
	switch c {
	case CategoryNetworkUnreachable:
		return "Network unreachable"
	case CategoryHostUnreachable:
		return "Host unreachable"
	case CategoryConnectionRefused:
		return "Connection refused"
	case CategoryPermissionDenied:
		return "Permission denied"
	case CategoryAddressInUse:
		return "Address already in use"
	case CategoryAddressUnavailable:
		return "Address not available"
	default:
		return ""
	}
}

// Error is a failure reported to the client as an "error" message. The
// session stays open after any Error.
type Error struct {
	Kind     ErrorKind
	Category ErrorCategory
	Message  string
	Err      error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Wire renders e as an "error" message.
func (e *Error) Wire(now time.Time) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Message:   e.Message,
		Code:      string(e.Kind),
		Category:  string(e.Category),
		Timestamp: Millis(now),
	}
}

func NewProtocolError(message string, cause error) *Error {
	return &Error{Kind: KindProtocol, Message: message, Err: cause}
}

// NewCategorizedError builds a bind or send error whose message reads
// "<label>: <cause> (<hint>)".
func NewCategorizedError(kind ErrorKind, category ErrorCategory, label string, cause error) *Error {
	msg := label
	if cause != nil {
		msg += ": " + cause.Error()
	}
	if hint := category.Hint(); hint != "" {
		msg += " (" + hint + ")"
	}
	return &Error{Kind: kind, Category: category, Message: msg, Err: cause}
}

func UnknownTypeError(msgType string) *Error {
	return NewProtocolError(MsgUnknownTypePrefix+msgType, nil)
}
