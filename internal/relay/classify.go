package relay

import (
	"errors"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/udp-ws-relay/internal/protocol"
)

func classifySendError(err error) protocol.ErrorCategory {
	switch {
	case errors.Is(err, syscall.ENETUNREACH):
		return protocol.CategoryNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return protocol.CategoryHostUnreachable
	case errors.Is(err, syscall.ECONNREFUSED):
		return protocol.CategoryConnectionRefused
	case errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES):
		return protocol.CategoryPermissionDenied
	default:
		return protocol.CategoryOther
	}
}

func classifyBindError(err error) protocol.ErrorCategory {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return protocol.CategoryAddressInUse
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return protocol.CategoryAddressUnavailable
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return protocol.CategoryPermissionDenied
	default:
		return protocol.CategoryOther
	}
}
