package httpclient

import (
	"context"
	"errors"
	"net"
)

// Class partitions outcomes for failure accounting. Protocol results carry
// the response status; timeout and transport results carry the error.
type Class int

const (
	// ClassOK is a 2xx response.
	ClassOK Class = iota

	// ClassTimeout means the request exceeded its per-request deadline.
	ClassTimeout

	// ClassTransport covers connection-level faults: refused, reset,
	// DNS failure, broken pipe.
	ClassTransport

	// ClassProtocol is a completed exchange with a non-2xx status.
	ClassProtocol
)

// String returns the class name used in logs and the summary artifact.
func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassTimeout:
		return "timeout"
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the class as its name.
func (c Class) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// classifyError separates deadline expiry from connection-level faults.
// net.Error.Timeout covers transport-level timeouts that surface without
// the context deadline firing first.
func classifyError(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	return ClassTransport
}
