package transport

import "fmt"

// ConnectionFailure reports a TCP dial that exhausted its retries, per
// spec.md §7. rpc/client treats this as the trigger for endpoint
// failover.
type ConnectionFailure struct {
	Endpoint string
	Err      error
}

func (e *ConnectionFailure) Error() string {
	return fmt.Sprintf("transport: connection to %s failed; %v", e.Endpoint, e.Err)
}

func (e *ConnectionFailure) Unwrap() error { return e.Err }

// ReadTimeout reports a framed read that exceeded the configured
// read_timeout.
type ReadTimeout struct {
	Endpoint string
	Timeout  string
}

func (e *ReadTimeout) Error() string {
	return fmt.Sprintf("transport: read from %s exceeded %s read timeout", e.Endpoint, e.Timeout)
}

// ProtocolError reports a framing error, sequence mismatch, malformed
// handshake, or a servicemethod not ending in ".Forward". The connection
// is terminal once this occurs.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transport: protocol error; %s", e.Reason)
}

// SkynetException reports a non-empty ResponseHeader.Error from the peer.
type SkynetException struct {
	Message string
}

func (e *SkynetException) Error() string {
	return fmt.Sprintf("transport: skynet exception; %s", e.Message)
}

// ServiceException reports a non-empty Response.Error from the peer.
type ServiceException struct {
	Message string
}

func (e *ServiceException) Error() string {
	return fmt.Sprintf("transport: service exception; %s", e.Message)
}
