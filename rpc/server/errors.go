package server

import "fmt"

// ErrNoAvailablePort is returned by Start when the starting port and every
// port up to 999 increments above it were already in use (spec.md §4.G).
var ErrNoAvailablePort = fmt.Errorf("server: no available port found")

// stateError reports a connection-handler transition that spec.md §4.G
// marks terminal: framing errors or a servicemethod missing the ".Forward"
// suffix. An unknown service name is not terminal: dispatch answers it
// with an exception reply and keeps the connection.
type stateError struct {
	state string
	err   error
}

func (e *stateError) Error() string {
	return fmt.Sprintf("server: %s failed; %v", e.state, e.err)
}

func (e *stateError) Unwrap() error { return e.err }
