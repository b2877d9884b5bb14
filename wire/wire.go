// Package wire implements the Skynet binary framing: every BSON document
// exchanged over an RPC connection is preceded by a 4-byte little-endian
// length prefix that includes itself, per spec.md §4.C/§6.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
)

// maxFrameSize bounds a single incoming frame so a corrupt or hostile peer
// cannot force an unbounded allocation.
const maxFrameSize = 64 << 20 // 64MiB

// ServiceHandshake is the server's opening frame: whether the server
// considers itself registered (if not, the client must close and
// re-resolve the endpoint) plus the per-connection client id it assigns.
type ServiceHandshake struct {
	Registered bool   `bson:"registered"`
	ClientID   string `bson:"clientid"`
}

// ClientHandshake is the client's reply to ServiceHandshake.
type ClientHandshake struct {
	ClientID string `bson:"clientid"`
}

// RequestHeader precedes every Request on the wire. ServiceMethod always
// ends in ".Forward"; the prefix before the suffix is the skynet service
// name, reflecting the legacy indirection layer the wire protocol still
// carries.
type RequestHeader struct {
	ServiceMethod string `bson:"servicemethod"`
	Seq           int64  `bson:"seq"`
}

// RequestInfo carries caller-side bookkeeping for one call.
type RequestInfo struct {
	RequestID     string `bson:"requestid"`
	RetryCount    int    `bson:"retrycount"`
	OriginAddress string `bson:"originaddress"`
}

// Request follows a RequestHeader. In is the BSON-encoded call parameters,
// carried as an opaque binary blob so the framing layer never needs to
// know the method's parameter shape.
type Request struct {
	ClientID    string      `bson:"clientid"`
	In          []byte      `bson:"in"`
	Method      string      `bson:"method"`
	RequestInfo RequestInfo `bson:"requestinfo"`
}

// ResponseHeader precedes every Response. An empty Error means success;
// any other value is the server's SkynetException message.
type ResponseHeader struct {
	ServiceMethod string `bson:"servicemethod"`
	Seq           int64  `bson:"seq"`
	Error         string `bson:"error"`
}

// Response follows a ResponseHeader. Out is the BSON-encoded reply,
// carried as an opaque binary blob. A non-empty Error is surfaced to the
// caller as a ServiceException. A handler-level exception is not reported
// through Error: it is delivered as a normal reply whose decoded Out has
// an "exception" field, per spec.md §4.G.
type Response struct {
	Out   []byte `bson:"out"`
	Error string `bson:"error"`
}

// ExceptionReply is the shape of a Response.Out payload when the server
// handler raised instead of returning a value.
type ExceptionReply struct {
	Exception Exception `bson:"exception"`
}

// Exception describes a handler-raised error as it crosses the wire.
type Exception struct {
	Class     string `bson:"class"`
	Message   string `bson:"message"`
	Backtrace string `bson:"backtrace,omitempty"`
}

// WriteFrame BSON-encodes v and writes it to w preceded by its 4-byte
// little-endian length prefix (the length includes the prefix itself, per
// BSON framing convention).
func WriteFrame(w io.Writer, v any) error {
	body, err := bson.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: failed to marshal frame; %w", err)
	}

	total := uint32(len(body) + 4)
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, total)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: failed to write frame length; %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: failed to write frame body; %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed BSON document from r and unmarshals
// it into v. A short read (fewer bytes than the declared length) is an
// error, per spec.md §4.C.
func ReadFrame(r io.Reader, v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("wire: failed to read frame length; %w", err)
	}

	total := binary.LittleEndian.Uint32(header)
	if total < 4 {
		return fmt.Errorf("wire: invalid frame length %d", total)
	}
	if total > maxFrameSize {
		return fmt.Errorf("wire: frame length %d exceeds maximum %d", total, maxFrameSize)
	}

	bodyLen := total - 4
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("wire: short read of frame body (wanted %d bytes); %w", bodyLen, err)
	}

	if err := bson.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: failed to unmarshal frame; %w", err)
	}
	return nil
}

// EncodeParams BSON-encodes call parameters for the Request.In field.
func EncodeParams(params any) ([]byte, error) {
	if params == nil {
		params = bson.M{}
	}
	data, err := bson.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to encode params; %w", err)
	}
	return data, nil
}

// DecodeParams decodes a Request.In blob into a generic BSON document.
func DecodeParams(data []byte) (bson.M, error) {
	var out bson.M
	if len(data) == 0 {
		return bson.M{}, nil
	}
	if err := bson.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("wire: failed to decode params; %w", err)
	}
	return out, nil
}

// EncodeReply BSON-encodes a handler's return value for the Response.Out
// field.
func EncodeReply(reply any) ([]byte, error) {
	if reply == nil {
		reply = bson.M{}
	}
	data, err := bson.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to encode reply; %w", err)
	}
	return data, nil
}

// DecodeReply decodes a Response.Out blob into a generic BSON document.
func DecodeReply(data []byte) (bson.M, error) {
	var out bson.M
	if len(data) == 0 {
		return bson.M{}, nil
	}
	if err := bson.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("wire: failed to decode reply; %w", err)
	}
	return out, nil
}

// ServiceNameFromMethod splits a RequestHeader.ServiceMethod of the form
// "<name>.Forward" into its skynet service name. It returns an error if
// the suffix is missing, per spec.md §4.G's "MUST end in .Forward".
func ServiceNameFromMethod(serviceMethod string) (string, error) {
	const suffix = ".Forward"
	if len(serviceMethod) <= len(suffix) || serviceMethod[len(serviceMethod)-len(suffix):] != suffix {
		return "", fmt.Errorf("wire: servicemethod %q does not end in %q", serviceMethod, suffix)
	}
	return serviceMethod[:len(serviceMethod)-len(suffix)], nil
}

// ForwardMethod builds the ".Forward"-suffixed servicemethod for name.
func ForwardMethod(name string) string {
	return name + ".Forward"
}
