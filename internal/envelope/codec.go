package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hq-labs/relay/internal/apperr"
)

// Codec encodes/decodes the two wire formats. It fails closed for the
// browser side (a malformed or unrecognized frame is a ProtocolError that
// the caller must use to close the connection), and fails open for the
// worker side (malformed frames are reported so the caller can log and
// drop them without tearing down the socket, since workers may emit
// stderr noise on their stdout stream).
type Codec struct{}

// NewCodec constructs a Codec. It holds no state; one instance may be
// shared across all connections.
func NewCodec() *Codec { return &Codec{} }

// DecodeBrowserFrame parses a single browser-inbound JSON frame into its
// type and raw payload. The caller dispatches on Type and unmarshals
// Payload into the concrete struct it expects.
func (c *Codec) DecodeBrowserFrame(data []byte) (BrowserType, json.RawMessage, error) {
	var probe struct {
		Type    BrowserType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", nil, apperr.Protocol(fmt.Sprintf("invalid JSON frame: %v", err))
	}
	if !IsRecognizedInbound(probe.Type) {
		return "", nil, apperr.Protocol(fmt.Sprintf("unrecognized frame type %q", probe.Type))
	}
	return probe.Type, probe.Payload, nil
}

// EncodeBrowserEnvelope serializes an Envelope for sending to a browser
// socket.
func (c *Codec) EncodeBrowserEnvelope(e Envelope) ([]byte, error) {
	if !IsRecognizedOutbound(e.Type) {
		return nil, apperr.Protocol(fmt.Sprintf("unrecognized outbound type %q", e.Type))
	}
	return json.Marshal(e)
}

// DecodeWorkerFrame parses one newline-delimited-JSON line from a worker
// socket. ok is false (with no error) when the frame's type is outside
// the closed set or the JSON itself is malformed — the caller logs and
// drops rather than terminating the worker connection.
func (c *Codec) DecodeWorkerFrame(line []byte) (WorkerFrameType, json.RawMessage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return "", nil, false
	}
	var probe WorkerFrame
	if err := json.Unmarshal(line, &probe); err != nil {
		return "", nil, false
	}
	if !IsRecognizedWorkerFrame(probe.Type) {
		return "", nil, false
	}
	return probe.Type, json.RawMessage(line), true
}

// EncodeWorkerFrame serializes a worker-bound frame as a single
// newline-delimited-JSON line (including the trailing newline).
func (c *Codec) EncodeWorkerFrame(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Internal("encode worker frame", err)
	}
	return append(b, '\n'), nil
}
