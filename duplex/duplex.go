// Package duplex composes two zerobuffer one-way channels, `<name>_request`
// and `<name>_response`, into a request/response primitive with explicit
// sequence-number correlation.
package duplex

import (
	"encoding/binary"
	"fmt"

	zb "github.com/modelingevolution/zerobuffer-sub004"
)

// correlationSize is the width of the correlation-id envelope prepended
// to every response payload. The response sub-channel's own frame
// sequence stays strictly increasing in commit order (required by the
// underlying Reader/Writer); the envelope is what lets a client match a
// response back to the request that produced it when responses can
// complete out of order, as in ThreadPool mode.
const correlationSize = 8

// ProcessingMode selects how a Server processes incoming requests.
type ProcessingMode int

const (
	// SingleThread preserves request order and processes at most one
	// request at a time.
	SingleThread ProcessingMode = iota
	// ThreadPool processes requests concurrently, preserving per-request
	// correlation but not response order.
	ThreadPool
)

func requestChannelName(name string) string  { return name + "_request" }
func responseChannelName(name string) string { return name + "_response" }

func encodeEnvelope(correlationID uint64, payload []byte) []byte {
	buf := make([]byte, correlationSize+len(payload))
	binary.LittleEndian.PutUint64(buf[:correlationSize], correlationID)
	copy(buf[correlationSize:], payload)
	return buf
}

func decodeEnvelope(frame []byte) (correlationID uint64, payload []byte, err error) {
	if len(frame) < correlationSize {
		return 0, nil, fmt.Errorf("duplex: response frame shorter than envelope (%d bytes)", len(frame))
	}
	return binary.LittleEndian.Uint64(frame[:correlationSize]), frame[correlationSize:], nil
}

// Handler processes one request and returns the response payload to
// send back. When it returns an error, the server logs it and writes an
// empty response for that request, then moves on to the next one (see
// Server.Serve).
type Handler func(request []byte) (response []byte, err error)

// BufferConfig is re-exported so callers only need to import duplex.
type BufferConfig = zb.BufferConfig

// Option configures the request and response sub-channels identically.
type Option = zb.Option
