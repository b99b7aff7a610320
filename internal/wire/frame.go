package wire

import (
	"sync/atomic"
	"unsafe"
)

// FrameHeaderSize is the fixed size of a frame header preceding every
// payload record.
const FrameHeaderSize = 16

const (
	offFHPayloadSize     = 0
	offFHSequenceNumber  = 8
)

// FrameHeader is a view over FrameHeaderSize bytes at the start of a
// payload record within the ring.
type FrameHeader struct {
	buf []byte
}

// NewFrameHeaderView wraps buf (at least FrameHeaderSize bytes) as a
// FrameHeader.
func NewFrameHeaderView(buf []byte) FrameHeader {
	if len(buf) < FrameHeaderSize {
		panic("wire: buffer too small for FrameHeader")
	}
	return FrameHeader{buf: buf[:FrameHeaderSize:FrameHeaderSize]}
}

func (h FrameHeader) field(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&h.buf[off]))
}

// PayloadSize returns the frame's payload length, or 0 for a wrap
// marker.
func (h FrameHeader) PayloadSize() uint64 { return atomic.LoadUint64(h.field(offFHPayloadSize)) }

func (h FrameHeader) SequenceNumber() uint64 {
	return atomic.LoadUint64(h.field(offFHSequenceNumber))
}

// Publish writes sequenceNumber then release-stores payloadSize, so that
// any reader observing a non-zero PayloadSize also observes the correct
// SequenceNumber.
func (h FrameHeader) Publish(payloadSize, sequenceNumber uint64) {
	atomic.StoreUint64(h.field(offFHSequenceNumber), sequenceNumber)
	atomic.StoreUint64(h.field(offFHPayloadSize), payloadSize)
}

// PublishWrapMarker writes a wrap-marker header. Its sequence number
// field is never read back and is written as zero.
func (h FrameHeader) PublishWrapMarker() {
	h.Publish(0, 0)
}

// IsWrapMarker reports whether this header is a wrap marker.
func (h FrameHeader) IsWrapMarker() bool { return h.PayloadSize() == 0 }
