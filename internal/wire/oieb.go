// Package wire defines the fixed binary layout shared by both endpoints
// of a zerobuffer channel: the 128-byte Operation Info Exchange Block
// and the 16-byte frame header. Both are
// thin views over mmap'd segment bytes; every field access goes through
// sync/atomic so that the producer's writes become visible to the
// consumer's reads without a lock, matching the release/acquire pairing
// release/acquire ordering requires.
package wire

import (
	"sync/atomic"
	"unsafe"
)

// OIEBSize is the fixed, 64-byte-aligned size of the OIEB.
const OIEBSize = 128

const (
	offOperationSize        = 0
	offMetadataSize         = 8
	offMetadataFreeBytes    = 16
	offMetadataWrittenBytes = 24
	offPayloadSize          = 32
	offPayloadFreeBytes     = 40
	offPayloadWritePos      = 48
	offPayloadReadPos       = 56
	offPayloadWrittenCount  = 64
	offPayloadReadCount     = 72
	offWriterPid            = 80
	offReaderPid            = 88
	offWriterStartTime      = 96
	offReaderStartTime      = 104
	// offReserved = 112, 16 bytes reserved through byte 127.
)

// OIEB is a view over the first OIEBSize bytes of a mapped segment.
type OIEB struct {
	buf []byte
}

// NewOIEBView wraps buf (which must be at least OIEBSize bytes) as an
// OIEB. The returned value shares memory with buf.
func NewOIEBView(buf []byte) OIEB {
	if len(buf) < OIEBSize {
		panic("wire: buffer too small for OIEB")
	}
	return OIEB{buf: buf[:OIEBSize:OIEBSize]}
}

func (o OIEB) field(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&o.buf[off]))
}

func (o OIEB) load(off int) uint64          { return atomic.LoadUint64(o.field(off)) }
func (o OIEB) store(off int, v uint64)      { atomic.StoreUint64(o.field(off), v) }
func (o OIEB) add(off int, delta int64) uint64 {
	return atomic.AddUint64(o.field(off), uint64(delta))
}

func (o OIEB) OperationSize() uint64     { return o.load(offOperationSize) }
func (o OIEB) SetOperationSize(v uint64) { o.store(offOperationSize, v) }

func (o OIEB) MetadataSize() uint64     { return o.load(offMetadataSize) }
func (o OIEB) SetMetadataSize(v uint64) { o.store(offMetadataSize, v) }

func (o OIEB) MetadataFreeBytes() uint64     { return o.load(offMetadataFreeBytes) }
func (o OIEB) SetMetadataFreeBytes(v uint64) { o.store(offMetadataFreeBytes, v) }
func (o OIEB) AddMetadataFreeBytes(delta int64) uint64 {
	return o.add(offMetadataFreeBytes, delta)
}

func (o OIEB) MetadataWrittenBytes() uint64    { return o.load(offMetadataWrittenBytes) }
func (o OIEB) SetMetadataWrittenBytes(v uint64) { o.store(offMetadataWrittenBytes, v) }

func (o OIEB) PayloadSize() uint64     { return o.load(offPayloadSize) }
func (o OIEB) SetPayloadSize(v uint64) { o.store(offPayloadSize, v) }

func (o OIEB) PayloadFreeBytes() uint64     { return o.load(offPayloadFreeBytes) }
func (o OIEB) SetPayloadFreeBytes(v uint64) { o.store(offPayloadFreeBytes, v) }
func (o OIEB) AddPayloadFreeBytes(delta int64) uint64 {
	return o.add(offPayloadFreeBytes, delta)
}

func (o OIEB) PayloadWritePos() uint64     { return o.load(offPayloadWritePos) }
func (o OIEB) SetPayloadWritePos(v uint64) { o.store(offPayloadWritePos, v) }

func (o OIEB) PayloadReadPos() uint64     { return o.load(offPayloadReadPos) }
func (o OIEB) SetPayloadReadPos(v uint64) { o.store(offPayloadReadPos, v) }

func (o OIEB) PayloadWrittenCount() uint64     { return o.load(offPayloadWrittenCount) }
func (o OIEB) SetPayloadWrittenCount(v uint64) { o.store(offPayloadWrittenCount, v) }
func (o OIEB) IncPayloadWrittenCount()         { o.add(offPayloadWrittenCount, 1) }

func (o OIEB) PayloadReadCount() uint64     { return o.load(offPayloadReadCount) }
func (o OIEB) SetPayloadReadCount(v uint64) { o.store(offPayloadReadCount, v) }
func (o OIEB) IncPayloadReadCount()         { o.add(offPayloadReadCount, 1) }

func (o OIEB) WriterPid() uint64     { return o.load(offWriterPid) }
func (o OIEB) SetWriterPid(v uint64) { o.store(offWriterPid, v) }

// CompareAndSwapWriterPid atomically claims the writer slot.
func (o OIEB) CompareAndSwapWriterPid(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(o.field(offWriterPid), old, new)
}

func (o OIEB) ReaderPid() uint64     { return o.load(offReaderPid) }
func (o OIEB) SetReaderPid(v uint64) { o.store(offReaderPid, v) }

// WriterStartTime and ReaderStartTime hold each endpoint's process start
// time (clock ticks since boot, as read from /proc/<pid>/stat) alongside
// its pid, so a peer observing a live process at that pid can tell it
// apart from an unrelated process that reused the pid after the
// original endpoint exited.
func (o OIEB) WriterStartTime() uint64     { return o.load(offWriterStartTime) }
func (o OIEB) SetWriterStartTime(v uint64) { o.store(offWriterStartTime, v) }

func (o OIEB) ReaderStartTime() uint64     { return o.load(offReaderStartTime) }
func (o OIEB) SetReaderStartTime(v uint64) { o.store(offReaderStartTime, v) }

// Init zeroes out the mutable fields of a freshly created OIEB and fills
// in the fixed ones.
func (o OIEB) Init(metadataSize, payloadSize, readerPid uint64) {
	o.SetOperationSize(OIEBSize)
	o.SetMetadataSize(metadataSize)
	o.SetMetadataFreeBytes(metadataSize)
	o.SetMetadataWrittenBytes(0)
	o.SetPayloadSize(payloadSize)
	o.SetPayloadFreeBytes(payloadSize)
	o.SetPayloadWritePos(0)
	o.SetPayloadReadPos(0)
	o.SetPayloadWrittenCount(0)
	o.SetPayloadReadCount(0)
	o.SetReaderPid(readerPid)
	o.SetWriterPid(0)
	o.SetReaderStartTime(0)
	o.SetWriterStartTime(0)
}
