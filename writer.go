package zerobuffer

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/modelingevolution/zerobuffer-sub004/internal/wire"
	"github.com/modelingevolution/zerobuffer-sub004/platform"
)

// Writer is the channel endpoint that attaches to an existing segment and
// publishes frames.
type Writer struct {
	name string
	opts *options

	shm  *platform.SharedMemory
	oieb wire.OIEB

	metadata []byte
	payload  []byte

	semW *platform.Semaphore // we post this to wake the reader
	semR *platform.Semaphore // we wait on this

	mu            sync.Mutex
	nextSeq       uint64
	framesWritten uint64
	bytesWritten  uint64
	pending       *pendingFrame
	closed        bool
}

type pendingFrame struct {
	writePos uint64
	size     uint64
	seq      uint64
}

// ConnectWriter attaches to an existing channel.
func ConnectWriter(name string, opt ...Option) (*Writer, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	o := newOptions()
	for _, f := range opt {
		f(o)
	}

	shm, err := platform.OpenSHM(name)
	if err != nil {
		return nil, fmt.Errorf("zerobuffer: connect writer %q: %w", name, err)
	}

	oieb := wire.NewOIEBView(shm.Data)
	if err := validateOIEB(oieb, len(shm.Data)); err != nil {
		_ = shm.Close()
		return nil, fmt.Errorf("zerobuffer: connect writer %q: %w", name, err)
	}

	myPid := platform.Pid()
	for {
		cur := oieb.WriterPid()
		if livePeer(cur, oieb.WriterStartTime()) {
			_ = shm.Close()
			return nil, fmt.Errorf("zerobuffer: connect writer %q: %w", name, ErrWriterAlreadyExists)
		}
		if oieb.CompareAndSwapWriterPid(cur, myPid) {
			break
		}
	}
	if start, err := platform.CurrentProcessStartTime(); err == nil {
		oieb.SetWriterStartTime(start)
	}

	metadata, payload := regions(shm.Data, oieb.MetadataSize(), oieb.PayloadSize())

	semW, err := platform.OpenSemaphore(writerSemName(name))
	if err != nil {
		oieb.SetWriterPid(0)
		_ = shm.Close()
		return nil, fmt.Errorf("zerobuffer: connect writer %q: %w", name, err)
	}
	semR, err := platform.OpenSemaphore(readerSemName(name))
	if err != nil {
		_ = semW.Close()
		oieb.SetWriterPid(0)
		_ = shm.Close()
		return nil, fmt.Errorf("zerobuffer: connect writer %q: %w", name, err)
	}

	o.log.Infow("writer connected", "name", name)

	return &Writer{
		name:     name,
		opts:     o,
		shm:      shm,
		oieb:     oieb,
		metadata: metadata,
		payload:  payload,
		semW:     semW,
		semR:     semR,
	}, nil
}

// SetMetadata writes the channel's write-once metadata block.
func (w *Writer) SetMetadata(data []byte) error {
	if w.oieb.MetadataWrittenBytes() != 0 {
		return ErrMetadataAlreadyWritten
	}
	need := uint64(len(data)) + 8
	if need > w.oieb.MetadataSize() {
		return ErrMetadataTooLarge
	}

	binary.LittleEndian.PutUint64(w.metadata[0:8], uint64(len(data)))
	copy(w.metadata[8:8+len(data)], data)

	w.oieb.SetMetadataFreeBytes(w.oieb.MetadataSize() - need)
	w.oieb.SetMetadataWrittenBytes(need)
	return nil
}

// IsReaderConnected reports whether a live reader currently owns the
// segment.
func (w *Writer) IsReaderConnected() bool {
	return w.readerAlive()
}

func (w *Writer) readerAlive() bool {
	return livePeer(w.oieb.ReaderPid(), w.oieb.ReaderStartTime())
}

// FramesWritten returns the number of frames committed so far.
func (w *Writer) FramesWritten() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framesWritten
}

// BytesWritten returns the number of payload bytes committed so far.
func (w *Writer) BytesWritten() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

// tryAcquireSpace computes where a frame of the given payload size would
// land and whether enough contiguous-after-wrap space is currently free,
// the ring's space-accounting rules.
func (w *Writer) tryAcquireSpace(size uint64) (writePos, waste uint64, ok bool) {
	n := w.oieb.PayloadSize()
	wp := w.oieb.PayloadWritePos()
	rp := w.oieb.PayloadReadPos()
	need := wire.FrameHeaderSize + size

	if wp >= rp {
		tailFree := n - wp
		if need <= tailFree {
			writePos, waste = wp, 0
		} else {
			writePos, waste = 0, tailFree
		}
	} else {
		writePos, waste = wp, 0
	}

	free := w.oieb.PayloadFreeBytes()
	return writePos, waste, free >= need+waste
}

// AcquireFrame reserves space for a size-byte frame and returns a
// zero-copy view into the ring to fill in, along with the sequence
// number that will be assigned on CommitFrame. Only one frame may be
// acquired at a time per Writer.
func (w *Writer) AcquireFrame(size uint64, timeout time.Duration) ([]byte, uint64, error) {
	if size == 0 {
		return nil, 0, ErrInvalidFrameSize
	}
	if size > w.oieb.PayloadSize()-wire.FrameHeaderSize {
		return nil, 0, ErrFrameTooLarge
	}
	if w.pending != nil {
		return nil, 0, fmt.Errorf("zerobuffer: a frame is already acquired and uncommitted")
	}

	dl := computeDeadline(timeout)

	for {
		writePos, waste, ok := w.tryAcquireSpace(size)
		if ok {
			if waste > 0 {
				// A wasted tail shorter than a frame header cannot hold a
				// wrap marker; skip writing one and let the reader infer the
				// wrap from the tail length alone (reader.go mirrors this
				// check before constructing a header view).
				if waste >= wire.FrameHeaderSize {
					wrapHdr := wire.NewFrameHeaderView(w.payload[w.oieb.PayloadWritePos():])
					wrapHdr.PublishWrapMarker()
				}
				w.oieb.AddPayloadFreeBytes(-int64(waste))
			}
			seq := w.nextSeq + 1
			w.pending = &pendingFrame{writePos: writePos, size: size, seq: seq}
			start := writePos + wire.FrameHeaderSize
			return w.payload[start : start+size], seq, nil
		}

		if !w.readerAlive() {
			return nil, 0, ErrReaderDead
		}

		res, err := w.semR.Wait(dl.waitSliceMs(w.opts.pollTimeoutMs))
		if err != nil {
			return nil, 0, err
		}
		switch res {
		case platform.Signaled, platform.Interrupted:
			continue
		case platform.Timeout:
			if dl.expired() {
				// Reader liveness is re-checked unconditionally at the top
				// of the loop, so reaching here with an expired deadline
				// means the reader is still alive; it is simply slow.
				return nil, 0, ErrTimeout
			}
			continue
		}
	}
}

// CommitFrame publishes the frame previously reserved by AcquireFrame:
// it release-stores the frame header after the caller has copied payload
// bytes into the slice AcquireFrame returned, advances the write cursor,
// and wakes the reader.
func (w *Writer) CommitFrame() error {
	p := w.pending
	if p == nil {
		return fmt.Errorf("zerobuffer: CommitFrame called with no frame acquired")
	}
	w.pending = nil

	hdr := wire.NewFrameHeaderView(w.payload[p.writePos:])
	hdr.Publish(p.size, p.seq) // W2

	newWritePos := (p.writePos + wire.FrameHeaderSize + p.size) % w.oieb.PayloadSize()
	w.oieb.SetPayloadWritePos(newWritePos)
	w.oieb.AddPayloadFreeBytes(-int64(wire.FrameHeaderSize + p.size))
	w.oieb.IncPayloadWrittenCount() // W3

	w.nextSeq = p.seq
	w.mu.Lock()
	w.framesWritten++
	w.bytesWritten += p.size
	w.mu.Unlock()

	return w.semW.Post() // W4
}

// WriteFrame copies data into the ring as a single frame, blocking until
// space is available, the reader is observed dead, or timeout elapses.
func (w *Writer) WriteFrame(data []byte, timeout time.Duration) error {
	buf, _, err := w.AcquireFrame(uint64(len(data)), timeout)
	if err != nil {
		return err
	}
	copy(buf, data) // W1: payload bytes copied before header publication.
	return w.CommitFrame()
}

// Close tears down the Writer: it clears the writer pid and wakes any
// blocked reader. A Writer does not own the segment, semaphores, or lock
// file, so it does not remove them.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.oieb.SetWriterPid(0)
	w.oieb.SetWriterStartTime(0)

	var err error
	err = multierr.Append(err, w.semW.Post())
	err = multierr.Append(err, w.semW.Close())
	err = multierr.Append(err, w.semR.Close())
	err = multierr.Append(err, w.shm.Close())

	w.opts.log.Infow("writer disconnected", "name", w.name)
	return err
}
