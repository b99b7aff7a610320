package zerobuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/modelingevolution/zerobuffer-sub004/internal/wire"
	"github.com/modelingevolution/zerobuffer-sub004/platform"
	"github.com/modelingevolution/zerobuffer-sub004/reaper"
)

// Reader is the channel endpoint that creates and owns the segment: it
// allocates the shared memory, initializes the OIEB, and is responsible
// for final teardown.
type Reader struct {
	name string
	cfg  BufferConfig
	opts *options

	lock *platform.LockGuard
	shm  *platform.SharedMemory
	oieb wire.OIEB

	metadata []byte
	payload  []byte

	semW *platform.Semaphore // writer posts, reader waits
	semR *platform.Semaphore // reader posts, writer waits

	mu           sync.Mutex
	expectedSeq  uint64
	framesRead   uint64
	bytesRead    uint64
	pendingWaste uint64
	closed       bool
}

// NewReader creates a new channel named name with the given buffer
// configuration.
func NewReader(name string, cfg BufferConfig, opt ...Option) (*Reader, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := newOptions()
	for _, f := range opt {
		f(o)
	}

	lockPath := lockFilePath(name)
	lock, err := platform.TryAcquireLockFile(lockPath)
	if err != nil {
		if errors.Is(err, platform.ErrBusy) {
			return nil, fmt.Errorf("zerobuffer: create reader %q: %w", name, ErrBusy)
		}
		return nil, fmt.Errorf("zerobuffer: create reader %q: %w", name, err)
	}

	// Reap any segment/semaphores this exact name left behind. Holding
	// name's lock exclusively (just above) already proves no live Reader
	// owns it: the per-name lock is held for a Reader's entire lifetime
	// (§5), so a leftover segment under this name can only be the debris
	// of a prior crash, not a live peer's. The generic Sweep below cannot
	// discover this case itself: it reaps names whose *lock file* is
	// currently unheld, but we ourselves now hold this one.
	if err := reaper.Reap(name); err != nil {
		o.log.Warnw("reap of own stale resources failed", "name", name, "error", err)
	}

	reaped, reapErr := reaper.Sweep(o.log)
	if reapErr != nil {
		o.log.Warnw("stale-resource sweep failed", "error", reapErr)
	}
	if len(reaped) > 0 {
		o.log.Infow("reaped stale channel resources", "channels", reaped)
	}

	size := segmentSize(cfg)
	shm, err := platform.CreateSHM(name, size)
	if err != nil {
		_ = lock.Release()
		if errors.Is(err, platform.ErrAlreadyExists) {
			return nil, fmt.Errorf("zerobuffer: create reader %q: %w", name, ErrNameInUse)
		}
		return nil, fmt.Errorf("zerobuffer: create reader %q: %w", name, err)
	}

	oieb := wire.NewOIEBView(shm.Data)
	oieb.Init(cfg.MetadataSize, cfg.PayloadSize, platform.Pid())
	if start, err := platform.CurrentProcessStartTime(); err == nil {
		oieb.SetReaderStartTime(start)
	}

	metadata, payload := regions(shm.Data, cfg.MetadataSize, cfg.PayloadSize)

	semW, err := platform.CreateSemaphore(writerSemName(name), 0)
	if err != nil {
		_ = shm.Close()
		_ = platform.RemoveSHM(name)
		_ = lock.Release()
		return nil, fmt.Errorf("zerobuffer: create reader %q: %w", name, err)
	}
	semR, err := platform.CreateSemaphore(readerSemName(name), 0)
	if err != nil {
		_ = semW.Close()
		_ = platform.RemoveSemaphore(writerSemName(name))
		_ = shm.Close()
		_ = platform.RemoveSHM(name)
		_ = lock.Release()
		return nil, fmt.Errorf("zerobuffer: create reader %q: %w", name, err)
	}

	o.log.Infow("channel created", "name", name, "config", cfg.String())

	return &Reader{
		name:     name,
		cfg:      cfg,
		opts:     o,
		lock:     lock,
		shm:      shm,
		oieb:     oieb,
		metadata: metadata,
		payload:  payload,
		semW:     semW,
		semR:     semR,
	}, nil
}

// GetMetadata returns the metadata written by the Writer, or false if none
// has been written yet.
func (r *Reader) GetMetadata() ([]byte, bool) {
	if r.oieb.MetadataWrittenBytes() == 0 {
		return nil, false
	}
	length := binary.LittleEndian.Uint64(r.metadata[0:8])
	return r.metadata[8 : 8+length], true
}

// IsWriterConnected reports whether a live writer currently owns the
// writer slot, optionally polling for up to waitMs milliseconds.
func (r *Reader) IsWriterConnected(waitMs int) bool {
	deadline := time.Now().Add(time.Duration(waitMs) * time.Millisecond)
	for {
		if r.writerAlive() {
			return true
		}
		if waitMs <= 0 || !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// writerAlive reports whether the writer slot is held by a process that
// is both running and the same process that claimed it: a live process
// at that pid whose start time doesn't match the one stamped into the
// OIEB at connect time is a different process that reused the pid, not
// the original writer.
func (r *Reader) writerAlive() bool {
	return livePeer(r.oieb.WriterPid(), r.oieb.WriterStartTime())
}

// FramesRead returns the number of frames released so far.
func (r *Reader) FramesRead() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.framesRead
}

// BytesRead returns the number of payload bytes released so far.
func (r *Reader) BytesRead() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesRead
}

// ReadFrame blocks until a frame is available, the writer is observed
// dead, or timeout elapses.
func (r *Reader) ReadFrame(timeout time.Duration) (Frame, error) {
	dl := computeDeadline(timeout)

	for {
		if r.oieb.PayloadWrittenCount() == r.oieb.PayloadReadCount() {
			alive := r.writerAlive()
			if !alive && dl.expired() {
				return Frame{}, ErrWriterDead
			}

			res, err := r.semW.Wait(dl.waitSliceMs(r.opts.pollTimeoutMs))
			if err != nil {
				return Frame{}, err
			}
			switch res {
			case platform.Signaled:
				continue
			case platform.Interrupted:
				continue
			case platform.Timeout:
				if dl.expired() {
					if !r.writerAlive() {
						return Frame{}, ErrWriterDead
					}
					return Frame{}, ErrTimeout
				}
				continue
			}
		}

		p := r.oieb.PayloadReadPos()
		if r.oieb.PayloadSize()-p < wire.FrameHeaderSize {
			// The wasted tail was shorter than a frame header, so the
			// writer could not publish a marker there at all (see
			// Writer.AcquireFrame); the short tail itself is the wrap
			// signal. Treat it exactly like an explicit wrap marker below.
			r.pendingWaste += r.oieb.PayloadSize() - p
			r.oieb.SetPayloadReadPos(0)
			continue
		}
		hdr := wire.NewFrameHeaderView(r.payload[p:])
		if hdr.IsWrapMarker() {
			// The writer already debited the abandoned tail [p, payload_size)
			// from payload_free_bytes when it published this marker. Credit
			// it back on the next ReleaseFrame rather than here, per the
			// release-ordering rule in spec (R2): until then those bytes are
			// still "in flight" from the perspective of a free-space check
			// racing this read.
			r.pendingWaste += r.oieb.PayloadSize() - p
			r.oieb.SetPayloadReadPos(0)
			continue
		}

		size := hdr.PayloadSize()
		if size > r.oieb.PayloadSize()-wire.FrameHeaderSize {
			return Frame{}, ErrInvalidFrame
		}
		seq := hdr.SequenceNumber()
		if seq != r.expectedSeq+1 {
			return Frame{}, &SequenceError{Expected: r.expectedSeq + 1, Got: seq}
		}

		start := p + wire.FrameHeaderSize
		data := r.payload[start : start+size]
		r.expectedSeq = seq

		return Frame{data: data, sequence: seq, advance: wire.FrameHeaderSize + size}, nil
	}
}

// ReleaseFrame advances the read cursor past f and wakes a blocked
// writer. Releases must happen in the order frames
// were returned by ReadFrame.
func (r *Reader) ReleaseFrame(f Frame) error {
	newPos := (r.oieb.PayloadReadPos() + f.advance) % r.oieb.PayloadSize()
	r.oieb.SetPayloadReadPos(newPos)

	r.mu.Lock()
	waste := r.pendingWaste
	r.pendingWaste = 0
	r.mu.Unlock()
	r.oieb.AddPayloadFreeBytes(int64(f.advance + waste))
	r.oieb.IncPayloadReadCount()

	r.mu.Lock()
	r.framesRead++
	r.bytesRead += f.advance - wire.FrameHeaderSize
	r.mu.Unlock()

	return r.semR.Post()
}

// Close tears down the Reader: it clears the reader pid, wakes any
// blocked writer, then (Reader only) removes the segment, semaphores and
// lock file.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.oieb.SetReaderPid(0)
	r.oieb.SetReaderStartTime(0)

	var err error
	err = multierr.Append(err, r.semR.Post())
	err = multierr.Append(err, r.semW.Close())
	err = multierr.Append(err, r.semR.Close())
	err = multierr.Append(err, platform.RemoveSemaphore(writerSemName(r.name)))
	err = multierr.Append(err, platform.RemoveSemaphore(readerSemName(r.name)))
	err = multierr.Append(err, r.shm.Close())
	err = multierr.Append(err, platform.RemoveSHM(r.name))
	err = multierr.Append(err, r.lock.Release())

	r.opts.log.Infow("channel closed", "name", r.name)
	return err
}
