package zerobuffer

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error taxonomy. Use errors.Is to test
// for these; SequenceError carries additional fields and is matched with
// errors.As.
var (
	// Setup errors.
	ErrNameInUse           = errors.New("zerobuffer: name in use")
	ErrBusy                = errors.New("zerobuffer: lock busy")
	ErrInvalidOIEB         = errors.New("zerobuffer: invalid OIEB")
	ErrWriterAlreadyExists = errors.New("zerobuffer: writer already exists")

	// Runtime write errors.
	ErrReaderDead             = errors.New("zerobuffer: reader dead")
	ErrBufferFull             = errors.New("zerobuffer: buffer full")
	ErrFrameTooLarge          = errors.New("zerobuffer: frame too large")
	ErrInvalidFrameSize       = errors.New("zerobuffer: invalid frame size")
	ErrMetadataAlreadyWritten = errors.New("zerobuffer: metadata already written")
	ErrMetadataTooLarge       = errors.New("zerobuffer: metadata too large")

	// Runtime read errors.
	ErrWriterDead   = errors.New("zerobuffer: writer dead")
	ErrInvalidFrame = errors.New("zerobuffer: invalid frame")

	// Shared.
	ErrTimeout = errors.New("zerobuffer: timeout")
)

// SequenceError reports a gap or reorder in the frame sequence observed
// by the reader. It is fatal: the ring is either corrupted or a protocol
// violation occurred.
type SequenceError struct {
	Expected uint64
	Got      uint64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("zerobuffer: sequence error: expected %d, got %d", e.Expected, e.Got)
}
