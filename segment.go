package zerobuffer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/modelingevolution/zerobuffer-sub004/internal/wire"
	"github.com/modelingevolution/zerobuffer-sub004/platform"
)

// Segment layout: [OIEB | metadata(metadata_size) | payload(payload_size)],
// each region starting on a platform.BlockAlignment boundary.

func segmentSize(cfg BufferConfig) uint64 {
	return wire.OIEBSize +
		platform.AlignUp(cfg.MetadataSize, platform.BlockAlignment) +
		platform.AlignUp(cfg.PayloadSize, platform.BlockAlignment)
}

func regions(data []byte, metadataSize, payloadSize uint64) (metadata, payload []byte) {
	metaOff := uint64(wire.OIEBSize)
	payloadOff := metaOff + platform.AlignUp(metadataSize, platform.BlockAlignment)
	return data[metaOff : metaOff+metadataSize], data[payloadOff : payloadOff+payloadSize]
}

func writerSemName(name string) string { return "sem-w-" + name }
func readerSemName(name string) string { return "sem-r-" + name }

func lockFilePath(name string) string {
	return filepath.Join(os.TempDir(), name+".lock")
}

// livePeer reports whether pid names a running process and, when
// stamped is non-zero, that the process currently at pid started at
// stamped, guarding against a pid that has since been recycled by an
// unrelated process.
func livePeer(pid, stamped uint64) bool {
	if pid == 0 || !platform.ProcessAlive(pid) {
		return false
	}
	if stamped == 0 {
		return true
	}
	actual, err := platform.ProcessStartTime(pid)
	if err != nil {
		return false
	}
	return actual == stamped
}

// validateOIEB checks the segment's compatibility rule: operation_size
// must be 128 and declared block sizes must match the actual segment length.
func validateOIEB(oieb wire.OIEB, segmentLen int) error {
	if oieb.OperationSize() != wire.OIEBSize {
		return fmt.Errorf("zerobuffer: operation_size %d != %d: %w", oieb.OperationSize(), wire.OIEBSize, ErrInvalidOIEB)
	}
	want := wire.OIEBSize +
		platform.AlignUp(oieb.MetadataSize(), platform.BlockAlignment) +
		platform.AlignUp(oieb.PayloadSize(), platform.BlockAlignment)
	if uint64(segmentLen) != want {
		return fmt.Errorf("zerobuffer: segment length %d does not match declared sizes (want %d): %w", segmentLen, want, ErrInvalidOIEB)
	}
	return nil
}
