package zerobuffer_test

import (
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	zb "github.com/modelingevolution/zerobuffer-sub004"
	"github.com/modelingevolution/zerobuffer-sub004/platform"
)

func uniqueChannelName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("zb-test-%d-%d", platform.Pid(), time.Now().UnixNano())
}

// S1: simple write-read cycle with metadata.
func TestSimpleWriteReadCycle(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 1024, PayloadSize: 10240}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	w, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w.Close()

	meta := make([]byte, 100)
	for i := range meta {
		meta[i] = 'A'
	}
	require.NoError(t, w.SetMetadata(meta))

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, w.WriteFrame(payload, time.Second))

	got, ok := r.GetMetadata()
	require.True(t, ok)
	require.Equal(t, meta, got)

	frame, err := r.ReadFrame(time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(1), frame.Sequence())
	require.Equal(t, payload, frame.Data())
	require.NoError(t, r.ReleaseFrame(frame))
}

// P2: round trip for arbitrary payload sizes.
func TestRoundTripVariousSizes(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 0, PayloadSize: 65536}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	w, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w.Close()

	sizes := []int{1, 63, 64, 65, 1023, 4096}
	for i, size := range sizes {
		data := make([]byte, size)
		for j := range data {
			data[j] = byte(i + j)
		}
		require.NoError(t, w.WriteFrame(data, time.Second))

		frame, err := r.ReadFrame(time.Second)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), frame.Sequence())
		require.Equal(t, data, frame.Data())
		require.NoError(t, r.ReleaseFrame(frame))
	}
}

// P1: frames are observed in order with strictly increasing sequence.
func TestFramesObservedInOrder(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 0, PayloadSize: 65536}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	w, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w.Close()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, w.WriteFrame([]byte(fmt.Sprintf("frame-%d", i)), time.Second))
	}
	for i := 0; i < n; i++ {
		frame, err := r.ReadFrame(time.Second)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), frame.Sequence())
		require.Equal(t, fmt.Sprintf("frame-%d", i), string(frame.Data()))
		require.NoError(t, r.ReleaseFrame(frame))
	}
}

// S2: fill then drain.
func TestFillThenDrain(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 0, PayloadSize: 10240}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	w, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w.Close()

	frame := make([]byte, 1024)
	written := 0
	for {
		err := w.WriteFrame(frame, 50*time.Millisecond)
		if err != nil {
			require.ErrorIs(t, err, zb.ErrTimeout)
			break
		}
		written++
	}
	// floor(10240 / (16+1024)) == 9
	require.Equal(t, 9, written)

	f, err := r.ReadFrame(time.Second)
	require.NoError(t, err)
	require.NoError(t, r.ReleaseFrame(f))

	require.NoError(t, w.WriteFrame(frame, time.Second))
}

// S3: wrap with waste, and P4: payload_free_bytes converges correctly
// across a wrap once all frames drain.
func TestWrapWithWaste(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 0, PayloadSize: 10240}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	w, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w.Close()

	// Leave exactly 100 bytes at the tail: payload_size - 16 - firstSize == 100.
	// Release it before the second write so the ring has enough total free
	// space (the wrap waste plus the second frame) to satisfy the write,
	// a wrap past the tail only helps once the space ahead of the write
	// cursor has actually been freed by the reader.
	firstSize := int(cfg.PayloadSize) - 16 - 100
	require.NoError(t, w.WriteFrame(make([]byte, firstSize), time.Second))

	f1, err := r.ReadFrame(time.Second)
	require.NoError(t, err)
	require.Equal(t, firstSize, len(f1.Data()))
	require.NoError(t, r.ReleaseFrame(f1))

	second := make([]byte, 200)
	for i := range second {
		second[i] = byte(i)
	}
	require.NoError(t, w.WriteFrame(second, time.Second))

	f2, err := r.ReadFrame(time.Second)
	require.NoError(t, err)
	require.Equal(t, second, f2.Data())
	require.Equal(t, uint64(2), f2.Sequence())
	require.NoError(t, r.ReleaseFrame(f2))

	// The write cursor sits at offset 216 after f2; this fills the ring's
	// remaining contiguous tail exactly (a full round-trip, not another
	// wrap), bringing both cursors back to offset 0.
	third := int(cfg.PayloadSize) - 216 - 16
	require.NoError(t, w.WriteFrame(make([]byte, third), time.Second))
	f3, err := r.ReadFrame(time.Second)
	require.NoError(t, err)
	require.Equal(t, third, len(f3.Data()))
	require.Equal(t, uint64(3), f3.Sequence())
	require.NoError(t, r.ReleaseFrame(f3))

	// Everything has drained: payload_free_bytes must have converged back
	// to the full ring, including the 100 wasted tail bytes credited back
	// on f2's release, otherwise this write (sized to need every byte
	// the ring has: payload_size minus the 16-byte header) would time out.
	fourth := int(cfg.PayloadSize) - 16
	require.NoError(t, w.WriteFrame(make([]byte, fourth), time.Second))
	f4, err := r.ReadFrame(time.Second)
	require.NoError(t, err)
	require.Equal(t, fourth, len(f4.Data()))
	require.Equal(t, uint64(4), f4.Sequence())
	require.NoError(t, r.ReleaseFrame(f4))
}

// Regression: a wasted tail narrower than a frame header must wrap
// without the writer attempting to publish a marker header into it.
func TestWrapWithTailShorterThanFrameHeader(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 0, PayloadSize: 10240}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	w, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w.Close()

	// Leave a 4-byte tail: payload_size - 16 - firstSize == 4.
	firstSize := int(cfg.PayloadSize) - 16 - 4
	require.NoError(t, w.WriteFrame(make([]byte, firstSize), time.Second))

	f1, err := r.ReadFrame(time.Second)
	require.NoError(t, err)
	require.NoError(t, r.ReleaseFrame(f1))

	second := []byte("small frame after a sub-header tail")
	require.NoError(t, w.WriteFrame(second, time.Second))

	f2, err := r.ReadFrame(time.Second)
	require.NoError(t, err)
	require.Equal(t, second, f2.Data())
	require.Equal(t, uint64(2), f2.Sequence())
	require.NoError(t, r.ReleaseFrame(f2))
}

// S4: writer crash detection.
func TestWriterDeath(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 1024, PayloadSize: 10240}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	w, err := zb.ConnectWriter(name)
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame([]byte("hello"), time.Second))
	frame, err := r.ReadFrame(time.Second)
	require.NoError(t, err)
	require.NoError(t, r.ReleaseFrame(frame))

	// Close clears writer_pid the same way a dead writer's absence is
	// detected (livePeer(0, ...) is always false), so this exercises the
	// same liveness path a real crash would trigger without needing to
	// kill the test process itself.
	w.Close()

	_, err = r.ReadFrame(500 * time.Millisecond)
	require.ErrorIs(t, err, zb.ErrWriterDead)
}

// Regression: a Writer blocked on a full ring with zb.NoTimeout must
// still return ErrReaderDead once the reader is gone, rather than
// blocking forever because an infinite deadline never "expires".
func TestWriterAcquireFrameNoTimeoutReaderDead(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 0, PayloadSize: 1024}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)

	w, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w.Close()

	// Fill the ring so the next AcquireFrame must block on the reader.
	for {
		if err := w.WriteFrame(make([]byte, 64), 10*time.Millisecond); err != nil {
			require.ErrorIs(t, err, zb.ErrTimeout)
			break
		}
	}

	r.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := w.AcquireFrame(64, zb.NoTimeout)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, zb.ErrReaderDead)
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireFrame(NoTimeout) did not return after the reader died")
	}
}

// P6: exclusivity. A second Writer attach on a live channel fails.
func TestWriterExclusivity(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 0, PayloadSize: 4096}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	w1, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w1.Close()

	_, err = zb.ConnectWriter(name)
	require.ErrorIs(t, err, zb.ErrWriterAlreadyExists)
}

// P7: metadata write-once.
func TestMetadataWriteOnce(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 1024, PayloadSize: 4096}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	w, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.SetMetadata([]byte("first")))
	err = w.SetMetadata([]byte("second"))
	require.ErrorIs(t, err, zb.ErrMetadataAlreadyWritten)

	got, ok := r.GetMetadata()
	require.True(t, ok)
	require.Equal(t, "first", string(got))
}

func TestMetadataTooLarge(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 64, PayloadSize: 4096}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	w, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w.Close()

	err = w.SetMetadata(make([]byte, 128))
	require.ErrorIs(t, err, zb.ErrMetadataTooLarge)
}

// S5: reader replacement via the stale-resource reaper.
// TestHelperProcess is not a real test: it is re-executed as a child
// process by TestReaderReplacementReapsStaleResources (the standard
// os/exec "helper process" pattern) to create a Reader and then exit
// uncleanly, leaving its lock file, segment and semaphores behind so the
// parent can exercise the stale-resource reaper against a genuinely dead
// owner instead of a mock.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("ZB_WANT_HELPER_PROCESS") != "1" {
		t.Skip("not invoked as a helper process")
	}
	name := os.Args[len(os.Args)-1]
	cfg := zb.BufferConfig{MetadataSize: 1024, PayloadSize: 10240}

	r, err := zb.NewReader(name, cfg)
	if err != nil {
		os.Exit(1)
	}
	w, err := zb.ConnectWriter(name)
	if err != nil {
		os.Exit(1)
	}
	if err := w.WriteFrame([]byte("one"), time.Second); err != nil {
		os.Exit(1)
	}
	frame, err := r.ReadFrame(time.Second)
	if err != nil {
		os.Exit(1)
	}
	if err := r.ReleaseFrame(frame); err != nil {
		os.Exit(1)
	}
	// Exit without calling r.Close() or w.Close(): the lock file,
	// segment and semaphores are left on disk exactly as a crash would
	// leave them.
	os.Exit(0)
}

func TestReaderReplacementReapsStaleResources(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 1024, PayloadSize: 10240}

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "-test.v")
	cmd.Env = append(os.Environ(), "ZB_WANT_HELPER_PROCESS=1")
	cmd.Args = append(cmd.Args, "--", name)
	require.NoError(t, cmd.Run())

	r2, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r2.Close()

	w2, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w2.Close()

	require.NoError(t, w2.WriteFrame([]byte("two"), time.Second))
	frame, err := r2.ReadFrame(time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(1), frame.Sequence())
	require.Equal(t, "two", string(frame.Data()))
	require.NoError(t, r2.ReleaseFrame(frame))
}

// P3: idempotent cleanup. Create/destroy/re-create with the same name.
func TestIdempotentCleanup(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 0, PayloadSize: 4096}

	r1, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	r2, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	require.NoError(t, r2.Close())
}

func TestBusyOnSecondReader(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 0, PayloadSize: 4096}

	r1, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r1.Close()

	_, err = zb.NewReader(name, cfg)
	require.ErrorIs(t, err, zb.ErrBusy)
}

func TestInvalidFrameSize(t *testing.T) {
	name := uniqueChannelName(t)
	cfg := zb.BufferConfig{MetadataSize: 0, PayloadSize: 4096}

	r, err := zb.NewReader(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	w, err := zb.ConnectWriter(name)
	require.NoError(t, err)
	defer w.Close()

	_, _, err = w.AcquireFrame(0, time.Second)
	require.ErrorIs(t, err, zb.ErrInvalidFrameSize)

	_, _, err = w.AcquireFrame(cfg.PayloadSize, time.Second)
	require.ErrorIs(t, err, zb.ErrFrameTooLarge)
}

func TestChannelNameValidation(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"abc", true},
		{"", false},
		{"has space", false},
		{"has/slash", false},
		{"has\ttab", false},
	}
	for _, c := range cases {
		err := zb.ValidateName(c.name)
		if c.valid {
			require.NoError(t, err, c.name)
		} else {
			require.Error(t, err, c.name)
		}
	}
}
