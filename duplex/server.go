package duplex

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	zb "github.com/modelingevolution/zerobuffer-sub004"
	"github.com/modelingevolution/zerobuffer-sub004/platform"
)

// pollTimeout bounds each ReadFrame call in the serve loop so Serve can
// notice context cancellation promptly.
const pollTimeout = 250 * time.Millisecond

// Server is the duplex endpoint that owns the request sub-channel's
// Reader and the response sub-channel's Writer; the "immutable server"
// variant: responses are allocated fresh from the
// response ring rather than reusing request buffers in place.
type Server struct {
	req     *zb.Reader
	resp    *zb.Writer
	mode    ProcessingMode
	handler Handler
	log     *zap.SugaredLogger

	respMu sync.Mutex
}

// ServerOption configures a Server beyond the shared sub-channel Option.
type ServerOption func(*serverOptions)

type serverOptions struct {
	log *zap.SugaredLogger
}

// WithLogger sets the server's logger.
func WithLogger(log *zap.SugaredLogger) ServerOption {
	return func(o *serverOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// NewServer creates the request sub-channel (`<name>_request`, which this
// call owns) and connects to the response sub-channel (`<name>_response`,
// created by the Client), retrying the connect with backoff until the
// Client creates it or the context is done.
func NewServer(ctx context.Context, name string, cfg BufferConfig, mode ProcessingMode, handler Handler, sopts []ServerOption, opts ...Option) (*Server, error) {
	so := &serverOptions{log: zap.NewNop().Sugar()}
	for _, f := range sopts {
		f(so)
	}

	req, err := zb.NewReader(requestChannelName(name), cfg, opts...)
	if err != nil {
		return nil, err
	}

	resp, err := retryConnectWriter(ctx, responseChannelName(name), opts)
	if err != nil {
		_ = req.Close()
		return nil, err
	}

	return &Server{req: req, resp: resp, mode: mode, handler: handler, log: so.log}, nil
}

func retryConnectWriter(ctx context.Context, name string, opts []Option) (*zb.Writer, error) {
	op := func() (*zb.Writer, error) {
		w, err := zb.ConnectWriter(name, opts...)
		if err != nil {
			if errors.Is(err, platform.ErrNotFound) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return w, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
}

// Close tears down both sub-channel endpoints.
func (s *Server) Close() error {
	return multierr.Append(s.req.Close(), s.resp.Close())
}

// Serve reads requests and dispatches them to the handler until ctx is
// done or a terminal channel error occurs, per the server
// contract: every successfully read request gets exactly one response
// write attempt.
func (s *Server) Serve(ctx context.Context) error {
	if s.mode == ThreadPool {
		return s.serveThreadPool(ctx)
	}
	return s.serveSingleThread(ctx)
}

func (s *Server) serveSingleThread(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := s.req.ReadFrame(pollTimeout)
		if err != nil {
			if errors.Is(err, zb.ErrTimeout) {
				continue
			}
			return err
		}

		reqData := append([]byte(nil), frame.Data()...)
		seq := frame.Sequence()
		if err := s.req.ReleaseFrame(frame); err != nil {
			return err
		}

		resp, herr := s.handler(reqData)
		if herr != nil {
			s.log.Errorw("duplex handler error", "error", herr)
			resp = nil
		}
		if err := s.writeResponse(seq, resp); err != nil {
			return err
		}
	}
}

func (s *Server) serveThreadPool(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var readErr error
loop:
	for {
		if err := gctx.Err(); err != nil {
			break loop
		}

		frame, err := s.req.ReadFrame(pollTimeout)
		if err != nil {
			if errors.Is(err, zb.ErrTimeout) {
				continue
			}
			readErr = err
			break loop
		}

		reqData := append([]byte(nil), frame.Data()...)
		seq := frame.Sequence()
		if err := s.req.ReleaseFrame(frame); err != nil {
			readErr = err
			break loop
		}

		g.Go(func() error {
			resp, herr := s.handler(reqData)
			if herr != nil {
				s.log.Errorw("duplex handler error", "error", herr)
				resp = nil
			}
			return s.writeResponse(seq, resp)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if readErr != nil && !errors.Is(readErr, context.Canceled) && !errors.Is(readErr, context.DeadlineExceeded) {
		return readErr
	}
	return ctx.Err()
}

// writeResponse serializes access to the shared response Writer: per
// the contract, a single endpoint is not thread-safe across goroutines, so
// ThreadPool mode must still serialize writes even though handlers run
// concurrently.
func (s *Server) writeResponse(correlationID uint64, payload []byte) error {
	s.respMu.Lock()
	defer s.respMu.Unlock()

	buf, _, err := s.resp.AcquireFrame(uint64(correlationSize+len(payload)), zb.NoTimeout)
	if err != nil {
		return err
	}
	envelope := encodeEnvelope(correlationID, payload)
	copy(buf, envelope)
	return s.resp.CommitFrame()
}
