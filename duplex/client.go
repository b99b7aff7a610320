package duplex

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	zb "github.com/modelingevolution/zerobuffer-sub004"
)

// Client is the duplex endpoint that creates the response sub-channel
// and connects to the request sub-channel the Server owns.
type Client struct {
	req  *zb.Writer
	resp *zb.Reader
	log  *zap.SugaredLogger

	pendingMu sync.Mutex
	pending   map[uint64][]byte
}

// ClientOption configures a Client beyond the shared sub-channel Option.
type ClientOption func(*clientOptions)

type clientOptions struct {
	log *zap.SugaredLogger
}

// WithClientLogger sets the client's logger.
func WithClientLogger(log *zap.SugaredLogger) ClientOption {
	return func(o *clientOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// NewClient connects to the request sub-channel (retrying until the
// Server creates it) and creates the response sub-channel that the
// Server will in turn connect to.
func NewClient(ctx context.Context, name string, cfg BufferConfig, copts []ClientOption, opts ...Option) (*Client, error) {
	co := &clientOptions{log: zap.NewNop().Sugar()}
	for _, f := range copts {
		f(co)
	}

	resp, err := zb.NewReader(responseChannelName(name), cfg, opts...)
	if err != nil {
		return nil, err
	}

	req, err := retryConnectRequestWriter(ctx, requestChannelName(name), opts)
	if err != nil {
		_ = resp.Close()
		return nil, err
	}

	return &Client{
		req:     req,
		resp:    resp,
		log:     co.log,
		pending: make(map[uint64][]byte),
	}, nil
}

func retryConnectRequestWriter(ctx context.Context, name string, opts []Option) (*zb.Writer, error) {
	op := func() (*zb.Writer, error) {
		w, err := zb.ConnectWriter(name, opts...)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
}

// Close tears down both sub-channel endpoints.
func (c *Client) Close() error {
	return multierr.Append(c.req.Close(), c.resp.Close())
}

// Call sends request and blocks until the matching response arrives or
// timeout elapses. Responses for other in-flight calls (ThreadPool mode
// on the server side can complete out of order) are buffered in
// c.pending until their own caller asks for them.
func (c *Client) Call(request []byte, timeout time.Duration) ([]byte, error) {
	buf, cid, err := c.req.AcquireFrame(uint64(len(request)), timeout)
	if err != nil {
		return nil, err
	}
	copy(buf, request)
	if err := c.req.CommitFrame(); err != nil {
		return nil, err
	}

	infinite := timeout == zb.NoTimeout
	var until time.Time
	if !infinite {
		until = time.Now().Add(timeout)
	}

	for {
		if payload, ok := c.takePending(cid); ok {
			return payload, nil
		}

		remaining := timeout
		if !infinite {
			remaining = time.Until(until)
			if remaining < 0 {
				remaining = 0
			}
		}
		frame, err := c.resp.ReadFrame(remaining)
		if err != nil {
			if errors.Is(err, zb.ErrTimeout) {
				return nil, zb.ErrTimeout
			}
			return nil, err
		}

		gotCID, rawPayload, derr := decodeEnvelope(frame.Data())
		if derr != nil {
			_ = c.resp.ReleaseFrame(frame)
			return nil, derr
		}
		payload := append([]byte(nil), rawPayload...)
		if err := c.resp.ReleaseFrame(frame); err != nil {
			return nil, err
		}

		if gotCID == cid {
			return payload, nil
		}
		c.stashPending(gotCID, payload)
	}
}

func (c *Client) takePending(cid uint64) ([]byte, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	payload, ok := c.pending[cid]
	if ok {
		delete(c.pending, cid)
	}
	return payload, ok
}

func (c *Client) stashPending(cid uint64, payload []byte) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[cid] = payload
}
