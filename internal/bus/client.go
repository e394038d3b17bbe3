package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL       = "redis://localhost:6379/0"
	defaultMaxAttempts    = 10
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// ErrConnClosed reports an operation attempted on a closed client.
var ErrConnClosed = errors.New("stream client closed")

type (
	// ClientOptions configures the stream client.
	ClientOptions struct {
		// URL is the broker address. Defaults to redis://localhost:6379/0.
		URL string
		// MaxAttempts bounds reconnection tries. Defaults to 10.
		MaxAttempts int
		// InitialBackoff is the first reconnect delay. Defaults to 100ms.
		InitialBackoff time.Duration
		// MaxBackoff caps the exponential delay growth. Defaults to 5s.
		MaxBackoff time.Duration
		// Halt, when set, is consulted before every reconnect sleep so a
		// tripped emergency stop aborts the wait instead of riding it out.
		Halt func() error
	}

	// Client wraps the broker connection with TCP-style reconnection.
	Client struct {
		opts ClientOptions

		mu     sync.Mutex
		rdb    *redis.Client
		closed bool
	}

	// ReconnectError reports that every reconnection attempt failed.
	ReconnectError struct {
		Attempts int
		LastErr  error
	}
)

// Error returns a description including the attempt count and last failure.
func (e *ReconnectError) Error() string {
	return fmt.Sprintf("reconnect failed after %d attempts: %v", e.Attempts, e.LastErr)
}

// Unwrap exposes the last underlying failure for errors.Is/As.
func (e *ReconnectError) Unwrap() error { return e.LastErr }

// NewClient constructs a stream client. The broker URL is parsed eagerly so
// a malformed address fails fast; no connection is made until Connect.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.URL == "" {
		opts.URL = defaultRedisURL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	return &Client{opts: opts, rdb: redis.NewClient(ropts)}, nil
}

// Connect verifies the connection, retrying with exponential backoff until a
// ping succeeds or attempts are exhausted.
func (c *Client) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if err := c.Ping(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == c.opts.MaxAttempts {
			break
		}
		if c.opts.Halt != nil {
			if err := c.opts.Halt(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(attempt, c.opts.InitialBackoff, c.opts.MaxBackoff)):
		}
	}
	return &ReconnectError{Attempts: c.opts.MaxAttempts, LastErr: lastErr}
}

// Name identifies the client to health checkers.
func (c *Client) Name() string { return "event-bus" }

// Ping round-trips the broker.
func (c *Client) Ping(ctx context.Context) error {
	rdb, err := c.handle()
	if err != nil {
		return err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping broker: %w", err)
	}
	return nil
}

// Close releases the connection pool. Further operations fail with
// ErrConnClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rdb.Close()
}

// Redis exposes the underlying handle for stream commands.
func (c *Client) Redis() (*redis.Client, error) {
	return c.handle()
}

// ExecuteWithRetry runs op and, on connection loss, transparently reconnects
// once and re-runs it. Non-connection errors pass through unchanged.
func (c *Client) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil || !isConnError(err) {
		return err
	}
	if rerr := c.Connect(ctx); rerr != nil {
		return fmt.Errorf("reconnect after %v: %w", err, rerr)
	}
	return op(ctx)
}

func (c *Client) handle() (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	return c.rdb, nil
}

// backoffDelay computes the n-th reconnect delay: base doubled per attempt,
// capped at max, plus 0-50% jitter. The result stays within
// [base*2^(n-1), 1.5*base*2^(n-1)] with the exponential part capped.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

// isConnError classifies failures that warrant a reconnect: closed clients,
// dial failures, and broker-side resets. Command errors (wrong type, bad
// arguments) are not connection errors.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnClosed) || errors.Is(err, redis.ErrClosed) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}
