// Package stream models streamed AI completions as a pull-based sequence of
// chunks. Producers run in their own goroutine behind a channel; consumers
// call Next until io.EOF and may Close early to cancel the producer.
//
// Usage:
//
//	s := stream.WithInactivityTimeout(src, 30*time.Second)
//	res, err := stream.Collect(ctx, s, 1<<20)
//	var se *stream.StreamError
//	if errors.As(err, &se) {
//	    // se.Partial holds what arrived before the failure
//	}
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Chunk is one piece of streamed output. Usage fields are only set by
// producers that report them, typically on the final chunk.
type Chunk struct {
	Content      string
	TotalTokens  int
	FinishReason string
}

// Stream is a pull-based chunk sequence. Next returns io.EOF after the last
// chunk. Close releases the producer and is safe to call more than once.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// ErrInactivityTimeout is returned by Next when no chunk arrived within the
// configured window.
var ErrInactivityTimeout = errors.New("stream inactivity timeout")

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("stream closed")

// Emit hands one chunk to the consumer. It blocks until the consumer pulls
// it and fails once the stream is closed.
type Emit func(Chunk) error

// Producer writes chunks via emit and returns nil on normal completion.
type Producer func(ctx context.Context, emit Emit) error

type channelStream struct {
	ch     chan Chunk
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once
}

// NewChannelStream starts produce in a goroutine and exposes its output as a
// Stream. The producer's context is cancelled by Close or when parent ends.
func NewChannelStream(parent context.Context, produce Producer) Stream {
	ctx, cancel := context.WithCancel(parent)
	s := &channelStream{
		ch:     make(chan Chunk),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(s.done)
		err := produce(ctx, func(c Chunk) error {
			select {
			case s.ch <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	return s
}

func (s *channelStream) Next(ctx context.Context) (Chunk, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Chunk{}, ErrClosed
	}
	select {
	case c := <-s.ch:
		return c, nil
	case <-s.done:
		// The producer may have handed off a final chunk just before exiting.
		select {
		case c := <-s.ch:
			return c, nil
		default:
		}
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err == nil {
			return Chunk{}, io.EOF
		}
		return Chunk{}, err
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

func (s *channelStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
	})
	return nil
}

// FromChunks returns a Stream that yields chunks in order.
func FromChunks(chunks ...Chunk) Stream {
	return NewChannelStream(context.Background(), func(_ context.Context, emit Emit) error {
		for _, c := range chunks {
			if err := emit(c); err != nil {
				return err
			}
		}
		return nil
	})
}

type inactivityStream struct {
	inner  Stream
	window time.Duration
}

// WithInactivityTimeout aborts s when no chunk arrives within window. The
// timer restarts on every chunk. On expiry the inner stream is closed and
// Next returns ErrInactivityTimeout.
func WithInactivityTimeout(s Stream, window time.Duration) Stream {
	if window <= 0 {
		return s
	}
	return &inactivityStream{inner: s, window: window}
}

func (s *inactivityStream) Next(ctx context.Context) (Chunk, error) {
	tctx, cancel := context.WithTimeout(ctx, s.window)
	defer cancel()
	c, err := s.inner.Next(tctx)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		_ = s.inner.Close()
		return Chunk{}, ErrInactivityTimeout
	}
	return c, err
}

func (s *inactivityStream) Close() error { return s.inner.Close() }

// Reason classifies why a stream ended early.
type Reason string

const (
	ReasonTimeout        Reason = "timeout"
	ReasonCancelled      Reason = "cancelled"
	ReasonBufferOverflow Reason = "buffer_overflow"
	ReasonUpstream       Reason = "upstream"
)

// StreamError reports an early end together with the content accumulated
// up to that point.
type StreamError struct {
	Reason  Reason
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream %s after %d bytes: %v", e.Reason, len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream %s after %d bytes", e.Reason, len(e.Partial))
}

func (e *StreamError) Unwrap() error { return e.Err }

// ErrBufferOverflow is wrapped by StreamError when output exceeds the limit.
var ErrBufferOverflow = errors.New("stream buffer limit exceeded")

// Result is the outcome of a fully consumed stream.
type Result struct {
	Content      string
	Chunks       int
	TotalTokens  int
	FinishReason string
}

// Collect drains s into a Result, closing s on return. maxBytes <= 0 means
// unbounded. Cancellation of ctx is checked before each chunk is accepted.
func Collect(ctx context.Context, s Stream, maxBytes int) (Result, error) {
	defer s.Close()

	var (
		res Result
		buf []byte
	)
	fail := func(r Reason, err error) (Result, error) {
		res.Content = string(buf)
		return res, &StreamError{Reason: r, Partial: res.Content, Err: err}
	}
	for {
		if err := ctx.Err(); err != nil {
			return fail(ReasonCancelled, err)
		}
		c, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			res.Content = string(buf)
			return res, nil
		}
		if err != nil {
			return fail(reasonFor(ctx, err), err)
		}
		if err := ctx.Err(); err != nil {
			return fail(ReasonCancelled, err)
		}
		if maxBytes > 0 && len(buf)+len(c.Content) > maxBytes {
			return fail(ReasonBufferOverflow, ErrBufferOverflow)
		}
		buf = append(buf, c.Content...)
		res.Chunks++
		if c.TotalTokens > 0 {
			res.TotalTokens = c.TotalTokens
		}
		if c.FinishReason != "" {
			res.FinishReason = c.FinishReason
		}
	}
}

func reasonFor(ctx context.Context, err error) Reason {
	switch {
	case errors.Is(err, ErrInactivityTimeout):
		return ReasonTimeout
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
		return ReasonCancelled
	}
	return ReasonUpstream
}
