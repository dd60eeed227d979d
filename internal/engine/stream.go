package engine

import (
	"context"
	"io"
	"sync"
)

// Stream is a lazy, finite, non-restartable sequence of response chunks with
// a single consumer. The producer runs in its own goroutine and blocks on
// every chunk until the consumer receives it.
type Stream struct {
	ch     chan []byte
	done   chan struct{}
	err    error // valid once done is closed
	cancel context.CancelFunc
	once   sync.Once
}

// Emit hands one chunk to the consumer. It returns an error once the stream
// is closed; producers stop on error.
type Emit func(chunk []byte) error

// NewStream starts produce. A nil error from produce ends the stream with
// io.EOF for the consumer.
func NewStream(ctx context.Context, produce func(ctx context.Context, emit Emit) error) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ch:     make(chan []byte),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(s.done)
		defer cancel()
		s.err = produce(ctx, func(chunk []byte) error {
			select {
			case s.ch <- chunk:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return s
}

// Single wraps a complete response as a one-chunk stream.
func Single(ctx context.Context, body []byte) *Stream {
	return NewStream(ctx, func(_ context.Context, emit Emit) error {
		return emit(body)
	})
}

// Recv returns the next chunk, io.EOF after the last one, or the producer's
// error.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-s.ch:
		return chunk, nil
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels the producer and waits for it to return. Safe to call more
// than once.
func (s *Stream) Close() {
	s.once.Do(s.cancel)
	<-s.done
}
