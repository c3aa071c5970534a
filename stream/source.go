package stream

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/wire"
)

// DefaultChunkSize is the read size used by ReaderSource
const DefaultChunkSize = 64 * 1024

// Source produces the chunks of a down-stream. Procedure handlers return a
// Source to answer a call with a stream.
type Source interface {
	// Kind tells the client how to interpret chunks
	Kind() wire.StreamKind

	// Initial is sent with the RpcStream response before any chunk
	Initial() any

	// Next returns the next chunk or io.EOF
	Next(ctx context.Context) ([]byte, error)

	// Close releases the producer. It must be safe to call concurrently
	// with Next and more than once.
	Close() error
}

// ReaderSource streams raw bytes from an io.Reader
type ReaderSource struct {
	r         io.Reader
	chunkSize int
	initial   any
	closeOnce sync.Once
	closeErr  error
}

// FromReader creates a binary source. r is closed on Close if it is an io.Closer.
func FromReader(r io.Reader, initial any) *ReaderSource {
	return &ReaderSource{r: r, chunkSize: DefaultChunkSize, initial: initial}
}

// WithChunkSize sets the maximum chunk size
func (s *ReaderSource) WithChunkSize(n int) *ReaderSource {
	if n > 0 {
		s.chunkSize = n
	}
	return s
}

// Kind implements Source
func (s *ReaderSource) Kind() wire.StreamKind { return wire.StreamBinary }

// Initial implements Source
func (s *ReaderSource) Initial() any { return s.initial }

// Next implements Source
func (s *ReaderSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, s.chunkSize)
	n, err := s.r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	return nil, err
}

// Close implements Source
func (s *ReaderSource) Close() error {
	s.closeOnce.Do(func() {
		if c, ok := s.r.(io.Closer); ok {
			s.closeErr = c.Close()
		}
	})
	return s.closeErr
}

// ChannelSource streams JSON values received from a channel. Each value
// becomes one chunk holding its JSON encoding.
type ChannelSource[T any] struct {
	ch      <-chan T
	initial any
	cancel  func()
	once    sync.Once
	done    chan struct{}
}

// FromChannel creates a JSON source. The stream ends when ch is closed.
// cancel, if not nil, is called on Close to stop the producer.
func FromChannel[T any](ch <-chan T, initial any, cancel func()) *ChannelSource[T] {
	return &ChannelSource[T]{ch: ch, initial: initial, cancel: cancel, done: make(chan struct{})}
}

// Kind implements Source
func (s *ChannelSource[T]) Kind() wire.StreamKind { return wire.StreamJSON }

// Initial implements Source
func (s *ChannelSource[T]) Initial() any { return s.initial }

// Next implements Source
func (s *ChannelSource[T]) Next(ctx context.Context) ([]byte, error) {
	select {
	case v, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "ChannelSource", "Next", "marshal value")
		}
		return b, nil
	case <-s.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Source
func (s *ChannelSource[T]) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}
