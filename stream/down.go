package stream

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/c360/semrpc/wire"
)

// DownState is the state of a down-stream
type DownState int

// Down-stream states
const (
	DownStreaming DownState = iota
	DownPaused
	DownEnded
	DownAborted
)

func (s DownState) String() string {
	switch s {
	case DownStreaming:
		return "streaming"
	case DownPaused:
		return "paused"
	case DownEnded:
		return "ended"
	case DownAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Sink is the connection side of a down-stream
type Sink interface {
	// Push queues a chunk for the client. writable is false when the
	// outbound queue is above its high-water mark; the stream then pauses
	// until Resume is called.
	Push(id uint32, chunk []byte) (writable bool, err error)

	// End tells the client the stream is complete
	End(id uint32) error

	// Abort tells the client the stream failed
	Abort(id uint32) error
}

// Down is a server-to-client stream driven by a pump goroutine
type Down struct {
	ID uint32

	src     Source
	sink    Sink
	onBytes func(n int)
	onDone  func(state DownState)

	mu     sync.Mutex
	state  DownState
	resume chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	bytes uint64
}

// DownOption configures a Down
type DownOption func(*Down)

// WithDownBytesHook reports every sent chunk size
func WithDownBytesHook(fn func(n int)) DownOption {
	return func(d *Down) { d.onBytes = fn }
}

// WithDownDoneHook runs once with the terminal state
func WithDownDoneHook(fn func(state DownState)) DownOption {
	return func(d *Down) { d.onDone = fn }
}

// NewDown creates a down-stream. Call Start to begin pumping.
func NewDown(id uint32, src Source, sink Sink, opts ...DownOption) *Down {
	d := &Down{
		ID:     id,
		src:    src,
		sink:   sink,
		resume: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Kind returns the source kind
func (d *Down) Kind() wire.StreamKind { return d.src.Kind() }

// State returns the current state
func (d *Down) State() DownState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// BytesTransferred returns the number of bytes handed to the sink
func (d *Down) BytesTransferred() uint64 {
	return atomic.LoadUint64(&d.bytes)
}

// Done is closed when the stream reaches a terminal state
func (d *Down) Done() <-chan struct{} {
	return d.done
}

// Start runs the pump in a new goroutine
func (d *Down) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	go d.pump(ctx)
}

// Resume continues a paused stream. It is called when the connection
// becomes writable again or the client sends a continuation pull.
func (d *Down) Resume() {
	select {
	case d.resume <- struct{}{}:
	default:
	}
}

// Abort stops the stream and closes the source before returning. notify
// controls whether the client is sent an abort frame.
func (d *Down) Abort(notify bool) {
	d.terminate(DownAborted, func() {
		_ = d.src.Close()
		if notify {
			_ = d.sink.Abort(d.ID)
		}
	})
}

// terminate moves to a terminal state exactly once. final runs before Done
// is closed.
func (d *Down) terminate(state DownState, final func()) bool {
	d.mu.Lock()
	if d.state == DownEnded || d.state == DownAborted {
		d.mu.Unlock()
		return false
	}
	d.state = state
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.once.Do(func() {
		final()
		if d.onDone != nil {
			d.onDone(state)
		}
		close(d.done)
	})
	return true
}

func (d *Down) setState(state DownState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DownEnded || d.state == DownAborted {
		return false
	}
	d.state = state
	return true
}

func (d *Down) pump(ctx context.Context) {
	for {
		chunk, err := d.src.Next(ctx)
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				d.terminate(DownEnded, func() {
					_ = d.src.Close()
					_ = d.sink.End(d.ID)
				})
				return
			}
			// Source failure, or the context was cancelled by Abort
			d.Abort(ctx.Err() == nil)
			return
		}
		if len(chunk) == 0 {
			continue
		}

		// A resume from before this push says nothing about the queue it
		// may fill, so only tokens arriving after it can end a pause
		select {
		case <-d.resume:
		default:
		}
		writable, err := d.sink.Push(d.ID, chunk)
		if err != nil {
			d.Abort(false)
			return
		}
		atomic.AddUint64(&d.bytes, uint64(len(chunk)))
		if d.onBytes != nil {
			d.onBytes(len(chunk))
		}

		if writable {
			continue
		}
		if !d.setState(DownPaused) {
			return
		}
		select {
		case <-d.resume:
			if !d.setState(DownStreaming) {
				return
			}
		case <-ctx.Done():
			d.Abort(false)
			return
		}
	}
}
