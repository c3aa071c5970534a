// Package stream implements byte streams over a multiplexed connection.
// Up-streams carry client uploads and are pulled by the server; down-streams
// carry server output and pause when the connection cannot keep up.
package stream

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/wire"
)

// UpState is the state of an up-stream
type UpState int

// Up-stream states
const (
	UpOpen UpState = iota
	UpEnded
	UpAborted
)

func (s UpState) String() string {
	switch s {
	case UpOpen:
		return "open"
	case UpEnded:
		return "ended"
	case UpAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrUnsolicitedPush is returned when a client pushes without a pending pull
var ErrUnsolicitedPush = fmt.Errorf("%w: push without pull", errors.ErrProtocol)

// UpPeer is the connection side of an up-stream
type UpPeer interface {
	// Pull asks the client for up to size bytes; zero means any amount
	Pull(id uint32, size uint32) error

	// AbortUp tells the client the server no longer wants the stream
	AbortUp(id uint32) error
}

// Up is a client-to-server stream. It implements io.ReadCloser; bytes are
// requested from the client only when a reader is waiting, so a client
// never sends more than one chunk ahead of the consumer.
type Up struct {
	ID   uint32
	Meta wire.StreamMeta

	peer    UpPeer
	onBytes func(n int)

	mu      sync.Mutex
	state   UpState
	err     error
	chunk   []byte
	pulling bool
	changed chan struct{}

	bytes   uint64
	onClose func()
}

// UpOption configures an Up
type UpOption func(*Up)

// WithUpBytesHook reports every received chunk size
func WithUpBytesHook(fn func(n int)) UpOption {
	return func(u *Up) { u.onBytes = fn }
}

// WithUpCloseHook runs once when the stream leaves the open state
func WithUpCloseHook(fn func()) UpOption {
	return func(u *Up) { u.onClose = fn }
}

// NewUp creates an open up-stream
func NewUp(id uint32, meta wire.StreamMeta, peer UpPeer, opts ...UpOption) *Up {
	u := &Up{
		ID:      id,
		Meta:    meta,
		peer:    peer,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// State returns the current state
func (u *Up) State() UpState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// BytesTransferred returns the number of bytes received from the client
func (u *Up) BytesTransferred() uint64 {
	return atomic.LoadUint64(&u.bytes)
}

// signal wakes readers. mu must be held.
func (u *Up) signal() {
	close(u.changed)
	u.changed = make(chan struct{})
}

// finish moves the stream to a terminal state. mu must be held. It reports
// whether this call made the transition.
func (u *Up) finish(state UpState, err error) bool {
	if u.state != UpOpen {
		return false
	}
	u.state = state
	u.err = err
	u.pulling = false
	u.signal()
	return true
}

func (u *Up) closed() {
	if u.onClose != nil {
		u.onClose()
	}
}

// Read implements io.Reader
func (u *Up) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		u.mu.Lock()
		if len(u.chunk) > 0 {
			n := copy(p, u.chunk)
			u.chunk = u.chunk[n:]
			u.mu.Unlock()
			return n, nil
		}
		switch u.state {
		case UpEnded:
			u.mu.Unlock()
			return 0, io.EOF
		case UpAborted:
			err := u.err
			u.mu.Unlock()
			return 0, err
		}

		needPull := !u.pulling
		u.pulling = true
		wait := u.changed
		u.mu.Unlock()

		if needPull {
			if err := u.peer.Pull(u.ID, uint32(len(p))); err != nil {
				u.Destroy(errors.NewAPIError(errors.CodeStreamAborted, "stream pull failed").WithCause(err))
				continue
			}
		}
		<-wait
	}
}

// Push delivers a chunk from the client. A push without an outstanding pull
// violates the backpressure contract: the stream is aborted and
// ErrUnsolicitedPush returned.
func (u *Up) Push(chunk []byte) error {
	u.mu.Lock()
	if u.state != UpOpen {
		u.mu.Unlock()
		return errors.APIErrorf(errors.CodeStreamNotFound, "stream %d is %s", u.ID, u.state)
	}
	if !u.pulling {
		u.finish(UpAborted, errors.NewAPIError(errors.CodeStreamAborted, "client pushed without pull"))
		u.mu.Unlock()
		u.closed()
		_ = u.peer.AbortUp(u.ID)
		return ErrUnsolicitedPush
	}
	u.pulling = false
	u.chunk = append(u.chunk, chunk...)
	atomic.AddUint64(&u.bytes, uint64(len(chunk)))
	u.signal()
	u.mu.Unlock()

	if u.onBytes != nil {
		u.onBytes(len(chunk))
	}
	return nil
}

// End marks the stream complete. Buffered bytes remain readable.
func (u *Up) End() {
	u.mu.Lock()
	changed := u.finish(UpEnded, nil)
	u.mu.Unlock()
	if changed {
		u.closed()
	}
}

// Abort fails the stream because the client gave up. Readers get a
// StreamAborted error rather than EOF and buffered bytes are discarded.
func (u *Up) Abort() {
	u.Destroy(errors.NewAPIError(errors.CodeStreamAborted, "client aborted the stream"))
}

// Destroy fails the stream with err without notifying the client. It is
// used when the connection closes.
func (u *Up) Destroy(err error) {
	u.mu.Lock()
	changed := u.finish(UpAborted, err)
	u.chunk = nil
	u.mu.Unlock()
	if changed {
		u.closed()
	}
}

// Close implements io.Closer. Closing an open stream tells the client to
// stop producing.
func (u *Up) Close() error {
	u.mu.Lock()
	changed := u.finish(UpAborted, errors.NewAPIError(errors.CodeStreamAborted, "stream closed by server"))
	u.chunk = nil
	u.mu.Unlock()
	if !changed {
		return nil
	}
	u.closed()
	return u.peer.AbortUp(u.ID)
}
