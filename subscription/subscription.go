package subscription

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"

	"github.com/c360/semrpc/pkg/buffer"
)

// ErrUnsubscribed is returned by Next once the subscription has ended
var ErrUnsubscribed = stderrors.New("subscription ended")

// Subscription is a live registration for one key. Emissions are queued in
// publish order until read with Next.
type Subscription struct {
	Key string

	bridge *Bridge
	buf    buffer.Buffer[json.RawMessage]
	once   sync.Once
	done   chan struct{}
}

// Next waits for the next emission
func (s *Subscription) Next(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-s.done:
		return nil, ErrUnsubscribed
	default:
	}

	payload, err := s.buf.ReadWithContext(ctx)
	if err != nil {
		if stderrors.Is(err, buffer.ErrClosed) {
			return nil, ErrUnsubscribed
		}
		return nil, err
	}
	return payload, nil
}

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Pending returns the number of queued emissions
func (s *Subscription) Pending() int {
	return s.buf.Size()
}

// Unsubscribe ends the subscription. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bridge.remove(s)
		_ = s.buf.Close()
		close(s.done)
	})
}
