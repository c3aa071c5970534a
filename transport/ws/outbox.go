package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/semrpc/pkg/buffer"
)

// outbox serializes writes to one websocket connection. Frames queue in a
// bounded buffer drained by a single writer goroutine; producers block
// when it is full. Occupancy above the high-water mark reports the
// connection as not writable, and falling back to the low-water mark fires
// onDrain so paused streams can continue.
type outbox struct {
	conn         *websocket.Conn
	queue        buffer.Buffer[[]byte]
	writeTimeout time.Duration
	high, low    int
	onDrain      func()
	onError      func(error)

	mu        sync.Mutex
	congested bool
	done      chan struct{}
}

func newOutbox(conn *websocket.Conn, capacity int, writeTimeout time.Duration, metrics *buffer.Metrics) *outbox {
	if capacity < 4 {
		capacity = 4
	}
	return &outbox{
		conn: conn,
		queue: buffer.NewCircularBuffer[[]byte](capacity,
			buffer.WithOverflowPolicy[[]byte](buffer.Block),
			buffer.WithMetrics[[]byte](metrics),
		),
		writeTimeout: writeTimeout,
		high:         capacity * 3 / 4,
		low:          capacity / 4,
		done:         make(chan struct{}),
	}
}

// send queues a frame. It blocks while the queue is full and fails once the
// outbox is closed.
func (o *outbox) send(ctx context.Context, frame []byte) error {
	return o.queue.WriteWithContext(ctx, frame)
}

// writable reports whether the queue is below the high-water mark. A false
// result arms onDrain.
func (o *outbox) writable() bool {
	if o.queue.Size() < o.high {
		return true
	}
	o.mu.Lock()
	o.congested = true
	o.mu.Unlock()
	return false
}

// run writes queued frames until the queue is closed and drained
func (o *outbox) run() {
	defer close(o.done)
	for {
		frame, err := o.queue.ReadWithContext(context.Background())
		if err != nil {
			return
		}
		_ = o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
		if err := o.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			_ = o.queue.Close()
			if o.onError != nil {
				o.onError(err)
			}
			return
		}
		o.checkDrain()
	}
}

func (o *outbox) checkDrain() {
	if o.queue.Size() > o.low {
		return
	}
	o.mu.Lock()
	fire := o.congested
	o.congested = false
	o.mu.Unlock()
	if fire && o.onDrain != nil {
		o.onDrain()
	}
}

// close stops accepting frames. Frames already queued are still written.
func (o *outbox) close() {
	_ = o.queue.Close()
}

// wait blocks until the writer has flushed and exited or ctx ends
func (o *outbox) wait(ctx context.Context) {
	select {
	case <-o.done:
	case <-ctx.Done():
	}
}
