// Package buffer provides bounded, thread-safe FIFO queues.
//
// A circular buffer holds at most Capacity items. When full, the overflow
// policy decides what happens to a write:
//
//   - DropOldest discards the head of the queue (default)
//   - DropNewest discards the incoming item
//   - Block waits for a reader, or for the write context to end
//
// Readers either poll with Read or wait with ReadWithContext. Close stops
// writes immediately but lets readers drain what is already queued; after
// that ReadWithContext returns ErrClosed.
//
//	buf := buffer.NewCircularBuffer[[]byte](256,
//	    buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
//	    buffer.WithMetrics[[]byte](metrics),
//	)
//	_ = buf.Write(msg)
//	item, err := buf.ReadWithContext(ctx)
//
// Statistics are always collected; Prometheus metrics are optional and may
// be shared between many buffers.
package buffer
