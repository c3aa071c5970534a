package stream

import (
	"io"
	"sync"
)

// PushFunc sends one client-side frame for an up-stream
type PushFunc func(id uint32, chunk []byte) error

// Producer is the client half of an up-stream. It sends bytes only in
// answer to a pull, so it can never outrun the server.
type Producer struct {
	ID uint32

	r    io.Reader
	push PushFunc
	end  func(id uint32) error

	mu   sync.Mutex
	done bool
}

// NewProducer creates a producer reading from r
func NewProducer(id uint32, r io.Reader, push PushFunc, end func(id uint32) error) *Producer {
	return &Producer{ID: id, r: r, push: push, end: end}
}

// OnPull answers a pull with at most size bytes, or any amount up to
// DefaultChunkSize when size is zero. It ends the stream at EOF.
func (p *Producer) OnPull(size uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil
	}

	n := int(size)
	if n == 0 || n > DefaultChunkSize {
		n = DefaultChunkSize
	}
	buf := make([]byte, n)
	for {
		read, err := p.r.Read(buf)
		if read > 0 {
			return p.push(p.ID, buf[:read])
		}
		if err == io.EOF {
			p.done = true
			return p.end(p.ID)
		}
		if err != nil {
			return err
		}
	}
}

// Stop prevents further pushes, e.g. after the server aborted the stream
func (p *Producer) Stop() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}
