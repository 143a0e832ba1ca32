package push

import (
	"errors"
	"sync"
)

var (
	ErrStreamClosed = errors.New("push: stream closed")
	ErrSlowConsumer = errors.New("push: consumer not draining")
)

// SSEStream buffers frames for one server-sent-events connection. The HTTP
// handler drains Frames; Deliver never blocks the broadcaster.
type SSEStream struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewSSEStream(buffer int) *SSEStream {
	if buffer <= 0 {
		buffer = 16
	}
	return &SSEStream{
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (s *SSEStream) Deliver(frame []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.frames <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *SSEStream) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *SSEStream) Frames() <-chan []byte { return s.frames }

func (s *SSEStream) Done() <-chan struct{} { return s.done }
