package kafkabus

import (
	"context"

	"github.com/juju/errors"
)

// DefaultMaxInFlight 限制同时进行的 SendMessage 数量，小于默认 worker 数，
// 多出来的 worker 各自拿着一条记录排队等待
const DefaultMaxInFlight = 2

// Semaphore 限制并发发送数。多个 Bus 共用一个 producer 时可以共用同一个 Semaphore
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = DefaultMaxInFlight
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "acquire send slot")
	}
}

func (s *Semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release without acquire")
	}
}
