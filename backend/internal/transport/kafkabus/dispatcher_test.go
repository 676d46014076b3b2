package kafkabus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-playground/assert/v2"
)

// slowProducer 记录同时进行的 SendMessage 数量
type slowProducer struct {
	sarama.SyncProducer

	mu      sync.Mutex
	current int
	peak    int
	sent    int
}

func (p *slowProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	p.current++
	if p.current > p.peak {
		p.peak = p.current
	}
	p.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	p.mu.Lock()
	p.current--
	p.sent++
	p.mu.Unlock()
	return 0, 0, nil
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	assert.Equal(t, nil, s.Acquire(context.Background()))
	assert.Equal(t, nil, s.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NotEqual(t, nil, s.Acquire(ctx))

	assert.Equal(t, nil, s.Release())
	assert.Equal(t, nil, s.Release())
	assert.NotEqual(t, nil, s.Release())
}

func TestDispatcher_LimitsInFlightSends(t *testing.T) {
	p := &slowProducer{}
	d := newDispatcher(p, DispatcherOptions{})
	for i := 0; i < 20; i++ {
		assert.Equal(t, nil, d.enqueue(context.Background(), record{topic: "t", from: "a", data: []byte{byte(i)}}))
	}
	d.close()

	assert.Equal(t, 20, p.sent)
	assert.Equal(t, DefaultMaxInFlight, p.peak)
}

func TestDispatcher_SharedLimiter(t *testing.T) {
	p := &slowProducer{}
	limiter := NewSemaphore(1)
	d1 := newDispatcher(p, DispatcherOptions{Limiter: limiter})
	d2 := newDispatcher(p, DispatcherOptions{Limiter: limiter})
	for i := 0; i < 10; i++ {
		assert.Equal(t, nil, d1.enqueue(context.Background(), record{topic: "a", from: "x"}))
		assert.Equal(t, nil, d2.enqueue(context.Background(), record{topic: "b", from: "y"}))
	}
	d1.close()
	d2.close()

	assert.Equal(t, 20, p.sent)
	assert.Equal(t, 1, p.peak)
}
