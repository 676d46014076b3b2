// Package kafkabus 用 Kafka 实现 transport：每个 topic 对应一个 Kafka topic，
// 发送走有界队列异步写入，接收按分区从最新位置开始消费。
//
// 节点会消费到自己写入的记录，因此需要上层的自身过滤。
package kafkabus

import (
	"context"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"collabspace/backend/internal/transport"
)

var logger = loggo.GetLogger("collabspace.transport.kafkabus")

// KafkaTopic 把 topic 映射为合法的 Kafka topic 名（只允许 [a-zA-Z0-9._-]）
func KafkaTopic(topic string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, topic)
}

type subscription struct {
	done chan struct{}
	pcs  []sarama.PartitionConsumer
	wg   sync.WaitGroup
}

type Options struct {
	// ID 为空时生成随机 id
	ID         string
	Dispatcher DispatcherOptions
}

// Bus 的 producer 和 consumer 由调用方创建和关闭
type Bus struct {
	id       string
	consumer sarama.Consumer
	out      *dispatcher

	sendMu sync.RWMutex
	closed bool

	mu   sync.Mutex
	subs map[string]*subscription

	listeners transport.Listeners
}

func New(producer sarama.SyncProducer, consumer sarama.Consumer, opts Options) *Bus {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	return &Bus{
		id:       opts.ID,
		consumer: consumer,
		out:      newDispatcher(producer, opts.Dispatcher),
		subs:     make(map[string]*subscription),
	}
}

// Dial 连接 brokers，返回的 closer 关闭 Bus 以及底层的 producer/consumer
func Dial(brokers []string, opts Options) (*Bus, func() error, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 0
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "kafka producer %v", brokers)
	}
	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		_ = producer.Close()
		return nil, nil, errors.Annotatef(err, "kafka consumer %v", brokers)
	}
	b := New(producer, consumer, opts)
	closer := func() error {
		_ = b.Close()
		perr := producer.Close()
		cerr := consumer.Close()
		if perr != nil {
			return errors.Trace(perr)
		}
		return errors.Trace(cerr)
	}
	return b, closer, nil
}

func (b *Bus) LocalID() string { return b.id }

func (b *Bus) OnMessage(h transport.Handler) (cancel func()) {
	return b.listeners.Add(h)
}

func (b *Bus) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed() {
		return transport.ErrClosed
	}
	if _, ok := b.subs[topic]; ok {
		return nil
	}
	name := KafkaTopic(topic)
	partitions, err := b.consumer.Partitions(name)
	if err != nil {
		return errors.Annotatef(err, "partitions of %q", name)
	}
	s := &subscription{done: make(chan struct{})}
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(name, p, sarama.OffsetNewest)
		if err != nil {
			s.stop()
			return errors.Annotatef(err, "consume %q/%d", name, p)
		}
		s.pcs = append(s.pcs, pc)
		s.wg.Add(1)
		go b.consume(topic, pc, s)
	}
	b.subs[topic] = s
	logger.Debugf("%s consuming %s (%d partitions)", b.id, name, len(partitions))
	return nil
}

func (b *Bus) consume(topic string, pc sarama.PartitionConsumer, s *subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			from := senderOf(msg)
			if from == "" {
				logger.Debugf("dropping record without sender on %s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
				continue
			}
			b.listeners.Dispatch(transport.Message{Topic: topic, Data: msg.Value, From: from})
		}
	}
}

func senderOf(msg *sarama.ConsumerMessage) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == HeaderFrom {
			return string(h.Value)
		}
	}
	return ""
}

func (s *subscription) stop() {
	close(s.done)
	s.wg.Wait()
	for _, pc := range s.pcs {
		if err := pc.Close(); err != nil {
			logger.Debugf("close partition consumer: %v", err)
		}
	}
}

func (b *Bus) Unsubscribe(topic string) error {
	b.mu.Lock()
	s, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if ok {
		s.stop()
	}
	return nil
}

// Publish 只负责入队；Kafka 不告诉我们有没有其它消费者，所以不会返回 ErrNoPeers
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return transport.ErrClosed
	}
	return b.out.enqueue(ctx, record{topic: KafkaTopic(topic), from: b.id, data: data})
}

func (b *Bus) isClosed() bool {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	return b.closed
}

// Close 发完已入队的记录并停止所有消费
func (b *Bus) Close() error {
	b.sendMu.Lock()
	if b.closed {
		b.sendMu.Unlock()
		return nil
	}
	b.closed = true
	b.sendMu.Unlock()
	b.out.close()

	b.mu.Lock()
	subs := b.subs
	b.subs = map[string]*subscription{}
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	return nil
}
