package kafkabus

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
	"github.com/juju/errors"
)

// HeaderFrom 记录发送方 id
const HeaderFrom = "collab-from"

type record struct {
	topic string
	from  string
	data  []byte
}

// dispatcher：本地有界队列 + worker 异步发送，不重试。
// 发布是尽力而为的：队列满时等待到 ctx 结束后丢弃，发送失败只记日志。
type dispatcher struct {
	producer sarama.SyncProducer
	queue    chan record
	sem      *Semaphore
	wg       sync.WaitGroup

	closeOnce sync.Once
}

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxInFlight int
	// Limiter 不为空时忽略 MaxInFlight，和其他 Bus 共用并发上限
	Limiter *Semaphore
}

func newDispatcher(producer sarama.SyncProducer, opt DispatcherOptions) *dispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.Limiter == nil {
		opt.Limiter = NewSemaphore(opt.MaxInFlight)
	}
	d := &dispatcher{
		producer: producer,
		queue:    make(chan record, opt.QueueSize),
		sem:      opt.Limiter,
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// enqueue 把记录放进队列；队列满时等待直到 ctx 结束
func (d *dispatcher) enqueue(ctx context.Context, rec record) error {
	select {
	case d.queue <- rec:
		return nil
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "kafka queue full, dropped record for %s", rec.topic)
	}
}

func (d *dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for rec := range d.queue {
		// worker 可以一直等待，不影响发布方
		if err := d.sem.Acquire(context.Background()); err != nil {
			logger.Warningf("worker %d: %v, drop record topic=%s", workerID, err, rec.topic)
			continue
		}
		err := d.sendOnce(rec)
		if rerr := d.sem.Release(); rerr != nil {
			logger.Errorf("worker %d: %v", workerID, rerr)
		}
		if err != nil {
			logger.Debugf("kafka send failed, drop record topic=%s worker=%d err=%v", rec.topic, workerID, err)
		}
	}
}

func (d *dispatcher) sendOnce(rec record) error {
	msg := &sarama.ProducerMessage{
		Topic: rec.topic,
		Key:   sarama.StringEncoder(rec.from),
		Value: sarama.ByteEncoder(rec.data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderFrom), Value: []byte(rec.from)},
		},
	}
	_, _, err := d.producer.SendMessage(msg)
	return errors.Trace(err)
}

// close 停止接收新记录，并等待队列里已有的记录发完
func (d *dispatcher) close() {
	d.closeOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}
