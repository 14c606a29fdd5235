package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Msg is one record to produce.
type Msg struct {
	Topic string
	Key   []byte
	Value []byte
}

const queueFullBackoff = time.Second

// Producer delivers batches of messages and waits for their delivery reports.
//
// A background goroutine watches client events, reports the first fatal error
// on Errors() and forwards librdkafka logs when go.logs.channel.enable is set.
// Close stops it and flushes what is still queued.
type Producer struct {
	client    *kafka.Producer
	log       *zap.SugaredLogger
	fatal     chan error
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewProducer creates a producer. ctx bounds the lifetime of the background goroutine.
func NewProducer(ctx context.Context, conf *kafka.ConfigMap, log *zap.SugaredLogger) (*Producer, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	logsEnabled, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		return nil, fmt.Errorf("failed to read go.logs.channel.enable: %w", err)
	}
	client, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	p := &Producer{
		client: client,
		log:    log,
		fatal:  make(chan error, 1),
		stop:   make(chan struct{}),
	}
	var logs chan kafka.LogEvent
	if enabled, _ := logsEnabled.(bool); enabled {
		logs = client.Logs()
	}
	p.wg.Add(1)
	go p.watch(ctx, logs)
	return p, nil
}

// ProduceBatch enqueues msgs in order and waits until every enqueued message
// has a delivery report. Messages sharing a key land on one partition in
// order. If ctx ends first, ctx.Err() is returned and some messages may still
// be delivered later, so consumers must tolerate duplicates.
func (p *Producer) ProduceBatch(ctx context.Context, msgs []Msg) error {
	if len(msgs) == 0 {
		return nil
	}

	reports := make(chan kafka.Event, len(msgs))
	pending := 0
	var enqueueErr error
	for i := range msgs {
		if err := p.enqueue(ctx, &msgs[i], reports); err != nil {
			enqueueErr = fmt.Errorf("message %d of %d: %w", i+1, len(msgs), err)
			break
		}
		pending++
	}

	var failed []error
	for ; pending > 0; pending-- {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-reports:
			if err := deliveryError(ev); err != nil {
				failed = append(failed, err)
			}
		}
	}
	if enqueueErr != nil {
		return enqueueErr
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d messages not delivered: %w", len(failed), len(msgs), errors.Join(failed...))
	}
	return nil
}

// enqueue hands one message to librdkafka, waiting while the local queue is full.
func (p *Producer) enqueue(ctx context.Context, m *Msg, reports chan kafka.Event) error {
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &m.Topic, Partition: kafka.PartitionAny},
		Key:            m.Key,
		Value:          m.Value,
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := p.client.Produce(msg, reports)
		if err == nil {
			return nil
		}
		var kerr kafka.Error
		if !errors.As(err, &kerr) || kerr.Code() != kafka.ErrQueueFull {
			return fmt.Errorf("failed to enqueue to %s: %w", m.Topic, err)
		}
		p.log.Warnw("local produce queue full, waiting", "topic", m.Topic, "retryIn", queueFullBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(queueFullBackoff):
		}
	}
}

// Close stops the background goroutine and flushes queued messages for up to
// timeout. Messages still queued afterwards are lost. Extra calls do nothing.
func (p *Producer) Close(timeout time.Duration) {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()

		if left := p.client.Flush(int(timeout.Milliseconds())); left > 0 {
			p.log.Warnw("kafka flush incomplete, dropping messages", "pending", left)
		}
		p.client.Close()
		close(p.fatal)
		p.log.Info("kafka producer closed")
	})
}

// Errors carries at most one fatal error and is closed by Close. The producer
// is unusable after a fatal error.
func (p *Producer) Errors() <-chan error {
	return p.fatal
}

func (p *Producer) watch(ctx context.Context, logs chan kafka.LogEvent) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case l, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			p.log.Debugw("librdkafka", "level", l.Level, "tag", l.Tag, "message", l.Message)
		case ev, ok := <-p.client.Events():
			if !ok {
				p.fail(errors.New("kafka producer event channel closed"))
				return
			}
			if p.handleEvent(ev) {
				return
			}
		}
	}
}

// handleEvent logs a client event and reports whether it was fatal.
func (p *Producer) handleEvent(ev kafka.Event) bool {
	switch e := ev.(type) {
	case kafka.Error:
		if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
			p.fail(fmt.Errorf("fatal kafka error %#x: %w", e.Code(), e))
			return true
		}
		p.log.Warnw("kafka client error", "code", e.Code(), "error", e)
	case *kafka.Message:
		// reports are routed to the per-batch channel; this one had none
		p.log.Warnw("stray delivery report", "partition", e.TopicPartition)
	default:
		p.log.Debugw("kafka event", "event", e.String())
	}
	return false
}

// fail keeps the first fatal error; later ones are only logged.
func (p *Producer) fail(err error) {
	select {
	case p.fatal <- err:
	default:
		p.log.Warnw("dropping fatal kafka error, one is already pending", "error", err)
	}
}

func deliveryError(ev kafka.Event) error {
	m, ok := ev.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}
	if err := m.TopicPartition.Error; err != nil {
		return fmt.Errorf("delivery to %s failed: %w", m.TopicPartition, err)
	}
	return nil
}
