package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/ava-labs/token-indexer/pkg/kafka/messages"
	"github.com/ava-labs/token-indexer/pkg/sink"
)

type producer interface {
	ProduceBatch(ctx context.Context, msgs []Msg) error
}

var _ producer = (*Producer)(nil)

// TransferSink produces one message per committed transfer, keyed by contract.
type TransferSink struct {
	producer producer
	topic    string
}

var _ sink.Sink = (*TransferSink)(nil)

func NewTransferSink(p producer, topic string) (*TransferSink, error) {
	if p == nil {
		return nil, errors.New("invalid producer: must not be nil")
	}
	if topic == "" {
		return nil, errors.New("invalid topic: must not be empty")
	}
	return &TransferSink{producer: p, topic: topic}, nil
}

func (*TransferSink) Name() string { return "kafka" }

// Publish produces one message per record, keyed by contract, and waits for
// all of them to be delivered.
func (s *TransferSink) Publish(ctx context.Context, records []sink.Record) error {
	msgs := make([]Msg, 0, len(records))
	for _, rec := range records {
		msg, err := messages.TransferFromRecord(rec)
		if err != nil {
			return err
		}
		value, err := msg.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal transfer %s/%d: %w", msg.TxHash, msg.LogIndex, err)
		}
		msgs = append(msgs, Msg{Topic: s.topic, Key: msg.Key(), Value: value})
	}
	if err := s.producer.ProduceBatch(ctx, msgs); err != nil {
		return fmt.Errorf("failed to produce %d transfers: %w", len(msgs), err)
	}
	return nil
}
