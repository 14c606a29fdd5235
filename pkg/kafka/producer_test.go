package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/token-indexer/pkg/kafka/testutils"
)

// librdkafka connects lazily, so these run without a broker.
func newTestProducer(t *testing.T, ctx context.Context) *Producer {
	t.Helper()
	p, err := NewProducer(ctx, &cKafka.ConfigMap{
		"bootstrap.servers":      "localhost:9092",
		"go.logs.channel.enable": true,
	}, testutils.NewTestLogger(t))
	require.NoError(t, err)
	return p
}

func TestNewProducer_NilLogger(t *testing.T) {
	t.Parallel()
	_, err := NewProducer(t.Context(), &cKafka.ConfigMap{"bootstrap.servers": "localhost:9092"}, nil)
	require.ErrorContains(t, err, "invalid logger")
}

func TestProducer_Close_Idempotent(t *testing.T) {
	t.Parallel()
	p := newTestProducer(t, t.Context())

	p.Close(time.Second)
	p.Close(time.Second)

	_, ok := <-p.Errors()
	assert.False(t, ok, "error channel should be closed after Close()")
}

func TestProducer_Close_AfterContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	p := newTestProducer(t, ctx)

	cancel()

	done := make(chan struct{})
	go func() {
		p.Close(time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after context cancellation")
	}
}

func TestProducer_Produce_ContextCanceled(t *testing.T) {
	t.Parallel()
	p := newTestProducer(t, t.Context())
	defer p.Close(time.Second)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := p.ProduceBatch(ctx, []Msg{{Topic: "erc20-transfers", Value: []byte("{}")}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestProducer_ProduceBatch_Empty(t *testing.T) {
	t.Parallel()
	p := newTestProducer(t, t.Context())
	defer p.Close(time.Second)

	require.NoError(t, p.ProduceBatch(t.Context(), nil))
}

func TestProducer_HandleEvent(t *testing.T) {
	t.Parallel()
	p := newTestProducer(t, t.Context())
	defer p.Close(time.Second)

	require.False(t, p.handleEvent(cKafka.NewError(cKafka.ErrTransport, "broker reconnecting", false)))
	require.False(t, p.handleEvent(testutils.NewDeliveryReport("erc20-transfers", 0, 1, nil)))
	require.True(t, p.handleEvent(cKafka.NewError(cKafka.ErrAllBrokersDown, "down", false)))

	err := <-p.Errors()
	require.ErrorContains(t, err, "fatal kafka error")
}

func TestProducer_Fail_KeepsFirst(t *testing.T) {
	t.Parallel()
	p := newTestProducer(t, t.Context())

	first := errors.New("first")
	p.fail(first)
	p.fail(errors.New("second"))

	require.ErrorIs(t, <-p.Errors(), first)
	p.Close(time.Second)
}

func TestDeliveryError(t *testing.T) {
	t.Parallel()
	topic := "erc20-transfers"

	tests := []struct {
		name    string
		event   cKafka.Event
		wantErr string
	}{
		{
			name:  "delivered",
			event: testutils.NewDeliveryReport(topic, 2, 41, nil),
		},
		{
			name:    "delivery failed",
			event:   testutils.NewDeliveryReport(topic, 2, -1, cKafka.NewError(cKafka.ErrMsgTimedOut, "timed out", false)),
			wantErr: "timed out",
		},
		{
			name:    "unexpected event",
			event:   cKafka.NewError(cKafka.ErrAllBrokersDown, "down", false),
			wantErr: "unexpected delivery event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := deliveryError(tt.event)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
