package events

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/windeal/internal/domain/ledger"
	"github.com/xenking/windeal/internal/domain/order"
)

type mockChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (m *mockChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	m.exchange = exchange
	m.key = key
	m.msg = msg
	return m.err
}

func (m *mockChannel) Close() error { return nil }

func testEvent() ledger.Event {
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	return ledger.Event{
		Kind: ledger.EventPaid,
		At:   at,
		Order: order.Order{
			ID:          "line-1",
			ReservedAt:  at.Add(-time.Minute),
			Status:      order.StatusPaid,
			OrderNumber: "#WIN-1234-AB",
			PickupCode:  "ABC123",
			PurchasedAt: &at,
		},
	}
}

func TestPublisher_Notify(t *testing.T) {
	ch := &mockChannel{}
	p := &Publisher{ch: ch, exchange: "win.orders", lg: zap.NewNop()}

	p.Notify(context.Background(), testEvent())

	assert.Equal(t, "win.orders", ch.exchange)
	assert.Equal(t, "order.paid", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "line-1:order.paid", ch.msg.MessageId)
	assert.Contains(t, string(ch.msg.Body), `"event":"order.paid"`)
	assert.Contains(t, string(ch.msg.Body), `"pickupCode":"ABC123"`)
}

func TestPublisher_NotifyFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ch := &mockChannel{err: errors.New("channel closed")}
	p := &Publisher{ch: ch, exchange: "win.orders", lg: zap.New(core)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Notify(ctx, testEvent())

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Publish order event", logs.All()[0].Message)
}
