// Package events publishes order lifecycle changes to RabbitMQ.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xenking/windeal/internal/domain/ledger"
	"github.com/xenking/windeal/internal/record"
)

const publishTimeout = 5 * time.Second

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends lifecycle events to a topic exchange, routed by event
// kind (for example "order.paid").
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	lg       *zap.Logger
}

var _ ledger.Notifier = (*Publisher)(nil)

// Dial connects to url and declares exchange as a durable topic exchange.
func Dial(url, exchange string, lg *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "declare exchange")
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange, lg: lg}, nil
}

// Notify publishes ev. Failures are logged and dropped.
func (p *Publisher) Notify(ctx context.Context, ev ledger.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := p.ch.PublishWithContext(ctx, p.exchange, string(ev.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.Order.ID + ":" + string(ev.Kind),
		Timestamp:    ev.At,
		Type:         string(ev.Kind),
		Body:         Encode(ev),
	})
	if err != nil {
		p.lg.Warn("Publish order event",
			zap.String("event", string(ev.Kind)),
			zap.String("order_line_id", ev.Order.ID),
			zap.Error(err),
		)
	}
}

// Close releases the channel and the connection.
func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Encode returns the message body of ev.
func Encode(ev ledger.Event) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("event")
	e.Str(string(ev.Kind))
	e.FieldStart("at")
	e.Str(ev.At.UTC().Format(time.RFC3339Nano))
	e.FieldStart("order")
	record.EncodeOrder(&e, &ev.Order)
	e.ObjEnd()
	return e.Bytes()
}

// Log is a Notifier that only logs events, used when no broker is
// configured.
type Log struct {
	lg *zap.Logger
}

// NewLog creates a logging Notifier.
func NewLog(lg *zap.Logger) *Log {
	return &Log{lg: lg}
}

func (l *Log) Notify(_ context.Context, ev ledger.Event) {
	l.lg.Debug("Order event",
		zap.String("event", string(ev.Kind)),
		zap.String("order_line_id", ev.Order.ID),
		zap.String("status", string(ev.Order.Status)),
	)
}
