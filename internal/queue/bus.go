package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/strata/pkg/layerdb"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/fxamacker/cbor/v2"
	"github.com/rabbitmq/amqp091-go"
)

const eventContentType = "application/cbor"

var eventEncMode = mustEventEncMode()

func mustEventEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// EncodeEvent is the wire form of a LayerDb event on the exchange.
func EncodeEvent(e layerdb.Event) ([]byte, error) {
	return eventEncMode.Marshal(e)
}

func DecodeEvent(data []byte) (layerdb.Event, error) {
	var e layerdb.Event
	err := cbor.Unmarshal(data, &e)
	return e, err
}

// confirmChannel is the publishing half of a channel in confirm mode.
// *amqp091.Channel satisfies it.
type confirmChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (*amqp091.DeferredConfirmation, error)
	Close() error
}

// confirmation is a pending broker ack. *amqp091.DeferredConfirmation
// satisfies it.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// EventBus carries LayerDb events over a topic exchange. Publishes wait for
// the broker's confirmation; only the publish itself is serialized, so
// several confirms can be outstanding at once.
type EventBus struct {
	conn     *amqp091.Connection
	exchange string
	prefix   string

	mu      sync.Mutex
	ch      confirmChannel
	publish func(ctx context.Context, key string, msg amqp091.Publishing) (confirmation, error)
}

func NewEventBus(conn *amqp091.Connection, exchange, subjectPrefix string) (*EventBus, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open event channel: %w", err)
	}
	if err := DeclareEventExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	b := &EventBus{conn: conn, exchange: exchange, prefix: subjectPrefix}
	b.useChannel(ch)
	return b, nil
}

func (b *EventBus) useChannel(ch confirmChannel) {
	b.ch = ch
	b.publish = func(ctx context.Context, key string, msg amqp091.Publishing) (confirmation, error) {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, b.exchange, key, false, false, msg)
		if err != nil {
			return nil, err
		}
		return dc, nil
	}
}

func (b *EventBus) Publish(ctx context.Context, e layerdb.Event) error {
	body, err := EncodeEvent(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	b.mu.Lock()
	dc, err := b.publish(ctx, e.Subject(b.prefix), amqp091.Publishing{
		ContentType:  eventContentType,
		DeliveryMode: amqp091.Persistent,
		MessageId:    e.ID.String(),
		Type:         string(e.Kind),
		Timestamp:    e.CreatedAt,
		Body:         body,
	})
	b.mu.Unlock()
	if err != nil {
		return err
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("broker rejected event")
	}
	return nil
}

// Subscribe binds a private queue to every subject under the bus prefix.
func (b *EventBus) Subscribe(ctx context.Context, fn func(layerdb.Event)) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open subscriber channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare subscriber queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, b.prefix+".#", b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("bind subscriber queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume subscriber queue: %w", err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Warn("[Queue] Event subscription closed", "exchange", b.exchange)
					return
				}
				e, err := DecodeEvent(msg.Body)
				if err != nil {
					logger.Error("[Queue] Dropping undecodable event", "routing_key", msg.RoutingKey, "err", err)
					continue
				}
				fn(e)
			}
		}
	}()
	return nil
}

func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.Close()
}
