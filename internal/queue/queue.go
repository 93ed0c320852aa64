package queue

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/rabbitmq/amqp091-go"
)

const (
	RebaserQueue  = "rebaser_requests"
	EventExchange = "layerdb_events"

	dlqSuffix   = "_dlq"
	retrySuffix = "_retry"
)

// URL builds an AMQP connection string from its parts.
func URL(user, password, host, port, vhost string) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(user, password),
		Host:   host + ":" + port,
		Path:   "/" + vhost,
	}
	return u.String()
}

func Dial(connURL string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(connURL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

// SetupQueues declares each work queue together with its dead-letter queue and
// a retry queue that hands messages back after retryDelay.
func SetupQueues(ch *amqp091.Channel, queueNames []string, retryDelay time.Duration) error {
	for _, name := range queueNames {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}

		dlqName := name + dlqSuffix
		if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", dlqName, err)
		}

		retryName := name + retrySuffix
		_, err := ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(retryDelay.Milliseconds()),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", retryName, err)
		}
		logger.Debug("[Queue] Declared queue", "queue", name)
	}
	return nil
}

// DeclareEventExchange declares the durable topic exchange LayerDb events travel on.
func DeclareEventExchange(ch *amqp091.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// Publisher is the publishing half of *amqp091.Channel.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// PublishFIFO sends msg to queueName through the default exchange.
func PublishFIFO(ctx context.Context, ch Publisher, queueName string, msg amqp091.Publishing) error {
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp091.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return ch.PublishWithContext(ctx, "", queueName, false, false, msg)
}

// PublishTopic sends msg to exchange under routingKey.
func PublishTopic(ctx context.Context, ch Publisher, exchange, routingKey string, msg amqp091.Publishing) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}
