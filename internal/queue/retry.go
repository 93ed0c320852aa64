package queue

import (
	"context"

	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/rabbitmq/amqp091-go"
)

const retriesHeader = "x-retries"

// Retries reads the retry counter carried in the message headers.
func Retries(msg amqp091.Delivery) int {
	switch v := msg.Headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// HandleFailure routes a failed message to the retry queue, or to the
// dead-letter queue once maxRetries is reached. The original is acked only
// after the copy was published.
func HandleFailure(ctx context.Context, ch Publisher, msg amqp091.Delivery, queueName string, maxRetries int) {
	retries := Retries(msg)
	if retries >= maxRetries {
		DeadLetter(ctx, ch, msg, queueName, "retries exhausted")
		return
	}

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retriesHeader] = int32(retries + 1)

	retryName := queueName + retrySuffix
	err := PublishFIFO(ctx, ch, retryName, republish(msg, headers))
	if err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

// DeadLetter moves msg to the dead-letter queue of queueName without retrying.
func DeadLetter(ctx context.Context, ch Publisher, msg amqp091.Delivery, queueName, reason string) {
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-dead-letter-reason"] = reason

	dlqName := queueName + dlqSuffix
	logger.Warn("[Queue] Sending message to DLQ", "dlq", dlqName, "reason", reason)
	if err := PublishFIFO(ctx, ch, dlqName, republish(msg, headers)); err != nil {
		logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func republish(msg amqp091.Delivery, headers amqp091.Table) amqp091.Publishing {
	return amqp091.Publishing{
		ContentType:   msg.ContentType,
		Body:          msg.Body,
		Headers:       headers,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageId,
		Type:          msg.Type,
	}
}
