package rebaser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/strata/internal/queue"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

var ErrClientClosed = errors.New("rebaser client closed")

// Client sends rebase requests and waits for their responses on a private
// reply queue.
type Client struct {
	ch        *amqp091.Channel
	queueName string
	replyTo   string

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
}

func NewClient(conn *amqp091.Connection, queueName string) (*Client, error) {
	if queueName == "" {
		queueName = queue.RebaserQueue
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open client channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	c := &Client{
		ch:        ch,
		queueName: queueName,
		replyTo:   q.Name,
		pending:   map[string]chan Response{},
	}
	go c.readReplies(msgs)
	return c, nil
}

func (c *Client) readReplies(msgs <-chan amqp091.Delivery) {
	for msg := range msgs {
		resp, err := DecodeResponse(EnvelopeOf(msg.ContentType, msg.Headers), msg.Body)
		if err != nil {
			logger.Warn("[Rebaser] Dropping unreadable response", "correlation_id", msg.CorrelationId, "err", err)
			continue
		}
		c.deliver(msg.CorrelationId, resp)
	}
	c.shutdown()
}

func (c *Client) deliver(correlationID string, resp Response) {
	c.mu.Lock()
	waiter, ok := c.pending[correlationID]
	delete(c.pending, correlationID)
	c.mu.Unlock()
	if !ok {
		logger.Debug("[Rebaser] Response without waiter", "correlation_id", correlationID)
		return
	}
	waiter <- resp
}

func (c *Client) register() (string, chan Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", nil, ErrClientClosed
	}
	id := uuid.NewString()
	waiter := make(chan Response, 1)
	c.pending[id] = waiter
	return id, waiter, nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Rebase sends req and blocks until the response arrives or ctx is done. A
// response with Error set is returned as an error.
func (c *Client) Rebase(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	env, body, err := EncodeRequest(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	id, waiter, err := c.register()
	if err != nil {
		return Response{}, err
	}
	defer c.forget(id)

	err = queue.PublishFIFO(ctx, c.ch, c.queueName, amqp091.Publishing{
		ContentType:   env.ContentType,
		Headers:       env.Headers(),
		CorrelationId: id,
		ReplyTo:       c.replyTo,
		MessageId:     id,
		Body:          body,
	})
	if err != nil {
		return Response{}, fmt.Errorf("publish request: %w", err)
	}

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case resp, ok := <-waiter:
		if !ok {
			return Response{}, ErrClientClosed
		}
		if resp.Failed() {
			return resp, fmt.Errorf("rebase failed: %s", resp.Error)
		}
		return resp, nil
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, waiter := range c.pending {
		close(waiter)
		delete(c.pending, id)
	}
}

func (c *Client) Close() error {
	c.shutdown()
	return c.ch.Close()
}
