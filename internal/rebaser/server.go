package rebaser

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/internal/queue"
	"github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/leaselock"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/OFFIS-RIT/strata/pkg/rebase"
	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPartitions     = 16
	DefaultMaxRetries     = 3
	DefaultLeaseTTL       = 30 * time.Second
	DefaultRequestTimeout = 2 * time.Minute
)

// Rebaser is satisfied by *Handler.
type Rebaser interface {
	Rebase(ctx context.Context, req Request) (Response, error)
}

// Locker is satisfied by *leaselock.Client.
type Locker interface {
	WithLease(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error
}

type ServerConfig struct {
	Queue          string
	InstanceID     string
	Partitions     int
	MaxRetries     int
	LeaseTTL       time.Duration
	RequestTimeout time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Queue == "" {
		c.Queue = queue.RebaserQueue
	}
	if c.Partitions <= 0 {
		c.Partitions = DefaultPartitions
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Server consumes rebase requests. Requests for the same target change set
// are handled one at a time: in process by routing them to the same
// partition, and across processes by a lease lock.
type Server struct {
	cfg     ServerConfig
	rebaser Rebaser
	locks   Locker
	pub     queue.Publisher
}

type job struct {
	msg amqp091.Delivery
	env Envelope
	req Request
}

// NewServer publishes replies, retries and dead letters through pub.
func NewServer(cfg ServerConfig, rebaser Rebaser, locks Locker, pub queue.Publisher) *Server {
	return &Server{cfg: cfg.withDefaults(), rebaser: rebaser, locks: locks, pub: pub}
}

// Run consumes the request queue on ch until ctx is done.
func (s *Server) Run(ctx context.Context, ch *amqp091.Channel) error {
	if err := ch.Qos(s.cfg.Partitions, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(s.cfg.Queue, s.cfg.InstanceID, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.cfg.Queue, err)
	}
	logger.Info("[Rebaser] Listening for rebase requests", "queue", s.cfg.Queue, "partitions", s.cfg.Partitions)
	return s.Serve(ctx, msgs)
}

// Serve dispatches deliveries until ctx is done or msgs is closed, then
// waits for in-flight requests.
func (s *Server) Serve(ctx context.Context, msgs <-chan amqp091.Delivery) error {
	parts := make([]chan job, s.cfg.Partitions)
	var g errgroup.Group
	for i := range parts {
		parts[i] = make(chan job, 1)
		jobs := parts[i]
		g.Go(func() error {
			for j := range jobs {
				s.process(ctx, j)
			}
			return nil
		})
	}

	var err error
dispatch:
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Rebaser] Stopping consumer")
			break dispatch
		case msg, ok := <-msgs:
			if !ok {
				err = errors.New("delivery channel closed")
				logger.Warn("[Rebaser] Delivery channel closed", "queue", s.cfg.Queue)
				break dispatch
			}
			j, ok := s.accept(ctx, msg)
			if !ok {
				continue
			}
			select {
			case parts[s.partition(j.req)] <- j:
			case <-ctx.Done():
				_ = msg.Nack(false, true)
				break dispatch
			}
		}
	}

	for _, p := range parts {
		close(p)
	}
	_ = g.Wait()
	return err
}

// accept decodes msg, dead-lettering it when its envelope or body cannot
// be read.
func (s *Server) accept(ctx context.Context, msg amqp091.Delivery) (job, bool) {
	env := EnvelopeOf(msg.ContentType, msg.Headers)
	req, err := DecodeRequest(env, msg.Body)
	if err != nil {
		rebasesTotal.WithLabelValues(outcomeRejected).Inc()
		logger.Warn("[Rebaser] Rejecting request", "envelope", env.String(), "err", err)
		s.reply(ctx, msg, env.ContentType, Response{Error: err.Error()})
		queue.DeadLetter(ctx, s.pub, msg, s.cfg.Queue, err.Error())
		return job{}, false
	}
	return job{msg: msg, env: env, req: req}, true
}

func (s *Server) partition(req Request) int {
	h := hash.Compute([]byte(req.WorkspaceID.String() + "\x00" + req.ToRebaseChangeSetID.String()))
	return int(binary.BigEndian.Uint32(h[:4]) % uint32(s.cfg.Partitions))
}

func (s *Server) process(ctx context.Context, j job) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	key := leaselock.ChangeSetKey(j.req.WorkspaceID, j.req.ToRebaseChangeSetID)
	opts := leaselock.Options{TTL: s.cfg.LeaseTTL, Wait: true, TokenPrefix: s.cfg.InstanceID + ":"}

	var resp Response
	err := s.locks.WithLease(reqCtx, key, opts, func(ctx context.Context) error {
		var err error
		resp, err = s.rebaser.Rebase(ctx, j.req)
		return err
	})
	if err == nil {
		s.reply(ctx, j.msg, j.env.ContentType, resp)
		if err := j.msg.Ack(false); err != nil {
			logger.Error("[Rebaser] Failed to ack message", "err", err)
		}
		return
	}

	logger.Error("[Rebaser] Rebase failed",
		"workspace_id", j.req.WorkspaceID, "to_rebase", j.req.ToRebaseChangeSetID,
		"onto", j.req.OntoChangeSetID, "retries", queue.Retries(j.msg), "err", err)
	switch {
	case ctx.Err() != nil:
		_ = j.msg.Nack(false, true)
	case util.IsPermanent(err):
		s.reply(ctx, j.msg, j.env.ContentType, Response{Error: err.Error()})
		queue.DeadLetter(ctx, s.pub, j.msg, s.cfg.Queue, err.Error())
	case queue.Retries(j.msg) >= s.cfg.MaxRetries:
		s.reply(ctx, j.msg, j.env.ContentType, Response{Error: err.Error()})
		queue.HandleFailure(ctx, s.pub, j.msg, s.cfg.Queue, s.cfg.MaxRetries)
	default:
		queue.HandleFailure(ctx, s.pub, j.msg, s.cfg.Queue, s.cfg.MaxRetries)
	}
}

func (s *Server) reply(ctx context.Context, msg amqp091.Delivery, contentType string, resp Response) {
	if msg.ReplyTo == "" {
		return
	}
	if resp.Conflicts == nil {
		resp.Conflicts = []rebase.ConflictRecord{}
	}
	env, body, err := EncodeResponse(contentType, resp)
	if err != nil {
		logger.Error("[Rebaser] Failed to encode response", "err", err)
		return
	}
	err = queue.PublishFIFO(ctx, s.pub, msg.ReplyTo, amqp091.Publishing{
		ContentType:   env.ContentType,
		Headers:       env.Headers(),
		CorrelationId: msg.CorrelationId,
		DeliveryMode:  amqp091.Transient,
		Body:          body,
	})
	if err != nil {
		logger.Error("[Rebaser] Failed to publish response", "reply_to", msg.ReplyTo, "err", err)
	}
}
