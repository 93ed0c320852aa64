package rebaser

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/strata/internal/queue"
	"github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/leaselock"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key string
	msg amqp091.Publishing
}

type fakePublisher struct {
	mu  sync.Mutex
	out []published
}

func (p *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp091.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, published{key: key, msg: msg})
	return nil
}

func (p *fakePublisher) to(key string) []amqp091.Publishing {
	p.mu.Lock()
	defer p.mu.Unlock()
	var msgs []amqp091.Publishing
	for _, o := range p.out {
		if o.key == key {
			msgs = append(msgs, o.msg)
		}
	}
	return msgs
}

type fakeAcker struct {
	mu                      sync.Mutex
	acked, nacked, requeued bool
}

func (a *fakeAcker) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true
	return nil
}

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked, a.requeued = true, requeue
	return nil
}

func (a *fakeAcker) Reject(_ uint64, requeue bool) error { return a.Nack(0, false, requeue) }

type fakeRebaser struct {
	resp Response
	err  error
}

func (r fakeRebaser) Rebase(context.Context, Request) (Response, error) { return r.resp, r.err }

type fakeLocker struct {
	mu   sync.Mutex
	keys []string
}

func (l *fakeLocker) WithLease(ctx context.Context, key string, _ leaselock.Options, fn func(context.Context) error) error {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return fn(ctx)
}

const replyQueue = "amq.gen-reply"

func requestDelivery(t *testing.T, a *fakeAcker, req Request, retries int32) amqp091.Delivery {
	t.Helper()
	env, body, err := EncodeRequest(req)
	require.NoError(t, err)
	headers := env.Headers()
	if retries > 0 {
		headers["x-retries"] = retries
	}
	return amqp091.Delivery{
		Acknowledger:  a,
		ContentType:   env.ContentType,
		Headers:       headers,
		Body:          body,
		ReplyTo:       replyQueue,
		CorrelationId: "corr-1",
	}
}

// serve runs s over the given deliveries until they are exhausted.
func serve(t *testing.T, s *Server, deliveries ...amqp091.Delivery) {
	t.Helper()
	msgs := make(chan amqp091.Delivery, len(deliveries))
	for _, d := range deliveries {
		msgs <- d
	}
	close(msgs)
	err := s.Serve(context.Background(), msgs)
	require.Error(t, err)
}

func decodeReply(t *testing.T, msg amqp091.Publishing) Response {
	t.Helper()
	resp, err := DecodeResponse(EnvelopeOf(msg.ContentType, msg.Headers), msg.Body)
	require.NoError(t, err)
	return resp
}

func TestServe_RepliesAndAcks(t *testing.T) {
	pub, locks, a := &fakePublisher{}, &fakeLocker{}, &fakeAcker{}
	s := NewServer(ServerConfig{Partitions: 2, MaxRetries: 2}, fakeRebaser{resp: Response{UpdatesApplied: true}}, locks, pub)
	req := testRequest()

	serve(t, s, requestDelivery(t, a, req, 0))

	replies := pub.to(replyQueue)
	require.Len(t, replies, 1)
	assert.Equal(t, "corr-1", replies[0].CorrelationId)
	resp := decodeReply(t, replies[0])
	assert.True(t, resp.UpdatesApplied)
	assert.NotNil(t, resp.Conflicts)
	assert.True(t, a.acked)
	assert.Equal(t, []string{leaselock.ChangeSetKey(req.WorkspaceID, req.ToRebaseChangeSetID)}, locks.keys)
}

func TestServe_UnsupportedEnvelopeGoesToDLQ(t *testing.T) {
	pub, a := &fakePublisher{}, &fakeAcker{}
	s := NewServer(ServerConfig{}, fakeRebaser{}, &fakeLocker{}, pub)
	d := requestDelivery(t, a, testRequest(), 0)
	d.Headers[HeaderMessageVersion] = int32(9)

	serve(t, s, d)

	assert.Len(t, pub.to(queue.RebaserQueue+"_dlq"), 1)
	replies := pub.to(replyQueue)
	require.Len(t, replies, 1)
	assert.True(t, decodeReply(t, replies[0]).Failed())
	assert.True(t, a.acked)
}

func TestServe_TransientFailureIsRetriedWithoutReply(t *testing.T) {
	pub, a := &fakePublisher{}, &fakeAcker{}
	s := NewServer(ServerConfig{MaxRetries: 3}, fakeRebaser{err: errors.New("durable store timeout")}, &fakeLocker{}, pub)

	serve(t, s, requestDelivery(t, a, testRequest(), 1))

	retried := pub.to(queue.RebaserQueue + "_retry")
	require.Len(t, retried, 1)
	assert.Equal(t, int32(2), retried[0].Headers["x-retries"])
	assert.Equal(t, "corr-1", retried[0].CorrelationId)
	assert.Empty(t, pub.to(replyQueue))
	assert.True(t, a.acked)
}

func TestServe_ExhaustedRetriesReplyWithFailure(t *testing.T) {
	pub, a := &fakePublisher{}, &fakeAcker{}
	s := NewServer(ServerConfig{MaxRetries: 2}, fakeRebaser{err: errors.New("durable store timeout")}, &fakeLocker{}, pub)

	serve(t, s, requestDelivery(t, a, testRequest(), 2))

	assert.Len(t, pub.to(queue.RebaserQueue+"_dlq"), 1)
	replies := pub.to(replyQueue)
	require.Len(t, replies, 1)
	assert.Contains(t, decodeReply(t, replies[0]).Error, "durable store timeout")
}

func TestServe_PermanentFailureSkipsRetries(t *testing.T) {
	pub, a := &fakePublisher{}, &fakeAcker{}
	err := util.Permanent(ErrChangeSetNotFound)
	s := NewServer(ServerConfig{MaxRetries: 5}, fakeRebaser{err: err}, &fakeLocker{}, pub)

	serve(t, s, requestDelivery(t, a, testRequest(), 0))

	assert.Empty(t, pub.to(queue.RebaserQueue+"_retry"))
	assert.Len(t, pub.to(queue.RebaserQueue+"_dlq"), 1)
	require.Len(t, pub.to(replyQueue), 1)
}

func TestPartition_DependsOnlyOnTarget(t *testing.T) {
	s := NewServer(ServerConfig{Partitions: 7}, fakeRebaser{}, &fakeLocker{}, &fakePublisher{})
	a, b := testRequest(), testRequest()
	b.WorkspaceID, b.ToRebaseChangeSetID = a.WorkspaceID, a.ToRebaseChangeSetID

	assert.Equal(t, s.partition(a), s.partition(b))
	assert.Less(t, s.partition(a), 7)
}
