// Package leaselock hands out expiring leases stored in the app_locks table.
// A lease is renewed in the background while held; when a renewal finds the
// row taken over, the lease context is canceled with ErrLost.
//
// The rebaser takes one lease per change set so that only one process at a
// time moves a change set pointer.
package leaselock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrBusy     = errors.New("lease lock busy")
	ErrLost     = errors.New("lease lock lost")
	ErrEmptyKey = errors.New("lease lock key is empty")
)

const (
	defaultTTL       = 5 * time.Minute
	defaultPoll      = 250 * time.Millisecond
	renewTimeout     = 15 * time.Second
	renewAttempts    = 3
	renewRetryPause  = 200 * time.Millisecond
	minRenewInterval = time.Second
)

// Conn is the subset of pgx used by the lock. *pgxpool.Pool satisfies it.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client issues leases against one database.
type Client struct {
	db Conn
}

func New(db Conn) *Client {
	return &Client{db: db}
}

// Options tune a single acquisition. Zero values pick defaults.
type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration

	// Wait polls until the key frees up instead of returning ErrBusy.
	Wait         bool
	WaitInterval time.Duration
	WaitJitter   time.Duration

	// TokenPrefix is prepended to the random holder token, usually an
	// instance id so app_locks.locked_by shows who holds what.
	TokenPrefix string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.RenewEvery <= 0 || o.RenewEvery >= o.TTL {
		o.RenewEvery = max(o.TTL/2, minRenewInterval)
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = defaultPoll
	}
	o.WaitJitter = max(o.WaitJitter, 0)
	return o
}

// ChangeSetKey is the lock key guarding rebases onto one change set.
func ChangeSetKey(workspaceID, changeSetID ident.ID) string {
	return fmt.Sprintf("rebase:%s:%s", workspaceID, changeSetID)
}

// Lease is a held key. Context is canceled once the lease is released or
// lost; context.Cause tells the two apart.
type Lease struct {
	Key     string
	Token   string
	Context context.Context

	db     Conn
	ttl    int64
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Acquire takes the lease on key, polling while Options.Wait is set.
func (c *Client) Acquire(ctx context.Context, key string, opts Options) (*Lease, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	opts = opts.withDefaults()

	suffix, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	l := &Lease{
		Key:   key,
		Token: opts.TokenPrefix + suffix,
		db:    c.db,
		ttl:   opts.TTL.Milliseconds(),
		done:  make(chan struct{}),
	}

	for {
		won, err := l.claim(ctx)
		if err != nil {
			return nil, err
		}
		if won {
			break
		}
		if !opts.Wait {
			return nil, ErrBusy
		}
		if err := pause(ctx, opts.WaitInterval+jitter(opts.WaitJitter)); err != nil {
			return nil, err
		}
	}

	l.Context, l.cancel = context.WithCancelCause(ctx)
	go l.keepAlive(opts.RenewEvery)
	return l, nil
}

// WithLease runs fn while holding key. A lease lost during fn turns a nil
// result into ErrLost.
func (c *Client) WithLease(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	l, err := c.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.Background()); err != nil {
			logger.Warn("[LeaseLock] Release failed", "key", key, "err", err)
		}
	}()

	if err := fn(l.Context); err != nil {
		return err
	}
	if errors.Is(context.Cause(l.Context), ErrLost) {
		return ErrLost
	}
	return nil
}

// Release stops renewal and deletes the row if this lease still owns it.
// Calling it more than once is harmless.
func (l *Lease) Release(ctx context.Context) error {
	l.cancel(context.Canceled)
	<-l.done
	_, err := l.db.Exec(ctx, releaseSQL, l.Key, l.Token)
	return err
}

func (l *Lease) claim(ctx context.Context) (bool, error) {
	var key string
	switch err := l.db.QueryRow(ctx, tryAcquireSQL, l.Key, l.Token, l.ttl).Scan(&key); {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return key != "", nil
}

func (l *Lease) keepAlive(every time.Duration) {
	defer close(l.done)
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-l.Context.Done():
			return
		case <-tick.C:
		}
		if err := l.extend(); err != nil {
			if l.Context.Err() != nil {
				return
			}
			logger.Error("[LeaseLock] Lease lost", "key", l.Key, "err", err)
			l.cancel(err)
			return
		}
	}
}

// extend pushes expires_at forward. Transport errors are retried a few
// times; a missing row means another holder took the key.
func (l *Lease) extend() error {
	var err error
	for attempt := 1; attempt <= renewAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(l.Context, renewTimeout)
		var key string
		err = l.db.QueryRow(ctx, renewSQL, l.Key, l.Token, l.ttl).Scan(&key)
		cancel()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, pgx.ErrNoRows):
			return ErrLost
		}
		if attempt < renewAttempts {
			if perr := pause(l.Context, renewRetryPause); perr != nil {
				return perr
			}
		}
	}
	return fmt.Errorf("renew lease %q: %w", l.Key, err)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// An expired row, or one already held by the same token, can be claimed.
const tryAcquireSQL = `
INSERT INTO app_locks AS l (lock_key, locked_by, expires_at)
VALUES ($1, $2, clock_timestamp() + make_interval(secs => $3::bigint / 1000.0))
ON CONFLICT (lock_key) DO UPDATE
    SET locked_by = EXCLUDED.locked_by, expires_at = EXCLUDED.expires_at
    WHERE l.locked_by = EXCLUDED.locked_by OR l.expires_at < clock_timestamp()
RETURNING lock_key`

const renewSQL = `
UPDATE app_locks
   SET expires_at = clock_timestamp() + make_interval(secs => $3::bigint / 1000.0)
 WHERE lock_key = $1 AND locked_by = $2
RETURNING lock_key`

const releaseSQL = `DELETE FROM app_locks WHERE lock_key = $1 AND locked_by = $2`
