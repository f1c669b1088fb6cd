// Package unread keeps per-user unread counters across chat rooms and the
// direct, group and kudos feeds.
package unread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ops_chat/server/chat/domain"
	"ops_chat/server/chat/repository"
	commonlog "ops_chat/server/common/log"
	"ops_chat/server/common/metrics"
	"ops_chat/server/common/pubsub"
)

var (
	// ErrBusy is returned when the user's counters stay locked past the
	// configured timeout. Nothing was modified; the call may be retried.
	ErrBusy           = errors.New("unread counters busy")
	ErrEmptyUser      = errors.New("user id is required")
	ErrEmptyRecipient = errors.New("kudos recipient is required")
	ErrEmptyCategory  = errors.New("category is required")
)

const DefaultLockTimeout = 2 * time.Second

// Changed is published after every successful modification.
type Changed struct {
	Snapshot domain.UnreadSnapshot
}

type Aggregator struct {
	store       repository.CounterStore
	kudos       repository.KudosLedger
	lockTimeout time.Duration
	changes     *pubsub.Bus[Changed]

	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock is a one-slot semaphore so acquisition can give up on a timer.
type userLock struct {
	sem  chan struct{}
	refs int
}

func NewAggregator(store repository.CounterStore, kudos repository.KudosLedger, lockTimeout time.Duration) *Aggregator {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	if kudos == nil {
		kudos = repository.NewMemoryKudosLedger()
	}
	return &Aggregator{
		store:       store,
		kudos:       kudos,
		lockTimeout: lockTimeout,
		changes:     pubsub.NewBus[Changed](),
		locks:       map[string]*userLock{},
	}
}

// Subscribe registers fn for counter changes of every user.
func (a *Aggregator) Subscribe(fn func(Changed)) (unsubscribe func()) {
	return a.changes.Subscribe(fn)
}

func (a *Aggregator) Increment(ctx context.Context, userID, category string) (domain.UnreadSnapshot, error) {
	if err := validate(userID, category); err != nil {
		return domain.UnreadSnapshot{}, err
	}
	return a.mutate(ctx, "increment", userID, func(ctx context.Context) error {
		_, err := a.store.Increment(ctx, userID, category, 1)
		return err
	})
}

func (a *Aggregator) MarkRead(ctx context.Context, userID, category string) (domain.UnreadSnapshot, error) {
	if err := validate(userID, category); err != nil {
		return domain.UnreadSnapshot{}, err
	}
	return a.mutate(ctx, "mark_read", userID, func(ctx context.Context) error {
		return a.store.Reset(ctx, userID, category)
	})
}

func (a *Aggregator) MarkAllRead(ctx context.Context, userID string) (domain.UnreadSnapshot, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.UnreadSnapshot{}, ErrEmptyUser
	}
	return a.mutate(ctx, "mark_all_read", userID, func(ctx context.Context) error {
		return a.store.ResetAll(ctx, userID)
	})
}

// Snapshot reads the user's counters. Categories with nothing unread are
// absent from PerCategory.
func (a *Aggregator) Snapshot(ctx context.Context, userID string) (domain.UnreadSnapshot, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.UnreadSnapshot{}, ErrEmptyUser
	}
	counts, err := a.store.Load(ctx, userID)
	if err != nil {
		metrics.UnreadOps.WithLabelValues("snapshot", "failed").Inc()
		return domain.UnreadSnapshot{}, fmt.Errorf("load unread %s: %w", userID, err)
	}
	return domain.NewUnreadSnapshot(userID, counts), nil
}

// Fanout increments category once for every distinct recipient other than
// actorID. Every recipient is attempted; failures are joined. It returns
// the number of users incremented.
func (a *Aggregator) Fanout(ctx context.Context, category, actorID string, recipients []string) (int, error) {
	if strings.TrimSpace(category) == "" {
		return 0, ErrEmptyCategory
	}
	seen := make(map[string]struct{}, len(recipients))
	var (
		done int
		errs []error
	)
	for _, userID := range recipients {
		userID = strings.TrimSpace(userID)
		if userID == "" || userID == actorID {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		if _, err := a.Increment(ctx, userID, category); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", userID, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// Kudos increments the recipient's kudos category the first time a given
// (sender, recipient, context) is seen. It reports whether it counted.
func (a *Aggregator) Kudos(ctx context.Context, event domain.KudosEvent) (bool, error) {
	if strings.TrimSpace(event.RecipientID) == "" {
		return false, ErrEmptyRecipient
	}
	if event.RecipientID == event.SenderID {
		return false, nil
	}
	_, err := a.mutate(ctx, "kudos", event.RecipientID, func(ctx context.Context) error {
		first, err := a.kudos.Record(ctx, event)
		if err != nil {
			return fmt.Errorf("record kudos: %w", err)
		}
		if !first {
			return errUnchanged
		}
		if _, err := a.store.Increment(ctx, event.RecipientID, domain.CategoryKudos, 1); err != nil {
			// uncounted kudos must stay countable on retry
			if ferr := a.kudos.Forget(ctx, event); ferr != nil {
				return errors.Join(err, fmt.Errorf("forget kudos: %w", ferr))
			}
			return err
		}
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

var errUnchanged = errors.New("unchanged")

// mutate runs fn while holding userID's lock, then publishes the new
// snapshot. Publishing happens after the lock is released.
func (a *Aggregator) mutate(ctx context.Context, op, userID string, fn func(context.Context) error) (domain.UnreadSnapshot, error) {
	release, err := a.acquire(ctx, userID)
	if err != nil {
		metrics.UnreadOps.WithLabelValues(op, "busy").Inc()
		commonlog.Warnf("event=unread_update action=%s status=busy user_id=%s error=%v", op, userID, err)
		return domain.UnreadSnapshot{}, err
	}

	var counts map[string]int64
	err = fn(ctx)
	if err == nil {
		counts, err = a.store.Load(ctx, userID)
	}
	release()

	if errors.Is(err, errUnchanged) {
		metrics.UnreadOps.WithLabelValues(op, "noop").Inc()
		return domain.UnreadSnapshot{}, err
	}
	if err != nil {
		metrics.UnreadOps.WithLabelValues(op, "failed").Inc()
		commonlog.Errorf("event=unread_update action=%s status=failed user_id=%s error=%v", op, userID, err)
		return domain.UnreadSnapshot{}, fmt.Errorf("unread %s %s: %w", op, userID, err)
	}
	metrics.UnreadOps.WithLabelValues(op, "ok").Inc()

	snap := domain.NewUnreadSnapshot(userID, counts)
	a.changes.Publish(Changed{Snapshot: snap})
	return snap, nil
}

func (a *Aggregator) acquire(ctx context.Context, userID string) (release func(), err error) {
	a.mu.Lock()
	l, ok := a.locks[userID]
	if !ok {
		l = &userLock{sem: make(chan struct{}, 1)}
		a.locks[userID] = l
	}
	l.refs++
	a.mu.Unlock()

	timer := time.NewTimer(a.lockTimeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			a.unref(userID, l)
		}, nil
	case <-timer.C:
		a.unref(userID, l)
		return nil, ErrBusy
	case <-ctx.Done():
		a.unref(userID, l)
		return nil, ctx.Err()
	}
}

func (a *Aggregator) unref(userID string, l *userLock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, userID)
	}
}

func validate(userID, category string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUser
	}
	if strings.TrimSpace(category) == "" {
		return ErrEmptyCategory
	}
	return nil
}
