// Package writequeue is the Write Queue: a single-consumer ordered channel
// in front of the Storage Gateway for message/chat/identity-mapping writes.
package writequeue

import (
	"container/ring"
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywave/wacore/internal/errs"
	"github.com/relaywave/wacore/internal/models"
)

// Store is the narrow slice of the Storage Gateway the write queue needs.
// Defined here (rather than depended on concretely) so tests can exercise
// ordering/retry/dead-letter behavior against an in-memory fake instead of
// a live Postgres instance, matching the teacher pack's preference for
// fake-backed unit tests over a testcontainers dependency for this layer.
type Store interface {
	UpsertMessage(ctx context.Context, m models.Message) error
	UpsertChat(ctx context.Context, c models.Chat, partial bool) error
	UpsertIdentityMapping(ctx context.Context, tx *sql.Tx, m models.IdentityMapping) error
	WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// OpKind names one of the three base operation kinds the queue guarantees
// per-key ordering for. Additional bulk kinds follow the same pattern by
// adding a case to apply.
type OpKind string

const (
	OpInsertMessage  OpKind = "insert_message"
	OpUpsertChat     OpKind = "upsert_chat"
	OpUpsertIdentity OpKind = "upsert_identity_mapping"
)

// Item is one queued write. Key is the logical ordering key (e.g. chat id
// or message id); writes sharing a Key are applied in enqueue order.
type Item struct {
	ID      string
	Kind    OpKind
	Key     string
	Message *models.Message
	Chat    *models.Chat
	ChatPartial bool
	Identity    *models.IdentityMapping
}

const (
	maxRetries    = 3
	retryBackoff  = 50 * time.Millisecond
	deadLetterCap = 500
)

// Queue is the bounded, ordered, back-pressured write pipeline.
type Queue struct {
	ch      chan Item
	gw      Store
	log     zerolog.Logger
	onDrop  func(Item, error)
	done    chan struct{}
	wg      sync.WaitGroup

	applyMu       sync.RWMutex
	identityApply func(ctx context.Context, m models.IdentityMapping) error

	deadMu  sync.Mutex
	dead    *ring.Ring
	deadLen int
}

// New constructs a Queue with the given bounded capacity and starts its
// single consumer goroutine.
func New(capacity int, gw Store, log zerolog.Logger) *Queue {
	q := &Queue{
		ch:   make(chan Item, capacity),
		gw:   gw,
		log:  log,
		done: make(chan struct{}),
		dead: ring.New(deadLetterCap),
	}
	q.wg.Add(1)
	go q.consume()
	return q
}

// Enqueue blocks until there is room in the bounded channel, or ctx is
// cancelled. Producers that must never block should select on ctx.Done()
// with their own timeout.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue enqueues without blocking, returning false if the queue is
// full. Callers on the hot event-handling path that must not stall prefer
// this and log a warning on false, per §4.B's back-pressure policy.
func (q *Queue) TryEnqueue(item Item) bool {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	select {
	case q.ch <- item:
		return true
	default:
		q.log.Warn().Str("kind", string(item.Kind)).Str("key", item.Key).Msg("write queue full, dropping")
		return false
	}
}

// Depth reports the current queue length, exposed as a metric.
func (q *Queue) Depth() int { return len(q.ch) }

// SetIdentityApplier replaces the plain transactional upsert for
// OpUpsertIdentity items with the identity resolver's applier, which
// carries the null-preservation and reconciliation-sweep semantics the
// bare gateway call lacks. Wire before events start flowing.
func (q *Queue) SetIdentityApplier(fn func(ctx context.Context, m models.IdentityMapping) error) {
	q.applyMu.Lock()
	q.identityApply = fn
	q.applyMu.Unlock()
}

func (q *Queue) identityApplier() func(ctx context.Context, m models.IdentityMapping) error {
	q.applyMu.RLock()
	defer q.applyMu.RUnlock()
	return q.identityApply
}

func (q *Queue) consume() {
	defer q.wg.Done()
	for item := range q.ch {
		q.applyWithRetry(item)
	}
}

func (q *Queue) applyWithRetry(item Item) {
	ctx := context.Background()
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = q.apply(ctx, item)
		if err == nil {
			return
		}
		if !errs.Retryable(kindOf(err)) {
			break
		}
		time.Sleep(retryBackoff * time.Duration(attempt))
	}
	q.log.Error().Err(err).Str("kind", string(item.Kind)).Str("key", item.Key).Msg("dropping write-queue item")
	q.deadLetter(item, err)
}

func kindOf(err error) errs.Kind {
	if ce, ok := err.(*errs.CoreError); ok {
		return ce.Kind
	}
	return errs.KindPermanentStorage
}

func (q *Queue) apply(ctx context.Context, item Item) error {
	switch item.Kind {
	case OpInsertMessage:
		if item.Message == nil {
			return errs.PermanentStorage("writequeue.apply", nil)
		}
		return q.gw.UpsertMessage(ctx, *item.Message)
	case OpUpsertChat:
		if item.Chat == nil {
			return errs.PermanentStorage("writequeue.apply", nil)
		}
		return q.gw.UpsertChat(ctx, *item.Chat, item.ChatPartial)
	case OpUpsertIdentity:
		if item.Identity == nil {
			return errs.PermanentStorage("writequeue.apply", nil)
		}
		if apply := q.identityApplier(); apply != nil {
			return apply(ctx, *item.Identity)
		}
		return q.gw.WithTransaction(ctx, func(tx *sql.Tx) error {
			return q.gw.UpsertIdentityMapping(ctx, tx, *item.Identity)
		})
	default:
		return errs.PermanentStorage("writequeue.apply", nil)
	}
}

// deadLetter appends a permanently-dropped item to a bounded ring buffer
// so drops are observable instead of silently vanishing (§9 Open Question:
// yes, a dead-letter sink is wanted).
func (q *Queue) deadLetter(item Item, cause error) {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	q.dead.Value = deadItem{item: item, cause: cause, at: time.Now()}
	q.dead = q.dead.Next()
	if q.deadLen < deadLetterCap {
		q.deadLen++
	}
}

type deadItem struct {
	item  Item
	cause error
	at    time.Time
}

// DeadLettered returns a snapshot of dropped items, most recent last.
func (q *Queue) DeadLettered() []Item {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	out := make([]Item, 0, q.deadLen)
	q.dead.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(deadItem).item)
	})
	return out
}

// Shutdown closes the input channel and waits, up to grace, for the
// consumer to drain the remaining items before returning.
func (q *Queue) Shutdown(grace time.Duration) {
	close(q.ch)
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		q.log.Warn().Msg("write queue did not drain within grace period")
	}
}
