package writequeue

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywave/wacore/internal/errs"
	"github.com/relaywave/wacore/internal/models"
)

var errFakeTransient = errors.New("fake transient fault")

// fakeStore is an in-memory Store used to exercise ordering/retry/
// dead-letter behavior without a live Postgres instance.
type fakeStore struct {
	mu         sync.Mutex
	messages   []models.Message // append order == apply order, for ordering assertions
	chats      map[string]models.Chat
	identities map[string]models.IdentityMapping
	failFor    string // if set, every UpsertMessage for this message id fails transiently
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:      make(map[string]models.Chat),
		identities: make(map[string]models.IdentityMapping),
	}
}

func (f *fakeStore) UpsertMessage(ctx context.Context, m models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != "" && m.MessageID == f.failFor {
		return errs.TransientStorage("fake", errFakeTransient)
	}
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeStore) UpsertChat(ctx context.Context, c models.Chat, partial bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if partial {
		existing, ok := f.chats[c.ChatID]
		if ok && c.Name == "" {
			c.Name = existing.Name
		}
	}
	f.chats[c.ChatID] = c
	return nil
}

func (f *fakeStore) UpsertIdentityMapping(ctx context.Context, tx *sql.Tx, m models.IdentityMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.identities[m.LID]
	if ok {
		if m.JID == nil {
			m.JID = existing.JID // never overwrite a known jid with null
		}
		if m.LastSeen.Before(existing.LastSeen) {
			m.LastSeen = existing.LastSeen
		}
	}
	f.identities[m.LID] = m
	return nil
}

func (f *fakeStore) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

func TestEnqueueOrderPreserved(t *testing.T) {
	store := newFakeStore()
	q := New(10, store, zerolog.Nop())
	defer q.Shutdown(time.Second)

	for i := 0; i < 5; i++ {
		m := models.Message{ChatID: "c1", MessageID: string(rune('a' + i))}
		require.True(t, q.TryEnqueue(Item{Kind: OpInsertMessage, Key: "c1", Message: &m}))
	}

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.messages) == 5
	}, time.Second, time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	for i, m := range store.messages {
		assert.Equal(t, string(rune('a'+i)), m.MessageID, "writes of the same key must apply in enqueue order")
	}
}

func TestIdentityUpsertNeverOverwritesJIDWithNull(t *testing.T) {
	store := newFakeStore()
	q := New(10, store, zerolog.Nop())
	defer q.Shutdown(time.Second)

	jid := "5511999999999@s.whatsapp.net"
	require.True(t, q.TryEnqueue(Item{
		Kind: OpUpsertIdentity, Key: "L1",
		Identity: &models.IdentityMapping{LID: "L1", JID: &jid, LastSeen: time.Now()},
	}))
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.identities["L1"]
		return ok
	}, time.Second, time.Millisecond)

	second := time.Now()
	require.True(t, q.TryEnqueue(Item{
		Kind: OpUpsertIdentity, Key: "L1",
		Identity: &models.IdentityMapping{LID: "L1", JID: nil, LastSeen: second},
	}))
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return !store.identities["L1"].LastSeen.Before(second)
	}, time.Second, time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotNil(t, store.identities["L1"].JID)
	assert.Equal(t, jid, *store.identities["L1"].JID)
}

func TestPersistentFaultDropsAfterRetriesWithoutBlocking(t *testing.T) {
	store := newFakeStore()
	store.failFor = "m1" // every attempt at m1 fails, exceeding the retry budget
	q := New(10, store, zerolog.Nop())
	defer q.Shutdown(time.Second)

	m := models.Message{ChatID: "c1", MessageID: "m1"}
	require.True(t, q.TryEnqueue(Item{Kind: OpInsertMessage, Key: "c1", Message: &m}))

	// A second, unrelated item must still be applied: the queue never
	// blocks on a dropped item.
	m2 := models.Message{ChatID: "c2", MessageID: "m2"}
	require.True(t, q.TryEnqueue(Item{Kind: OpInsertMessage, Key: "c2", Message: &m2}))

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.messages) == 1 && store.messages[0].MessageID == "m2"
	}, time.Second, time.Millisecond)

	dead := q.DeadLettered()
	require.Len(t, dead, 1)
	assert.Equal(t, "m1", dead[0].Message.MessageID)
}

func TestTryEnqueueFullQueueDoesNotBlock(t *testing.T) {
	store := newFakeStore()

	// Capacity 0 channel: nothing can ever be buffered ahead of the single
	// consumer picking it up, so a burst should sometimes report false
	// without blocking the caller.
	q := New(0, store, zerolog.Nop())
	defer q.Shutdown(time.Second)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m := models.Message{ChatID: "c1", MessageID: string(rune(i))}
			q.TryEnqueue(Item{Kind: OpInsertMessage, Key: "c1", Message: &m})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("TryEnqueue blocked the caller")
	}
}
