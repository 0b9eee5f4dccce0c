package identity

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywave/wacore/internal/models"
	"github.com/relaywave/wacore/internal/writequeue"
)

// fakeStore is an in-memory Store backing the resolver's own tests, plus a
// parallel senderIndex standing in for the messages table's sender_id
// column so RewriteMessageSender's rewrite-on-resolution behavior (spec
// §4.D, scenario S2) is exercisable without a live Postgres instance.
type fakeStore struct {
	mu       sync.Mutex
	mappings map[string]models.IdentityMapping
	senders  map[string]string // message id -> sender id, mutated by RewriteMessageSender
	order    []string          // lids in insertion order, for FindIdentityMappingsAfter paging
}

func newFakeStore() *fakeStore {
	return &fakeStore{mappings: make(map[string]models.IdentityMapping), senders: make(map[string]string)}
}

func (f *fakeStore) FindIdentityMappingByLID(ctx context.Context, lid string) (*models.IdentityMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mappings[lid]
	if !ok {
		return nil, nil
	}
	cp := m
	return &cp, nil
}

func (f *fakeStore) UpsertIdentityMapping(ctx context.Context, tx *sql.Tx, m models.IdentityMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.mappings[m.LID]
	if !ok {
		f.order = append(f.order, m.LID)
	}
	if m.JID == nil && ok && existing.JID != nil {
		m.JID = existing.JID // forbidden case: never null out a known jid
	}
	f.mappings[m.LID] = m
	return nil
}

func (f *fakeStore) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) RewriteMessageSender(ctx context.Context, tx *sql.Tx, oldSenderID, newSenderID string, batch int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, sender := range f.senders {
		if sender == oldSenderID {
			f.senders[id] = newSenderID
			n++
			if n >= batch {
				break
			}
		}
	}
	return n, nil
}

func (f *fakeStore) FindIdentityMappingsAfter(ctx context.Context, afterLID string, limit int) ([]models.IdentityMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.IdentityMapping
	for _, lid := range f.order {
		if lid <= afterLID {
			continue
		}
		m := f.mappings[lid]
		if m.JID == nil {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) SweepLowWaterMark(ctx context.Context) (string, error) { return "", nil }
func (f *fakeStore) SetSweepLowWaterMark(ctx context.Context, mark string) error { return nil }

func TestCanonicalIDPrefersStoredMapping(t *testing.T) {
	store := newFakeStore()
	r := New(store, 0, zerolog.Nop())

	jid := "5511999999999@s.whatsapp.net"
	require.NoError(t, r.Observe(context.Background(), "L1@lid", jid, models.SourceMessage))

	got := r.CanonicalID(context.Background(), Hint{LID: "L1@lid"})
	assert.Equal(t, jid, got)
}

func TestCanonicalIDFallsBackInOrder(t *testing.T) {
	store := newFakeStore()
	r := New(store, 0, zerolog.Nop())

	// No stored mapping: explicit jid wins over alt-participant and lid.
	assert.Equal(t, "jid1", r.CanonicalID(context.Background(), Hint{LID: "L1", JID: "jid1", AltParticipant: "alt1"}))
	// No jid: alt-participant wins over lid.
	assert.Equal(t, "alt1", r.CanonicalID(context.Background(), Hint{LID: "L1", AltParticipant: "alt1"}))
	// Nothing else available: lid is the last resort.
	assert.Equal(t, "L1", r.CanonicalID(context.Background(), Hint{LID: "L1"}))
}

func TestObserveNeverOverwritesJIDWithNull(t *testing.T) {
	store := newFakeStore()
	r := New(store, 0, zerolog.Nop())
	ctx := context.Background()

	jid := "5511999999999@s.whatsapp.net"
	require.NoError(t, r.Observe(ctx, "L1", jid, models.SourceMessage))
	require.NoError(t, r.Observe(ctx, "L1", "", models.SourceContacts))

	m, err := store.FindIdentityMappingByLID(ctx, "L1")
	require.NoError(t, err)
	require.NotNil(t, m.JID)
	assert.Equal(t, jid, *m.JID)
}

func TestObserveRewritesHistoricalSenderOnFirstResolution(t *testing.T) {
	store := newFakeStore()
	store.senders["msg1"] = "L1"
	store.senders["msg2"] = "L1"
	r := New(store, 500, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, r.Observe(ctx, "L1", "", models.SourceMessage))
	store.mu.Lock()
	assert.Equal(t, "L1", store.senders["msg1"])
	store.mu.Unlock()

	jid := "5511999999999@s.whatsapp.net"
	require.NoError(t, r.Observe(ctx, "L1", jid, models.SourceLIDMapping))

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.senders["msg1"] == jid && store.senders["msg2"] == jid
	}, time.Second, time.Millisecond, "reconciliation sweep must rewrite historical sender ids")
}

func TestBackfillSeedsFromParticipantAlt(t *testing.T) {
	store := newFakeStore()
	r := New(store, 0, zerolog.Nop())

	raw := [][]byte{
		[]byte(`{"lid":"L1","participantAlt":"5511999999999@s.whatsapp.net"}`),
		[]byte(`{"lid":"L2"}`), // no participantAlt: skipped
	}
	n, err := r.Backfill(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := store.FindIdentityMappingByLID(context.Background(), "L1")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NotNil(t, m.JID)
	assert.Equal(t, "5511999999999@s.whatsapp.net", *m.JID)
}

func TestBackfillDerivesJIDFromSenderWhenAltIsLID(t *testing.T) {
	store := newFakeStore()
	r := New(store, 0, zerolog.Nop())

	raw := [][]byte{
		[]byte(`{"lid":"77@lid","sender":"5511888888888@s.whatsapp.net","participantAlt":"77@lid"}`),
		[]byte(`{"lid":"88@lid","sender":"88@lid"}`), // no jid-form anywhere: skipped
	}
	n, err := r.Backfill(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := store.FindIdentityMappingByLID(context.Background(), "77@lid")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NotNil(t, m.JID)
	assert.Equal(t, "5511888888888@s.whatsapp.net", *m.JID)
}

// queueStore widens fakeStore to the write queue's Store interface; the
// queued-identity test only exercises the identity path.
type queueStore struct{ *fakeStore }

func (queueStore) UpsertMessage(ctx context.Context, m models.Message) error { return nil }

func (queueStore) UpsertChat(ctx context.Context, c models.Chat, partial bool) error { return nil }

func TestObserveRoutesThroughWriteQueue(t *testing.T) {
	store := newFakeStore()
	r := New(store, 0, zerolog.Nop())
	q := writequeue.New(8, queueStore{store}, zerolog.Nop())
	defer q.Shutdown(time.Second)
	r.BindQueue(q)

	jid := "5511999999999@s.whatsapp.net"
	require.NoError(t, r.Observe(context.Background(), "L9", jid, models.SourceContacts))

	require.Eventually(t, func() bool {
		m, err := store.FindIdentityMappingByLID(context.Background(), "L9")
		return err == nil && m != nil && m.JID != nil && *m.JID == jid
	}, time.Second, time.Millisecond, "queued mapping upsert must reach the store via the consumer")
}

func TestObserveQueuedKeepsNullPreservation(t *testing.T) {
	store := newFakeStore()
	r := New(store, 0, zerolog.Nop())
	q := writequeue.New(8, queueStore{store}, zerolog.Nop())
	defer q.Shutdown(time.Second)
	r.BindQueue(q)

	ctx := context.Background()
	jid := "5511999999999@s.whatsapp.net"
	require.NoError(t, r.Observe(ctx, "L10", jid, models.SourceLIDMapping))
	require.NoError(t, r.Observe(ctx, "L10", "", models.SourceMessage))

	require.Eventually(t, func() bool {
		m, err := store.FindIdentityMappingByLID(ctx, "L10")
		return err == nil && m != nil && m.JID != nil && *m.JID == jid
	}, time.Second, time.Millisecond, "a later null sighting must never erase a known jid")
}
