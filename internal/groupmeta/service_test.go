package groupmeta

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywave/wacore/internal/cache"
	"github.com/relaywave/wacore/internal/models"
)

type fakeStore struct {
	mu    sync.Mutex
	saved map[string]models.GroupMetadata
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]models.GroupMetadata)}
}

func (f *fakeStore) UpsertGroupMetadata(ctx context.Context, gm models.GroupMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[gm.GroupID] = gm
	return nil
}

func (f *fakeStore) FindGroupMetadataByID(ctx context.Context, groupID string) (*models.GroupMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gm, ok := f.saved[groupID]
	if !ok {
		return nil, nil
	}
	cp := gm
	return &cp, nil
}

type fakeClient struct {
	mu        sync.Mutex
	calls     int
	metaByID  map[string]models.GroupMetadata
	failErr   error
}

func (f *fakeClient) FetchGroupMetadata(ctx context.Context, groupID string) (*models.GroupMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	m := f.metaByID[groupID]
	cp := m
	return &cp, nil
}

func newTier() *cache.Tier {
	return cache.NewTier(cache.Options{
		DefaultTTL:  map[cache.Kind]time.Duration{cache.KindGroups: time.Hour},
		CheckPeriod: map[cache.Kind]time.Duration{cache.KindGroups: time.Hour},
	})
}

func TestGetOrFetchCallsClientOnMiss(t *testing.T) {
	store := newFakeStore()
	tier := newTier()
	defer tier.Shutdown()
	client := &fakeClient{metaByID: map[string]models.GroupMetadata{
		"g1": {GroupID: "g1", Subject: "Group One"},
	}}
	svc := New(store, tier, zerolog.Nop())

	meta, err := svc.GetOrFetch(context.Background(), "g1", client)
	require.NoError(t, err)
	assert.Equal(t, "Group One", meta.Subject)
	assert.Equal(t, 1, client.calls)

	store.mu.Lock()
	_, persisted := store.saved["g1"]
	store.mu.Unlock()
	assert.True(t, persisted, "fetched metadata must be persisted")
}

func TestGetOrFetchServesFreshCacheWithoutRefetch(t *testing.T) {
	store := newFakeStore()
	tier := newTier()
	defer tier.Shutdown()
	client := &fakeClient{metaByID: map[string]models.GroupMetadata{
		"g1": {GroupID: "g1", Subject: "Group One"},
	}}
	svc := New(store, tier, zerolog.Nop())

	_, err := svc.GetOrFetch(context.Background(), "g1", client)
	require.NoError(t, err)
	_, err = svc.GetOrFetch(context.Background(), "g1", client)
	require.NoError(t, err)

	assert.Equal(t, 1, client.calls, "a fresh cache entry must not trigger a second fetch")
}

func TestGetOrFetchRefetchesAfterStaleness(t *testing.T) {
	store := newFakeStore()
	tier := cache.NewTier(cache.Options{
		DefaultTTL:  map[cache.Kind]time.Duration{cache.KindGroups: time.Hour},
		CheckPeriod: map[cache.Kind]time.Duration{cache.KindGroups: time.Hour},
	})
	defer tier.Shutdown()
	client := &fakeClient{metaByID: map[string]models.GroupMetadata{
		"g1": {GroupID: "g1", Subject: "Group One"},
	}}
	svc := New(store, tier, zerolog.Nop())

	// Seed the cache directly with an entry already older than the
	// staleness window, standing in for 30+ minutes of real elapsed time.
	tier.Set(cache.KindGroups, "g1", cached{
		meta:      models.GroupMetadata{GroupID: "g1", Subject: "Group One"},
		fetchedAt: time.Now().Add(-stalenessWindow - time.Minute),
	})

	_, err := svc.GetOrFetch(context.Background(), "g1", client)
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls, "a stale cache entry must trigger a refetch")
}

func TestGetOrFetchPropagatesClientError(t *testing.T) {
	store := newFakeStore()
	tier := newTier()
	defer tier.Shutdown()
	client := &fakeClient{failErr: errors.New("sdk unavailable")}
	svc := New(store, tier, zerolog.Nop())

	_, err := svc.GetOrFetch(context.Background(), "g1", client)
	assert.Error(t, err)
}

func TestApplyParticipantsUpdateIsIdempotentForExistingMember(t *testing.T) {
	store := newFakeStore()
	tier := newTier()
	defer tier.Shutdown()
	svc := New(store, tier, zerolog.Nop())

	tier.Set(cache.KindGroups, "g1", cached{
		meta:      models.GroupMetadata{GroupID: "g1", Participants: []models.Participant{{UserID: "u1"}}},
		fetchedAt: time.Now(),
	})

	err := svc.ApplyParticipantsUpdate(context.Background(), "g1", []models.Participant{{UserID: "u1"}}, nil)
	require.NoError(t, err)

	v, ok := tier.Get(cache.KindGroups, "g1")
	require.True(t, ok)
	assert.Len(t, v.(cached).meta.Participants, 1)
}

func TestApplyParticipantsUpdateAddsAndRemoves(t *testing.T) {
	store := newFakeStore()
	tier := newTier()
	defer tier.Shutdown()
	svc := New(store, tier, zerolog.Nop())

	tier.Set(cache.KindGroups, "g1", cached{
		meta:      models.GroupMetadata{GroupID: "g1", Participants: []models.Participant{{UserID: "u1"}, {UserID: "u2"}}},
		fetchedAt: time.Now(),
	})

	err := svc.ApplyParticipantsUpdate(context.Background(), "g1", []models.Participant{{UserID: "u3"}}, []string{"u1"})
	require.NoError(t, err)

	v, ok := tier.Get(cache.KindGroups, "g1")
	require.True(t, ok)
	ids := make(map[string]bool)
	for _, p := range v.(cached).meta.Participants {
		ids[p.UserID] = true
	}
	assert.False(t, ids["u1"])
	assert.True(t, ids["u2"])
	assert.True(t, ids["u3"])
}

func TestHasValidReflectsStaleness(t *testing.T) {
	store := newFakeStore()
	tier := newTier()
	defer tier.Shutdown()
	svc := New(store, tier, zerolog.Nop())

	assert.False(t, svc.HasValid("g1"))

	tier.Set(cache.KindGroups, "g1", cached{meta: models.GroupMetadata{GroupID: "g1"}, fetchedAt: time.Now()})
	assert.True(t, svc.HasValid("g1"))
}

func TestPreloadFetchesAllDespiteFailures(t *testing.T) {
	store := newFakeStore()
	tier := newTier()
	defer tier.Shutdown()
	svc := New(store, tier, zerolog.Nop())

	client := &fakeClient{metaByID: map[string]models.GroupMetadata{
		"g1": {GroupID: "g1"}, "g2": {GroupID: "g2"}, "g3": {GroupID: "g3"},
	}}

	svc.Preload(context.Background(), []string{"g1", "g2", "g3"}, client, 0)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 3, client.calls)
	for _, id := range []string{"g1", "g2", "g3"} {
		_, ok := tier.Get(cache.KindGroups, id)
		assert.True(t, ok, id)
	}
}

func TestPreloadStopsFeedingOnCancel(t *testing.T) {
	store := newFakeStore()
	tier := newTier()
	defer tier.Shutdown()
	svc := New(store, tier, zerolog.Nop())

	client := &fakeClient{failErr: errors.New("sdk unavailable")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		svc.Preload(ctx, []string{"g1", "g2", "g3"}, client, time.Hour)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Preload did not return after context cancellation")
	}
}

func TestApplyParticipantsUpdatePromoteAndDemoteExistingMember(t *testing.T) {
	store := newFakeStore()
	tier := newTier()
	defer tier.Shutdown()
	svc := New(store, tier, zerolog.Nop())

	tier.Set(cache.KindGroups, "g1", cached{
		meta: models.GroupMetadata{GroupID: "g1", Participants: []models.Participant{
			{UserID: "u1", Role: models.RoleMember},
			{UserID: "u2", Role: models.RoleAdmin},
		}},
		fetchedAt: time.Now(),
	})

	// A promote/demote arrives as an "add" carrying the new role.
	err := svc.ApplyParticipantsUpdate(context.Background(), "g1", []models.Participant{
		{UserID: "u1", Role: models.RoleAdmin},
		{UserID: "u2", Role: models.RoleMember},
	}, nil)
	require.NoError(t, err)

	v, ok := tier.Get(cache.KindGroups, "g1")
	require.True(t, ok)
	meta := v.(cached).meta
	require.Len(t, meta.Participants, 2, "role changes must not duplicate members")
	roles := make(map[string]models.ParticipantRole)
	for _, p := range meta.Participants {
		roles[p.UserID] = p.Role
	}
	assert.Equal(t, models.RoleAdmin, roles["u1"])
	assert.Equal(t, models.RoleMember, roles["u2"])

	stored := store.saved["g1"]
	rolesStored := make(map[string]models.ParticipantRole)
	for _, p := range stored.Participants {
		rolesStored[p.UserID] = p.Role
	}
	assert.Equal(t, models.RoleAdmin, rolesStored["u1"], "role change must be persisted")
}

func TestApplyParticipantsUpdateReAddSameRoleIsNoop(t *testing.T) {
	store := newFakeStore()
	tier := newTier()
	defer tier.Shutdown()
	svc := New(store, tier, zerolog.Nop())

	tier.Set(cache.KindGroups, "g1", cached{
		meta:      models.GroupMetadata{GroupID: "g1", Participants: []models.Participant{{UserID: "u1", Role: models.RoleMember}}},
		fetchedAt: time.Now(),
	})

	err := svc.ApplyParticipantsUpdate(context.Background(), "g1", []models.Participant{{UserID: "u1", Role: models.RoleMember}}, nil)
	require.NoError(t, err)

	v, ok := tier.Get(cache.KindGroups, "g1")
	require.True(t, ok)
	require.Len(t, v.(cached).meta.Participants, 1)
	assert.Equal(t, models.RoleMember, v.(cached).meta.Participants[0].Role)
}
