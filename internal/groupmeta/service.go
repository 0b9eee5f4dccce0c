// Package groupmeta is the Group Metadata Service (4.E): a read-through
// cache over storage and the cache tier for group subject/description/
// participants/admins, with a 30-minute staleness policy.
package groupmeta

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaywave/wacore/internal/cache"
	"github.com/relaywave/wacore/internal/models"
)

const stalenessWindow = 30 * time.Minute

// Store is the narrow slice of the Storage Gateway the group metadata
// service needs, named so tests can substitute an in-memory fake.
type Store interface {
	UpsertGroupMetadata(ctx context.Context, gm models.GroupMetadata) error
	FindGroupMetadataByID(ctx context.Context, groupID string) (*models.GroupMetadata, error)
}

// GroupClient is the narrow slice of the SDK this service needs: fetching
// a fresh copy of a group's metadata. The connection supervisor supplies
// the concrete whatsmeow-backed implementation.
type GroupClient interface {
	FetchGroupMetadata(ctx context.Context, groupID string) (*models.GroupMetadata, error)
}

type cached struct {
	meta      models.GroupMetadata
	fetchedAt time.Time
}

// Service owns no client reference of its own; one is passed per call so
// it can be swapped across reconnects without the service knowing.
type Service struct {
	gw    Store
	cache *cache.Tier
	log   zerolog.Logger
}

func New(gw Store, c *cache.Tier, log zerolog.Logger) *Service {
	return &Service{gw: gw, cache: c, log: log}
}

// GetOrFetch returns the cached metadata if present and younger than the
// staleness window; otherwise requests a fresh copy from the SDK, enriches
// it, upserts to storage, and returns it.
func (s *Service) GetOrFetch(ctx context.Context, groupID string, client GroupClient) (*models.GroupMetadata, error) {
	if v, ok := s.cache.Get(cache.KindGroups, groupID); ok {
		c := v.(cached)
		if time.Since(c.fetchedAt) <= stalenessWindow {
			meta := c.meta
			return &meta, nil
		}
	}

	meta, err := client.FetchGroupMetadata(ctx, groupID)
	if err != nil {
		return nil, err
	}
	meta.UpdatedAt = time.Now()

	if err := s.gw.UpsertGroupMetadata(ctx, *meta); err != nil {
		s.log.Error().Err(err).Str("group", groupID).Msg("failed to persist group metadata")
	}
	s.cache.Set(cache.KindGroups, groupID, cached{meta: *meta, fetchedAt: time.Now()})
	return meta, nil
}

// HasValid reports, without side effects, whether the cached entry's age
// is within the staleness window.
func (s *Service) HasValid(groupID string) bool {
	v, ok := s.cache.Get(cache.KindGroups, groupID)
	if !ok {
		return false
	}
	return time.Since(v.(cached).fetchedAt) <= stalenessWindow
}

const preloadWorkers = 4

// Preload prefetches metadata for a batch of groups: a small worker pool
// fetches concurrently while the feed paces job starts, so a slow fetch
// never stalls the whole batch and the SDK is never hit in a burst.
// Per-group failures are logged without aborting the batch.
func (s *Service) Preload(ctx context.Context, groupIDs []string, client GroupClient, pace time.Duration) {
	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < preloadWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if _, err := s.GetOrFetch(ctx, id, client); err != nil {
					s.log.Warn().Err(err).Str("group", id).Msg("group preload failed")
				}
			}
		}()
	}

feed:
	for _, id := range groupIDs {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- id:
		}
		if pace > 0 {
			select {
			case <-ctx.Done():
				break feed
			case <-time.After(pace):
			}
		}
	}
	close(jobs)
	wg.Wait()
}

// ApplyParticipantsUpdate applies a granular group-participants.update to
// the cached participants list and persists it, refreshing the staleness
// timestamp. Adding an already-present participant is a no-op.
func (s *Service) ApplyParticipantsUpdate(ctx context.Context, groupID string, added []models.Participant, removed []string) error {
	var meta models.GroupMetadata
	if v, ok := s.cache.Get(cache.KindGroups, groupID); ok {
		meta = v.(cached).meta
	} else {
		existing, err := s.gw.FindGroupMetadataByID(ctx, groupID)
		if err != nil {
			return err
		}
		if existing != nil {
			meta = *existing
		} else {
			meta = models.GroupMetadata{GroupID: groupID}
		}
	}

	for _, p := range added {
		found := false
		for i := range meta.Participants {
			if meta.Participants[i].UserID == p.UserID {
				// Promote/demote of an existing member arrives as an "add"
				// with the new role; only the role changes.
				meta.Participants[i].Role = p.Role
				found = true
				break
			}
		}
		if !found {
			meta.Participants = append(meta.Participants, p)
		}
	}
	if len(removed) > 0 {
		removeSet := make(map[string]bool, len(removed))
		for _, id := range removed {
			removeSet[id] = true
		}
		kept := meta.Participants[:0]
		for _, p := range meta.Participants {
			if !removeSet[p.UserID] {
				kept = append(kept, p)
			}
		}
		meta.Participants = kept
	}
	meta.UpdatedAt = time.Now()

	if err := s.gw.UpsertGroupMetadata(ctx, meta); err != nil {
		return err
	}
	s.cache.Set(cache.KindGroups, groupID, cached{meta: meta, fetchedAt: time.Now()})
	return nil
}
