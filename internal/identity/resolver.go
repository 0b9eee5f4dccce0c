// Package identity is the Identity Resolver (4.D): LID<->JID mapping with
// an in-memory TTL cache, background backfill, and forward reconciliation
// of stored rows.
package identity

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/relaywave/wacore/internal/errs"
	"github.com/relaywave/wacore/internal/models"
	"github.com/relaywave/wacore/internal/writequeue"
)

const defaultCacheTTL = 10 * time.Minute

// Store is the narrow slice of the Storage Gateway the identity resolver
// needs, named here so tests exercise the resolution/sweep logic against an
// in-memory fake rather than a live Postgres instance.
type Store interface {
	FindIdentityMappingByLID(ctx context.Context, lid string) (*models.IdentityMapping, error)
	UpsertIdentityMapping(ctx context.Context, tx *sql.Tx, m models.IdentityMapping) error
	WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error
	RewriteMessageSender(ctx context.Context, tx *sql.Tx, oldSenderID, newSenderID string, batch int) (int, error)
	FindIdentityMappingsAfter(ctx context.Context, afterLID string, limit int) ([]models.IdentityMapping, error)
	SweepLowWaterMark(ctx context.Context) (string, error)
	SetSweepLowWaterMark(ctx context.Context, mark string) error
}

// Hint is whatever a caller has on hand about a user's identity from a
// single event: any subset of the three forms the provider might surface.
type Hint struct {
	LID            string
	JID            string
	AltParticipant string
}

type cacheEntry struct {
	canonical string
	expiresAt time.Time
}

// Resolver owns the in-memory TTL cache exclusively; callers receive
// copies (plain strings), never a reference into resolver state.
type Resolver struct {
	gw        Store
	log       zerolog.Logger
	batchSize int
	queue     *writequeue.Queue // nil until BindQueue; Observe applies directly then

	mu    sync.Mutex
	cache map[string]cacheEntry // lid -> canonical resolution
}

func New(gw Store, batchSize int, log zerolog.Logger) *Resolver {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Resolver{gw: gw, log: log, batchSize: batchSize, cache: make(map[string]cacheEntry)}
}

// BindQueue routes Observe's mapping upserts through the write queue and
// registers the resolver as the queue's identity applier, so queued items
// keep the null-preservation and reconciliation semantics. Call once at
// boot, before events start flowing.
func (r *Resolver) BindQueue(q *writequeue.Queue) {
	r.queue = q
	q.SetIdentityApplier(r.applyMapping)
}

// CanonicalID returns the best available canonical id for a record: a
// stored jid-form mapping first, then the explicit jid, then the explicit
// alt-participant, then the lid-form as last resort.
func (r *Resolver) CanonicalID(ctx context.Context, h Hint) string {
	if h.LID != "" {
		if jid, ok := r.lookupCached(h.LID); ok {
			return jid
		}
		if m, err := r.gw.FindIdentityMappingByLID(ctx, h.LID); err == nil && m != nil && m.JID != nil && *m.JID != "" {
			r.cacheSet(h.LID, *m.JID)
			return *m.JID
		}
	}
	if h.JID != "" {
		return h.JID
	}
	if h.AltParticipant != "" {
		return h.AltParticipant
	}
	return h.LID
}

func (r *Resolver) lookupCached(lid string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[lid]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.canonical, true
}

func (r *Resolver) cacheSet(lid, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[lid] = cacheEntry{canonical: canonical, expiresAt: time.Now().Add(defaultCacheTTL)}
}

// Observe records a sighting of (lid, jid) from the given source: it
// enqueues an identity-mapping upsert on the write queue (falling back to
// a direct apply when no queue is bound, as component tests do). The
// applied upsert never nulls a known jid and, on the first resolution of
// a previously-null mapping, rewrites a bounded chunk of historical
// messages within the same transaction, then kicks off an async
// continuation for any remainder.
func (r *Resolver) Observe(ctx context.Context, lid, jid string, source models.MappingSource) error {
	if lid == "" {
		return nil
	}
	now := time.Now()
	var jidPtr *string
	if jid != "" {
		jidPtr = &jid
	}
	m := models.IdentityMapping{LID: lid, JID: jidPtr, FirstSeen: now, LastSeen: now, Source: source}

	if r.queue != nil {
		if !r.queue.TryEnqueue(writequeue.Item{Kind: writequeue.OpUpsertIdentity, Key: lid, Identity: &m}) {
			r.log.Warn().Str("lid", lid).Msg("identity mapping dropped, write queue full")
		}
		return nil
	}
	return r.applyMapping(ctx, m)
}

// applyMapping is the write queue's OpUpsertIdentity applier.
func (r *Resolver) applyMapping(ctx context.Context, m models.IdentityMapping) error {
	jid := ""
	if m.JID != nil {
		jid = *m.JID
	}

	var wasNull, becameResolved bool
	err := r.gw.WithTransaction(ctx, func(tx *sql.Tx) error {
		existing, err := r.gw.FindIdentityMappingByLID(ctx, m.LID)
		if err != nil {
			return err
		}
		wasNull = existing == nil || existing.JID == nil
		if err := r.gw.UpsertIdentityMapping(ctx, tx, m); err != nil {
			return err
		}
		becameResolved = wasNull && m.JID != nil
		if becameResolved {
			if _, err := r.gw.RewriteMessageSender(ctx, tx, m.LID, jid, r.batchSize); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if m.JID != nil {
		r.cacheSet(m.LID, jid)
	}

	if becameResolved {
		go r.continueSweep(m.LID, jid)
	}
	return nil
}

// continueSweep drains any remaining historical rows carrying the old
// sender id beyond the first in-transaction chunk. It is idempotent: a
// crash mid-sweep just leaves rows with sender_id == lid, which the
// periodic ForwardSweep picks up again (a later Observe of the already
// resolved mapping does not rewrite rows).
func (r *Resolver) continueSweep(lid, jid string) {
	ctx := context.Background()
	for {
		var n int
		err := r.gw.WithTransaction(ctx, func(tx *sql.Tx) error {
			var err error
			n, err = r.gw.RewriteMessageSender(ctx, tx, lid, jid, r.batchSize)
			return err
		})
		if err != nil {
			r.log.Error().Err(err).Str("lid", lid).Msg("reconciliation sweep chunk failed")
			return
		}
		if n < r.batchSize {
			return
		}
	}
}

// ForwardSweep pages through already-resolved mappings in lid order,
// resuming from the persisted low-water mark, and re-runs the rewrite for
// each (a no-op once fully rewritten). It exists to catch mappings
// resolved before a crash interrupted continueSweep, and to repair rows
// written by a process generation that predates a mapping's resolution.
func (r *Resolver) ForwardSweep(ctx context.Context) error {
	mark, err := r.gw.SweepLowWaterMark(ctx)
	if err != nil {
		return err
	}
	for {
		batch, err := r.gw.FindIdentityMappingsAfter(ctx, mark, r.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, m := range batch {
			if m.JID == nil {
				continue
			}
			r.continueSweep(m.LID, *m.JID)
			mark = m.LID
		}
		if err := r.gw.SetSweepLowWaterMark(ctx, mark); err != nil {
			return err
		}
	}
}

// Backfill scans a bounded batch of raw message payloads for a lid-form
// id paired with a jid-form alternate ("participantAlt" or "sender") and
// seeds the identity mapping from the pair, returning how many payloads
// were paired. At boot (identity.backfill_on_start) main calls it once per
// page of stored raw payloads until the pages run out.
func (r *Resolver) Backfill(ctx context.Context, rawMessages [][]byte) (int, error) {
	processed := 0
	for _, raw := range rawMessages {
		lid := gjson.GetBytes(raw, "lid").String()
		if lid == "" {
			continue
		}
		jid := ""
		for _, cand := range []string{
			gjson.GetBytes(raw, "participantAlt").String(),
			gjson.GetBytes(raw, "sender").String(),
		} {
			if cand != "" && cand != lid && !strings.HasSuffix(cand, "@lid") {
				jid = cand
				break
			}
		}
		if jid == "" {
			continue
		}
		if err := r.Observe(ctx, lid, jid, models.SourceMessage); err != nil {
			if !errs.Is(err, errs.KindTransientStorage) {
				return processed, err
			}
			continue
		}
		processed++
	}
	return processed, nil
}
