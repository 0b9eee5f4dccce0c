// Package groupconfig owns the per-group key-value settings blob: welcome
// and farewell templates, the anti-link allow-lists, the custom command
// prefix, and the news/NSFW flags, plus the reserved process-wide entry
// holding the premium-user set.
//
// Every write is a read-modify-write over the stored JSON blob, serialized
// behind one mutex so two admins toggling settings concurrently never lose
// an update. The JSON surgery itself is done with gjson/sjson so the blob
// round-trips losslessly, unknown keys included.
package groupconfig

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ProcessKey is the reserved group_configs row holding process-wide sets
// (currently the premium-user list).
const ProcessKey = "__process__"

// Store is the narrow slice of the Storage Gateway this service needs.
type Store interface {
	FindGroupConfigRaw(ctx context.Context, groupID string) ([]byte, error)
	UpsertGroupConfigMerged(ctx context.Context, groupID string, merged []byte) error
}

// Service serializes all config writes behind one mutex. Reads go straight
// to the store; the blob is small and the storage gateway already caches
// connections, so a read cache here would only add staleness.
type Service struct {
	mu  sync.Mutex
	gw  Store
	log zerolog.Logger
}

func New(gw Store, log zerolog.Logger) *Service {
	return &Service{gw: gw, log: log}
}

// Raw returns the parsed config blob for a group. A missing row yields an
// empty object, never an error.
func (s *Service) Raw(ctx context.Context, groupID string) (gjson.Result, error) {
	raw, err := s.gw.FindGroupConfigRaw(ctx, groupID)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(raw), nil
}

// Set writes one key in a group's config, preserving every other key.
func (s *Service) Set(ctx context.Context, groupID, path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.gw.FindGroupConfigRaw(ctx, groupID)
	if err != nil {
		return err
	}
	merged, err := sjson.SetBytes(raw, path, value)
	if err != nil {
		return err
	}
	return s.gw.UpsertGroupConfigMerged(ctx, groupID, merged)
}

// Delete removes one key from a group's config.
func (s *Service) Delete(ctx context.Context, groupID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.gw.FindGroupConfigRaw(ctx, groupID)
	if err != nil {
		return err
	}
	merged, err := sjson.DeleteBytes(raw, path)
	if err != nil {
		return err
	}
	return s.gw.UpsertGroupConfigMerged(ctx, groupID, merged)
}

// Merge shallow-merges patch over the group's current blob, one key at a
// time, in a single serialized step.
func (s *Service) Merge(ctx context.Context, groupID string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.gw.FindGroupConfigRaw(ctx, groupID)
	if err != nil {
		return err
	}
	for k, v := range patch {
		raw, err = sjson.SetBytes(raw, k, v)
		if err != nil {
			return err
		}
	}
	return s.gw.UpsertGroupConfigMerged(ctx, groupID, raw)
}

// Bool reads a boolean key; missing keys are false.
func (s *Service) Bool(ctx context.Context, groupID, key string) bool {
	cfg, err := s.Raw(ctx, groupID)
	if err != nil {
		s.log.Debug().Err(err).Str("group", groupID).Str("key", key).Msg("config read failed")
		return false
	}
	return cfg.Get(key).Bool()
}

// String reads a string key; missing keys are "".
func (s *Service) String(ctx context.Context, groupID, key string) string {
	cfg, err := s.Raw(ctx, groupID)
	if err != nil {
		s.log.Debug().Err(err).Str("group", groupID).Str("key", key).Msg("config read failed")
		return ""
	}
	return cfg.Get(key).String()
}

// StringList reads an array-of-strings key; missing keys are empty.
func (s *Service) StringList(ctx context.Context, groupID, key string) []string {
	cfg, err := s.Raw(ctx, groupID)
	if err != nil {
		s.log.Debug().Err(err).Str("group", groupID).Str("key", key).Msg("config read failed")
		return nil
	}
	var out []string
	for _, v := range cfg.Get(key).Array() {
		out = append(out, v.String())
	}
	return out
}

// AddToSet appends value to an array key if not already present.
func (s *Service) AddToSet(ctx context.Context, groupID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.gw.FindGroupConfigRaw(ctx, groupID)
	if err != nil {
		return err
	}
	for _, v := range gjson.GetBytes(raw, key).Array() {
		if v.String() == value {
			return nil
		}
	}
	merged, err := sjson.SetBytes(raw, key+".-1", value)
	if err != nil {
		return err
	}
	return s.gw.UpsertGroupConfigMerged(ctx, groupID, merged)
}

// RemoveFromSet removes value from an array key; absent values are a no-op.
func (s *Service) RemoveFromSet(ctx context.Context, groupID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.gw.FindGroupConfigRaw(ctx, groupID)
	if err != nil {
		return err
	}
	var kept []string
	found := false
	for _, v := range gjson.GetBytes(raw, key).Array() {
		if v.String() == value {
			found = true
			continue
		}
		kept = append(kept, v.String())
	}
	if !found {
		return nil
	}
	if kept == nil {
		kept = []string{}
	}
	merged, err := sjson.SetBytes(raw, key, kept)
	if err != nil {
		return err
	}
	return s.gw.UpsertGroupConfigMerged(ctx, groupID, merged)
}

// Prefix returns the group's custom command prefix, or "" when unset.
func (s *Service) Prefix(ctx context.Context, groupID string) string {
	return s.String(ctx, groupID, "commandPrefix")
}

// AddPremium, RemovePremium, and ListPremium manage the process-wide
// premium-user set stored under the reserved key.
func (s *Service) AddPremium(ctx context.Context, userID string) error {
	return s.AddToSet(ctx, ProcessKey, "premiumUsers", userID)
}

func (s *Service) RemovePremium(ctx context.Context, userID string) error {
	return s.RemoveFromSet(ctx, ProcessKey, "premiumUsers", userID)
}

func (s *Service) ListPremium(ctx context.Context) []string {
	return s.StringList(ctx, ProcessKey, "premiumUsers")
}
