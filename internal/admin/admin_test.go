package admin

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
	"github.com/relaywave/wacore/internal/groupmeta"
	"github.com/relaywave/wacore/internal/models"
	"github.com/relaywave/wacore/internal/send"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) SendAndStore(ctx context.Context, chatID, text string, opts send.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+"|"+text)
	return "wire-id", nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeMutator struct {
	added    []string
	removed  []string
	promoted []string
	demoted  []string
	subject  string
	desc     string
	left     bool
	failErr  error
}

func (f *fakeMutator) AddParticipants(ctx context.Context, groupID string, userIDs []string) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.added = append(f.added, userIDs...)
	return nil
}

func (f *fakeMutator) RemoveParticipants(ctx context.Context, groupID string, userIDs []string) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.removed = append(f.removed, userIDs...)
	return nil
}

func (f *fakeMutator) PromoteParticipants(ctx context.Context, groupID string, userIDs []string) error {
	f.promoted = append(f.promoted, userIDs...)
	return nil
}

func (f *fakeMutator) DemoteParticipants(ctx context.Context, groupID string, userIDs []string) error {
	f.demoted = append(f.demoted, userIDs...)
	return nil
}

func (f *fakeMutator) SetGroupSubject(ctx context.Context, groupID, subject string) error {
	f.subject = subject
	return nil
}

func (f *fakeMutator) SetGroupDescription(ctx context.Context, groupID, description string) error {
	f.desc = description
	return nil
}

func (f *fakeMutator) SetGroupLocked(ctx context.Context, groupID string, locked bool) error { return nil }

func (f *fakeMutator) SetGroupAnnounce(ctx context.Context, groupID string, announce bool) error {
	return nil
}

func (f *fakeMutator) LeaveGroup(ctx context.Context, groupID string) error {
	f.left = true
	return nil
}

func (f *fakeMutator) InviteLink(ctx context.Context, groupID string, reset bool) (string, error) {
	return "https://chat.whatsapp.com/fake", nil
}

func (f *fakeMutator) JoinWithInvite(ctx context.Context, code string) (string, error) {
	return "joined@g.us", nil
}

func (f *fakeMutator) GroupInfoFromInvite(ctx context.Context, code string) (*models.GroupMetadata, error) {
	return &models.GroupMetadata{GroupID: "preview@g.us", Subject: "Preview"}, nil
}

func (f *fakeMutator) SetEphemeral(ctx context.Context, groupID string, timer time.Duration) error {
	return nil
}

func (f *fakeMutator) SetMemberAddMode(ctx context.Context, groupID string, adminsOnly bool) error {
	return nil
}

func (f *fakeMutator) ListJoinRequests(ctx context.Context, groupID string) ([]string, error) {
	return nil, nil
}

func (f *fakeMutator) UpdateJoinRequests(ctx context.Context, groupID string, userIDs []string, approve bool) error {
	return nil
}

func newGroupsService() *groupmeta.Service {
	tier := cache.NewTier(cache.Options{
		DefaultTTL:  map[cache.Kind]time.Duration{cache.KindGroups: time.Hour},
		CheckPeriod: map[cache.Kind]time.Duration{cache.KindGroups: time.Hour},
	})
	return groupmeta.New(&nopStore{}, tier, zerolog.Nop())
}

type nopStore struct{}

func (*nopStore) UpsertGroupMetadata(ctx context.Context, gm models.GroupMetadata) error { return nil }
func (*nopStore) FindGroupMetadataByID(ctx context.Context, groupID string) (*models.GroupMetadata, error) {
	return nil, nil
}

func TestIsOwnerMatchesConfiguredID(t *testing.T) {
	s := New(zerolog.Nop(), &fakeSender{}, newGroupsService(), "owner@s.whatsapp.net", "/media", "bot@s.whatsapp.net")
	assert.True(t, s.IsOwner("owner@s.whatsapp.net"))
	assert.False(t, s.IsOwner("someone-else"))
}

func TestPremiumUserRoundTrip(t *testing.T) {
	s := New(zerolog.Nop(), &fakeSender{}, newGroupsService(), "owner", "/media", "bot")
	assert.False(t, s.IsPremium("u1"))
	s.SetPremium("u1", true)
	assert.True(t, s.IsPremium("u1"))
	s.SetPremium("u1", false)
	assert.False(t, s.IsPremium("u1"))
}

func TestResolveParticipantArgsPrecedence(t *testing.T) {
	assert.Equal(t, []string{"m1"}, ResolveParticipantArgs([]string{"m1"}, "replied", []string{"bare"}))
	assert.Equal(t, []string{"replied"}, ResolveParticipantArgs(nil, "replied", []string{"bare"}))
	assert.Equal(t, []string{"bare1", "bare2"}, ResolveParticipantArgs(nil, "", []string{"bare1", "bare2"}))
}

func TestRemoveParticipantsExcludesBotAndNotifies(t *testing.T) {
	sender := &fakeSender{}
	s := New(zerolog.Nop(), sender, newGroupsService(), "owner", "/media", "bot@s.whatsapp.net")
	mutator := &fakeMutator{}

	err := s.RemoveParticipants(context.Background(), "g1", []string{"u1", "bot@s.whatsapp.net"}, mutator)
	require.NoError(t, err)

	assert.Equal(t, []string{"u1"}, mutator.removed)
	assert.Contains(t, sender.last(), "Removed 1")
}

func TestRemoveParticipantsAllBotIsNoop(t *testing.T) {
	sender := &fakeSender{}
	s := New(zerolog.Nop(), sender, newGroupsService(), "owner", "/media", "bot@s.whatsapp.net")
	mutator := &fakeMutator{}

	err := s.RemoveParticipants(context.Background(), "g1", []string{"bot@s.whatsapp.net"}, mutator)
	require.NoError(t, err)
	assert.Empty(t, mutator.removed)
	assert.Empty(t, sender.sent)
}

func TestDetectLinkHonorsAllowedDomains(t *testing.T) {
	assert.True(t, DetectLink("check http://evil.com now", nil))
	assert.False(t, DetectLink("check http://evil.com now", []string{"evil.com"}))
	assert.False(t, DetectLink("just plain text", nil))
	assert.True(t, DetectLink("join chat.whatsapp.com/abc123", nil))
}

func TestCheckAntiLinkPolicyMatrix(t *testing.T) {
	assert.Equal(t, AntiLinkNone, CheckAntiLink("http://x.com", false, true, nil), "bot messages are always exempt")
	assert.Equal(t, AntiLinkNone, CheckAntiLink("no links here", false, false, nil))
	assert.Equal(t, AntiLinkNotice, CheckAntiLink("http://x.com", true, false, nil), "admin posting a link is a notice, not a removal")
	assert.Equal(t, AntiLinkEnforce, CheckAntiLink("http://x.com", false, false, nil), "a non-admin posting a link is removed")
}

func TestEnforceAntiLinkRemovesDeletesAndNotifies(t *testing.T) {
	sender := &fakeSender{}
	s := New(zerolog.Nop(), sender, newGroupsService(), "owner", "/media", "bot")
	mutator := &fakeMutator{}
	deleted := false

	err := s.EnforceAntiLink(context.Background(), "g1", "u1", "m1", mutator, func(ctx context.Context, groupID, messageID string) error {
		deleted = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, mutator.removed)
	assert.True(t, deleted)
	assert.Contains(t, sender.last(), "u1")
}

func TestEnforceAntiLinkSkipsDeleteWithoutMessageID(t *testing.T) {
	sender := &fakeSender{}
	s := New(zerolog.Nop(), sender, newGroupsService(), "owner", "/media", "bot")
	mutator := &fakeMutator{}
	deleterCalled := false

	err := s.EnforceAntiLink(context.Background(), "g1", "u1", "", mutator, func(ctx context.Context, groupID, messageID string) error {
		deleterCalled = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, deleterCalled)
}

func TestEnforceAntiLinkPropagatesRemovalFailure(t *testing.T) {
	sender := &fakeSender{}
	s := New(zerolog.Nop(), sender, newGroupsService(), "owner", "/media", "bot")
	mutator := &fakeMutator{failErr: errors.New("sdk error")}

	err := s.EnforceAntiLink(context.Background(), "g1", "u1", "m1", mutator, nil)
	assert.Error(t, err)
	assert.Empty(t, sender.sent)
}

func TestNoticeAntiLinkPostsWithoutRemoval(t *testing.T) {
	sender := &fakeSender{}
	s := New(zerolog.Nop(), sender, newGroupsService(), "owner", "/media", "bot")

	err := s.NoticeAntiLink(context.Background(), "g1", "u1")
	require.NoError(t, err)
	assert.Contains(t, sender.last(), "admin, not removed")
}

func TestResolveMediaPathRejectsTraversal(t *testing.T) {
	s := New(zerolog.Nop(), &fakeSender{}, newGroupsService(), "owner", "/srv/media", "bot")

	_, err := s.ResolveMediaPath("../../etc/passwd")
	assert.Error(t, err)

	p, err := s.ResolveMediaPath("welcome.jpg")
	require.NoError(t, err)
	assert.Equal(t, "/srv/media/welcome.jpg", p)
}
