// Package admin is the Admin-Command Subsystem (4.K): owner- and
// group-admin-restricted commands, anti-link enforcement, and the
// welcome/farewell media path-safety check.
package admin

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaywave/wacore/internal/groupmeta"
	"github.com/relaywave/wacore/internal/models"
	"github.com/relaywave/wacore/internal/send"
)

// GroupMutator is the slice of the SDK the admin subsystem needs to carry
// out its named group operations. The connection supervisor supplies the
// whatsmeow-backed implementation.
type GroupMutator interface {
	AddParticipants(ctx context.Context, groupID string, userIDs []string) error
	RemoveParticipants(ctx context.Context, groupID string, userIDs []string) error
	PromoteParticipants(ctx context.Context, groupID string, userIDs []string) error
	DemoteParticipants(ctx context.Context, groupID string, userIDs []string) error
	SetGroupSubject(ctx context.Context, groupID, subject string) error
	SetGroupDescription(ctx context.Context, groupID, description string) error
	SetGroupLocked(ctx context.Context, groupID string, locked bool) error
	SetGroupAnnounce(ctx context.Context, groupID string, announce bool) error
	LeaveGroup(ctx context.Context, groupID string) error
	InviteLink(ctx context.Context, groupID string, reset bool) (string, error)
	JoinWithInvite(ctx context.Context, code string) (string, error)
	GroupInfoFromInvite(ctx context.Context, code string) (*models.GroupMetadata, error)
	SetEphemeral(ctx context.Context, groupID string, timer time.Duration) error
	SetMemberAddMode(ctx context.Context, groupID string, adminsOnly bool) error
	ListJoinRequests(ctx context.Context, groupID string) ([]string, error)
	UpdateJoinRequests(ctx context.Context, groupID string, userIDs []string, approve bool) error
}

// Sender is the narrow slice of the Send Facility the admin subsystem
// needs, named so tests can substitute a fake instead of a live whatsmeow
// client.
type Sender interface {
	SendAndStore(ctx context.Context, chatID, text string, opts send.Options) (string, error)
}

var (
	linkRe       = regexp.MustCompile(`https?://\S+|chat\.whatsapp\.com/\S+`)
	bareDomainRe = regexp.MustCompile(`\b[a-zA-Z0-9-]+\.(com|net|org|io|co|me|link|xyz|info)\b`)
)

// Subsystem owns the owner id, premium-user list, and media root used to
// validate welcome/farewell attachment paths.
type Subsystem struct {
	log        zerolog.Logger
	sender     Sender
	groups     *groupmeta.Service
	ownerID    string
	mediaRoot  string
	premium    map[string]bool
	botJID     string
}

func New(log zerolog.Logger, sender Sender, groups *groupmeta.Service, ownerID, mediaRoot, botJID string) *Subsystem {
	return &Subsystem{
		log:       log,
		sender:    sender,
		groups:    groups,
		ownerID:   ownerID,
		mediaRoot: mediaRoot,
		premium:   make(map[string]bool),
		botJID:    botJID,
	}
}

// IsOwner reports whether senderID is the configured process owner. Only
// the owner may run the premium command.
func (s *Subsystem) IsOwner(senderID string) bool {
	return senderID == s.ownerID
}

// SetBotJID records the session's own id once pairing completes, so
// removal and demotion can exclude the bot from their targets.
func (s *Subsystem) SetBotJID(jid string) {
	s.botJID = jid
}

// LoadPremium replaces the in-memory premium set, seeded at boot from the
// process-wide config blob.
func (s *Subsystem) LoadPremium(userIDs []string) {
	s.premium = make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		s.premium[id] = true
	}
}

// SetPremium marks or unmarks a user as premium; callers persist the
// resulting process-wide set through internal/groupconfig.
func (s *Subsystem) SetPremium(userID string, on bool) {
	if on {
		s.premium[userID] = true
	} else {
		delete(s.premium, userID)
	}
}

func (s *Subsystem) IsPremium(userID string) bool {
	return s.premium[userID]
}

// IsGroupAdmin resolves admin status via the Group Metadata Service so
// callers never need to distinguish an SDK fetch from a cache hit.
func (s *Subsystem) IsGroupAdmin(ctx context.Context, groupID, userID string, client groupmeta.GroupClient) (bool, error) {
	meta, err := s.groups.GetOrFetch(ctx, groupID, client)
	if err != nil {
		return false, err
	}
	for _, p := range meta.Participants {
		if p.UserID == userID {
			return p.Role == models.RoleAdmin || p.Role == models.RoleSuperAdmin, nil
		}
	}
	return false, nil
}

// ResolveParticipantArgs turns a command's raw args into a list of target
// user ids: explicit @-mentions first, then a single replied-to sender,
// then whitespace-delimited bare ids as a last resort.
func ResolveParticipantArgs(mentions []string, repliedTo string, args []string) []string {
	if len(mentions) > 0 {
		return mentions
	}
	if repliedTo != "" {
		return []string{repliedTo}
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// excludeBot filters the bot's own id out of a removal/demotion target
// list: the bot can never remove or demote itself via a command.
func (s *Subsystem) excludeBot(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != s.botJID {
			out = append(out, id)
		}
	}
	return out
}

// AddParticipants invites targets into a group and notifies the chat.
func (s *Subsystem) AddParticipants(ctx context.Context, groupID string, targets []string, mutator GroupMutator) error {
	if len(targets) == 0 {
		return nil
	}
	if err := mutator.AddParticipants(ctx, groupID, targets); err != nil {
		return err
	}
	_, err := s.sender.SendAndStore(ctx, groupID, fmt.Sprintf("Added %d participant(s).", len(targets)), send.Options{})
	return err
}

// RemoveParticipants removes targets from a group, excluding the bot's
// own id, and notifies the chat of the outcome.
func (s *Subsystem) RemoveParticipants(ctx context.Context, groupID string, targets []string, mutator GroupMutator) error {
	targets = s.excludeBot(targets)
	if len(targets) == 0 {
		return nil
	}
	if err := mutator.RemoveParticipants(ctx, groupID, targets); err != nil {
		return err
	}
	_, err := s.sender.SendAndStore(ctx, groupID, fmt.Sprintf("Removed %d participant(s).", len(targets)), send.Options{})
	return err
}

func (s *Subsystem) PromoteParticipants(ctx context.Context, groupID string, targets []string, mutator GroupMutator) error {
	if len(targets) == 0 {
		return nil
	}
	if err := mutator.PromoteParticipants(ctx, groupID, targets); err != nil {
		return err
	}
	_, err := s.sender.SendAndStore(ctx, groupID, fmt.Sprintf("Promoted %d participant(s).", len(targets)), send.Options{})
	return err
}

func (s *Subsystem) DemoteParticipants(ctx context.Context, groupID string, targets []string, mutator GroupMutator) error {
	targets = s.excludeBot(targets)
	if len(targets) == 0 {
		return nil
	}
	if err := mutator.DemoteParticipants(ctx, groupID, targets); err != nil {
		return err
	}
	_, err := s.sender.SendAndStore(ctx, groupID, fmt.Sprintf("Demoted %d participant(s).", len(targets)), send.Options{})
	return err
}

// DetectLink reports whether text carries a URL, invite link, or bare
// domain name matching the two-stage detector, after allowedDomains
// exceptions are applied. It does not consider sender admin status: the
// caller (CheckAntiLink) decides whether a detected link is an
// enforcement action (non-admin: remove+delete+notify) or a notice-only
// admin posting, per spec §4.K.
func DetectLink(text string, allowedDomains []string) bool {
	if !linkRe.MatchString(text) && !bareDomainRe.MatchString(text) {
		return false
	}
	for _, d := range allowedDomains {
		if d != "" && strings.Contains(text, d) {
			return false
		}
	}
	return true
}

// AntiLinkAction is what CheckAntiLink decided to do with a detected link.
type AntiLinkAction int

const (
	AntiLinkNone AntiLinkAction = iota
	AntiLinkNotice                // sender is admin: post a notice, no removal
	AntiLinkEnforce                // sender is not admin: remove + delete + notify
)

// CheckAntiLink inspects text for links/invites/bare domains and returns
// the action to take. isAdmin and isBot are both exempt from removal;
// isBot is exempt entirely (never flags the bot's own messages).
func CheckAntiLink(text string, isAdmin, isBot bool, allowedDomains []string) AntiLinkAction {
	if isBot {
		return AntiLinkNone
	}
	if !DetectLink(text, allowedDomains) {
		return AntiLinkNone
	}
	if isAdmin {
		return AntiLinkNotice
	}
	return AntiLinkEnforce
}

// EnforceAntiLink removes the sender, deletes the offending message, and
// posts a notice mentioning the sender, per spec §4.K/S6. messageID may be
// empty if the provider didn't expose one; deletion is then skipped.
func (s *Subsystem) EnforceAntiLink(ctx context.Context, groupID, senderID, messageID string, mutator GroupMutator, deleter func(ctx context.Context, groupID, messageID string) error) error {
	if err := mutator.RemoveParticipants(ctx, groupID, []string{senderID}); err != nil {
		return err
	}
	if messageID != "" && deleter != nil {
		if err := deleter(ctx, groupID, messageID); err != nil {
			s.log.Warn().Err(err).Str("group", groupID).Msg("failed to delete anti-link message")
		}
	}
	_, err := s.sender.SendAndStore(ctx, groupID, fmt.Sprintf("@%s removed for posting a link.", senderID), send.Options{})
	return err
}

// NoticeAntiLink posts a no-removal notice when the sender is an admin.
func (s *Subsystem) NoticeAntiLink(ctx context.Context, groupID, senderID string) error {
	_, err := s.sender.SendAndStore(ctx, groupID, fmt.Sprintf("@%s posted a link (admin, not removed).", senderID), send.Options{})
	return err
}

// ResolveMediaPath validates a configured welcome/farewell media path
// against path traversal: it is cleaned and then required to remain
// inside mediaRoot. Returns an error if the path escapes the root.
func (s *Subsystem) ResolveMediaPath(relative string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(s.mediaRoot, relative))
	rootWithSep := filepath.Clean(s.mediaRoot) + string(filepath.Separator)
	if !strings.HasPrefix(cleaned, rootWithSep) && cleaned != filepath.Clean(s.mediaRoot) {
		return "", fmt.Errorf("media path %q escapes configured media root", relative)
	}
	return cleaned, nil
}
