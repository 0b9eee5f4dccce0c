// Package provider adapts a live *whatsmeow.Client to the narrow SDK
// interfaces the core components declare for themselves (groupmeta.GroupClient,
// admin.GroupMutator, dispatch.ReactFunc). The connection supervisor owns the
// client; internal/bot builds this adapter once in Rebind, and reconnects
// reuse the same *whatsmeow.Client, so the wrapped client stays current.
//
// Grounded on the teacher's pkg/providers/whatsapp/groups.go (GetGroupInfo,
// CreateGroup participant-JID parsing) and pkg/providers/whatsapp/reactions.go
// (ReactionMessage construction), adapted from the teacher's multi-provider
// Conversation/GroupParticipant model onto this spec's models.GroupMetadata.
package provider

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/relaywave/wacore/internal/models"
)

// Adapter wraps a whatsmeow client with the handful of calls the core needs
// from the SDK beyond sending and connecting (those live in internal/send
// and internal/connection respectively).
type Adapter struct {
	client *whatsmeow.Client
}

func New(client *whatsmeow.Client) *Adapter {
	return &Adapter{client: client}
}

// FetchGroupMetadata satisfies groupmeta.GroupClient.
func (a *Adapter) FetchGroupMetadata(ctx context.Context, groupID string) (*models.GroupMetadata, error) {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return nil, fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	info, err := a.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get group info: %w", err)
	}
	return toGroupMetadata(info), nil
}

func toGroupMetadata(info *types.GroupInfo) *models.GroupMetadata {
	participants := make([]models.Participant, 0, len(info.Participants))
	for _, p := range info.Participants {
		role := models.RoleMember
		switch {
		case p.IsSuperAdmin:
			role = models.RoleSuperAdmin
		case p.IsAdmin:
			role = models.RoleAdmin
		}
		participants = append(participants, models.Participant{UserID: p.JID.String(), Role: role})
	}

	return &models.GroupMetadata{
		GroupID:      info.JID.String(),
		Subject:      info.Name,
		Description:  info.Topic,
		OwnerID:      info.OwnerJID.String(),
		CreationTime: info.GroupCreated,
		Participants: participants,
	}
}

// JoinedGroupIDs lists every group the session is currently a member of;
// used by the connect-time metadata sync and the broadcast command.
func (a *Adapter) JoinedGroupIDs(ctx context.Context) ([]string, error) {
	groups, err := a.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.JID.String())
	}
	return ids, nil
}

// AddParticipants, RemoveParticipants, PromoteParticipants, and
// DemoteParticipants satisfy admin.GroupMutator.
func (a *Adapter) AddParticipants(ctx context.Context, groupID string, userIDs []string) error {
	return a.changeParticipants(ctx, groupID, userIDs, whatsmeow.ParticipantChangeAdd)
}

func (a *Adapter) RemoveParticipants(ctx context.Context, groupID string, userIDs []string) error {
	return a.changeParticipants(ctx, groupID, userIDs, whatsmeow.ParticipantChangeRemove)
}

func (a *Adapter) PromoteParticipants(ctx context.Context, groupID string, userIDs []string) error {
	return a.changeParticipants(ctx, groupID, userIDs, whatsmeow.ParticipantChangePromote)
}

func (a *Adapter) DemoteParticipants(ctx context.Context, groupID string, userIDs []string) error {
	return a.changeParticipants(ctx, groupID, userIDs, whatsmeow.ParticipantChangeDemote)
}

func (a *Adapter) changeParticipants(ctx context.Context, groupID string, userIDs []string, action whatsmeow.ParticipantChange) error {
	groupJID, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	targets := make([]types.JID, 0, len(userIDs))
	for _, id := range userIDs {
		jid, err := types.ParseJID(id)
		if err != nil {
			return fmt.Errorf("invalid participant id %q: %w", id, err)
		}
		targets = append(targets, jid)
	}
	_, err = a.client.UpdateGroupParticipants(ctx, groupJID, targets, action)
	return err
}

// SetGroupSubject and SetGroupDescription change a group's display fields.
func (a *Adapter) SetGroupSubject(ctx context.Context, groupID, subject string) error {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	return a.client.SetGroupName(ctx, jid, subject)
}

func (a *Adapter) SetGroupDescription(ctx context.Context, groupID, description string) error {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	return a.client.SetGroupTopic(ctx, jid, "", "", description)
}

// SetGroupLocked restricts group-info edits to admins; SetGroupAnnounce
// restricts sending to admins. Together they cover the "settings" command.
func (a *Adapter) SetGroupLocked(ctx context.Context, groupID string, locked bool) error {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	return a.client.SetGroupLocked(ctx, jid, locked)
}

func (a *Adapter) SetGroupAnnounce(ctx context.Context, groupID string, announce bool) error {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	return a.client.SetGroupAnnounce(ctx, jid, announce)
}

// LeaveGroup removes the session's own user from the group.
func (a *Adapter) LeaveGroup(ctx context.Context, groupID string) error {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	return a.client.LeaveGroup(ctx, jid)
}

// InviteLink fetches the group's invite link; reset revokes the current
// one and returns a fresh link.
func (a *Adapter) InviteLink(ctx context.Context, groupID string, reset bool) (string, error) {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return "", fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	return a.client.GetGroupInviteLink(ctx, jid, reset)
}

// JoinWithInvite accepts an invite link/code and returns the joined
// group's id.
func (a *Adapter) JoinWithInvite(ctx context.Context, code string) (string, error) {
	jid, err := a.client.JoinGroupWithLink(ctx, code)
	if err != nil {
		return "", fmt.Errorf("join with invite: %w", err)
	}
	return jid.String(), nil
}

// GroupInfoFromInvite previews a group's metadata from an invite link
// without joining.
func (a *Adapter) GroupInfoFromInvite(ctx context.Context, code string) (*models.GroupMetadata, error) {
	info, err := a.client.GetGroupInfoFromLink(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("group info from invite: %w", err)
	}
	return toGroupMetadata(info), nil
}

// SetEphemeral sets the group's disappearing-messages timer; zero disables.
func (a *Adapter) SetEphemeral(ctx context.Context, groupID string, timer time.Duration) error {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	return a.client.SetDisappearingTimer(ctx, jid, timer)
}

// SetMemberAddMode controls whether any member or only admins may add
// participants.
func (a *Adapter) SetMemberAddMode(ctx context.Context, groupID string, adminsOnly bool) error {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	mode := types.GroupMemberAddModeAllMember
	if adminsOnly {
		mode = types.GroupMemberAddModeAdmin
	}
	return a.client.SetGroupMemberAddMode(ctx, jid, mode)
}

// ListJoinRequests returns the pending join-request user ids for a group.
func (a *Adapter) ListJoinRequests(ctx context.Context, groupID string) ([]string, error) {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return nil, fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	reqs, err := a.client.GetGroupRequestParticipants(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get join requests: %w", err)
	}
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.JID.String())
	}
	return ids, nil
}

// UpdateJoinRequests approves or rejects pending join requests.
func (a *Adapter) UpdateJoinRequests(ctx context.Context, groupID string, userIDs []string, approve bool) error {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	targets := make([]types.JID, 0, len(userIDs))
	for _, id := range userIDs {
		t, err := types.ParseJID(id)
		if err != nil {
			return fmt.Errorf("invalid participant id %q: %w", id, err)
		}
		targets = append(targets, t)
	}
	action := whatsmeow.ParticipantChangeReject
	if approve {
		action = whatsmeow.ParticipantChangeApprove
	}
	_, err = a.client.UpdateGroupRequestParticipants(ctx, jid, targets, action)
	return err
}

// DeleteMessage revokes an outbound-originated message from a chat; used
// by the admin subsystem's anti-link enforcement to remove the offending
// message, and by the moderation "delete" command.
func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	_, err = a.client.RevokeMessage(ctx, jid, types.MessageID(messageID))
	return err
}

// React satisfies dispatch.ReactFunc: the best-effort reaction applied on
// command recognition.
func (a *Adapter) React(ctx context.Context, chatID, messageID, emoji string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	reaction := &waE2E.Message{
		ReactionMessage: &waE2E.ReactionMessage{
			Key: &waProto.MessageKey{
				RemoteJID: proto.String(chatID),
				FromMe:    proto.Bool(false), // reacting to an inbound message, never our own
				ID:        proto.String(messageID),
			},
			Text:              proto.String(emoji),
			GroupingKey:       proto.String(messageID),
			SenderTimestampMS: proto.Int64(time.Now().UnixMilli()),
		},
	}
	_, err = a.client.SendMessage(ctx, jid, reaction)
	return err
}
