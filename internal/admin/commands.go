package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaywave/wacore/internal/dispatch"
	"github.com/relaywave/wacore/internal/groupconfig"
	"github.com/relaywave/wacore/internal/groupmeta"
	"github.com/relaywave/wacore/internal/models"
	"github.com/relaywave/wacore/internal/send"
)

// CommandDeps carries everything the admin command handlers need. Mutator
// and Client are accessors rather than values because the live adapter is
// rebuilt on every reconnect; a nil return means the session is not
// currently connected.
type CommandDeps struct {
	Sub       *Subsystem
	Config    *groupconfig.Service
	Groups    *groupmeta.Service
	Sender    Sender
	Mutator   func() GroupMutator
	Client    func() groupmeta.GroupClient
	Broadcast func(ctx context.Context, originChatID, payload, mode string) string
	LoginLink func(ctx context.Context, senderID string) string
}

type commands struct {
	deps CommandDeps
}

// RegisterCommands binds every named admin operation to the dispatcher.
func RegisterCommands(d *dispatch.Dispatcher, deps CommandDeps) {
	c := &commands{deps: deps}

	d.Register("menu", c.menu)
	d.Register("start", c.start)

	d.Register("add", c.groupOp(c.add))
	d.Register("remove", c.groupOp(c.remove))
	d.Register("promote", c.groupOp(c.promote))
	d.Register("demote", c.groupOp(c.demote))
	d.Register("subject", c.groupOp(c.subject))
	d.Register("desc", c.groupOp(c.desc))
	d.Register("settings", c.groupOp(c.settings))
	d.Register("leave", c.groupOp(c.leave))
	d.Register("invite", c.groupOp(c.invite))
	d.Register("revoke", c.groupOp(c.revoke))
	d.Register("join", c.join)
	d.Register("ginfo", c.ginfo)
	d.Register("metadata", c.groupOp(c.metadata))
	d.Register("requests", c.groupOp(c.requests))
	d.Register("ephemeral", c.groupOp(c.ephemeral))
	d.Register("memberadd", c.groupOp(c.memberAdd))
	d.Register("welcome", c.groupOp(c.welcome))
	d.Register("farewell", c.groupOp(c.farewell))
	d.Register("antilink", c.groupOp(c.antiLink))
	d.Register("news", c.groupOp(c.news))
	d.Register("prefix", c.groupOp(c.prefix))
	d.Register("nsfw", c.groupOp(c.nsfw))

	d.Register("premium", c.premium)
	d.Register("broadcast", c.broadcast)
}

func (c *commands) reply(ctx context.Context, chatID, text string) error {
	_, err := c.deps.Sender.SendAndStore(ctx, chatID, text, send.Options{})
	return err
}

// groupOp wraps a handler with the shared group-mutating preconditions:
// the command must run in a group, the session must be connected, and the
// sender must be a group admin or the configured owner.
func (c *commands) groupOp(h func(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error) dispatch.CommandHandler {
	return func(ctx context.Context, inv dispatch.Invocation) error {
		if inv.GroupID == "" {
			return c.reply(ctx, inv.ChatID, "This command only works in groups.")
		}
		m := c.deps.Mutator()
		client := c.deps.Client()
		if m == nil || client == nil {
			return c.reply(ctx, inv.ChatID, "Not connected, try again shortly.")
		}
		isAdmin, err := c.deps.Sub.IsGroupAdmin(ctx, inv.GroupID, inv.SenderID, client)
		if err != nil {
			return fmt.Errorf("resolve admin status: %w", err)
		}
		if !isAdmin && !c.deps.Sub.IsOwner(inv.SenderID) {
			return c.reply(ctx, inv.ChatID, "You need to be a group admin to use this.")
		}
		return h(ctx, inv, m)
	}
}

func (c *commands) menu(ctx context.Context, inv dispatch.Invocation) error {
	return c.reply(ctx, inv.ChatID, strings.Join([]string{
		"Available commands:",
		"add, remove, promote, demote — manage participants",
		"subject, desc, settings, leave — group settings",
		"invite, revoke, join, ginfo, requests — invites",
		"ephemeral, memberadd — group policies",
		"welcome, farewell, antilink, news, prefix, nsfw — group config",
		"premium, broadcast — owner only",
	}, "\n"))
}

func (c *commands) start(ctx context.Context, inv dispatch.Invocation) error {
	if c.deps.LoginLink == nil {
		return nil
	}
	link := c.deps.LoginLink(ctx, inv.SenderID)
	if link == "" {
		return c.reply(ctx, inv.ChatID, "Login is not configured.")
	}
	return c.reply(ctx, inv.ChatID, "Log in here: "+link)
}

func (c *commands) targets(ctx context.Context, inv dispatch.Invocation) ([]string, bool) {
	t := ResolveParticipantArgs(inv.Mentions, inv.RepliedTo, inv.Args)
	if len(t) == 0 {
		_ = c.reply(ctx, inv.ChatID, fmt.Sprintf("Usage: %s <@mention, reply, or user id>", inv.Command))
		return nil, false
	}
	return t, true
}

func (c *commands) add(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	t, ok := c.targets(ctx, inv)
	if !ok {
		return nil
	}
	return c.deps.Sub.AddParticipants(ctx, inv.GroupID, t, m)
}

func (c *commands) remove(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	t, ok := c.targets(ctx, inv)
	if !ok {
		return nil
	}
	return c.deps.Sub.RemoveParticipants(ctx, inv.GroupID, t, m)
}

func (c *commands) promote(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	t, ok := c.targets(ctx, inv)
	if !ok {
		return nil
	}
	return c.deps.Sub.PromoteParticipants(ctx, inv.GroupID, t, m)
}

func (c *commands) demote(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	t, ok := c.targets(ctx, inv)
	if !ok {
		return nil
	}
	return c.deps.Sub.DemoteParticipants(ctx, inv.GroupID, t, m)
}

func (c *commands) subject(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	if len(inv.Args) == 0 {
		return c.reply(ctx, inv.ChatID, "Usage: subject <new subject>")
	}
	if err := m.SetGroupSubject(ctx, inv.GroupID, strings.Join(inv.Args, " ")); err != nil {
		return err
	}
	return c.reply(ctx, inv.ChatID, "Subject updated.")
}

func (c *commands) desc(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	if len(inv.Args) == 0 {
		return c.reply(ctx, inv.ChatID, "Usage: desc <new description>")
	}
	if err := m.SetGroupDescription(ctx, inv.GroupID, strings.Join(inv.Args, " ")); err != nil {
		return err
	}
	return c.reply(ctx, inv.ChatID, "Description updated.")
}

func (c *commands) settings(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	usage := "Usage: settings announce on|off — or — settings edit on|off"
	if len(inv.Args) != 2 {
		return c.reply(ctx, inv.ChatID, usage)
	}
	on, ok := parseOnOff(inv.Args[1])
	if !ok {
		return c.reply(ctx, inv.ChatID, usage)
	}
	switch inv.Args[0] {
	case "announce":
		// announce on = only admins may send
		if err := m.SetGroupAnnounce(ctx, inv.GroupID, on); err != nil {
			return err
		}
	case "edit":
		// edit off = only admins may edit group info
		if err := m.SetGroupLocked(ctx, inv.GroupID, !on); err != nil {
			return err
		}
	default:
		return c.reply(ctx, inv.ChatID, usage)
	}
	return c.reply(ctx, inv.ChatID, "Settings updated.")
}

func (c *commands) leave(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	if !c.deps.Sub.IsOwner(inv.SenderID) {
		return c.reply(ctx, inv.ChatID, "Only the owner can make me leave.")
	}
	return m.LeaveGroup(ctx, inv.GroupID)
}

func (c *commands) invite(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	link, err := m.InviteLink(ctx, inv.GroupID, false)
	if err != nil {
		return err
	}
	return c.reply(ctx, inv.ChatID, link)
}

func (c *commands) revoke(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	link, err := m.InviteLink(ctx, inv.GroupID, true)
	if err != nil {
		return err
	}
	return c.reply(ctx, inv.ChatID, "Old invite revoked. New link: "+link)
}

func (c *commands) join(ctx context.Context, inv dispatch.Invocation) error {
	if !c.deps.Sub.IsOwner(inv.SenderID) {
		return c.reply(ctx, inv.ChatID, "Only the owner can use this.")
	}
	m := c.deps.Mutator()
	if m == nil {
		return c.reply(ctx, inv.ChatID, "Not connected, try again shortly.")
	}
	if len(inv.Args) != 1 {
		return c.reply(ctx, inv.ChatID, "Usage: join <invite link>")
	}
	gid, err := m.JoinWithInvite(ctx, inv.Args[0])
	if err != nil {
		return c.reply(ctx, inv.ChatID, "Could not accept that invite.")
	}
	return c.reply(ctx, inv.ChatID, "Joined "+gid)
}

func (c *commands) ginfo(ctx context.Context, inv dispatch.Invocation) error {
	m := c.deps.Mutator()
	if m == nil {
		return c.reply(ctx, inv.ChatID, "Not connected, try again shortly.")
	}
	if len(inv.Args) != 1 {
		return c.reply(ctx, inv.ChatID, "Usage: ginfo <invite link>")
	}
	meta, err := m.GroupInfoFromInvite(ctx, inv.Args[0])
	if err != nil {
		return c.reply(ctx, inv.ChatID, "Could not read that invite.")
	}
	return c.reply(ctx, inv.ChatID, fmt.Sprintf("%s — %d participant(s)\n%s", meta.Subject, meta.ParticipantCount(), meta.Description))
}

func (c *commands) metadata(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	meta, err := c.deps.Groups.GetOrFetch(ctx, inv.GroupID, c.deps.Client())
	if err != nil {
		return err
	}
	admins := 0
	for _, p := range meta.Participants {
		if p.Role != models.RoleMember {
			admins++
		}
	}
	return c.reply(ctx, inv.ChatID, fmt.Sprintf(
		"%s\n%s\nOwner: %s\nParticipants: %d (%d admin)",
		meta.Subject, meta.Description, meta.OwnerID, meta.ParticipantCount(), admins))
}

func (c *commands) requests(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	if len(inv.Args) == 0 || inv.Args[0] == "list" {
		ids, err := m.ListJoinRequests(ctx, inv.GroupID)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return c.reply(ctx, inv.ChatID, "No pending join requests.")
		}
		return c.reply(ctx, inv.ChatID, "Pending:\n"+strings.Join(ids, "\n"))
	}
	approve := inv.Args[0] == "approve"
	if !approve && inv.Args[0] != "reject" {
		return c.reply(ctx, inv.ChatID, "Usage: requests [list|approve|reject] <user ids>")
	}
	targets := ResolveParticipantArgs(inv.Mentions, inv.RepliedTo, inv.Args[1:])
	if len(targets) == 0 {
		return c.reply(ctx, inv.ChatID, "Usage: requests approve|reject <user ids>")
	}
	if err := m.UpdateJoinRequests(ctx, inv.GroupID, targets, approve); err != nil {
		return err
	}
	outcome := "rejected"
	if approve {
		outcome = "approved"
	}
	return c.reply(ctx, inv.ChatID, fmt.Sprintf("%d request(s) %s.", len(targets), outcome))
}

var ephemeralPresets = map[string]time.Duration{
	"off": 0,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

func (c *commands) ephemeral(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	if len(inv.Args) != 1 {
		return c.reply(ctx, inv.ChatID, "Usage: ephemeral off|24h|7d|90d")
	}
	d, ok := ephemeralPresets[inv.Args[0]]
	if !ok {
		return c.reply(ctx, inv.ChatID, "Usage: ephemeral off|24h|7d|90d")
	}
	if err := m.SetEphemeral(ctx, inv.GroupID, d); err != nil {
		return err
	}
	return c.reply(ctx, inv.ChatID, "Disappearing messages set to "+inv.Args[0]+".")
}

func (c *commands) memberAdd(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	if len(inv.Args) != 1 || (inv.Args[0] != "all" && inv.Args[0] != "admins") {
		return c.reply(ctx, inv.ChatID, "Usage: memberadd all|admins")
	}
	if err := m.SetMemberAddMode(ctx, inv.GroupID, inv.Args[0] == "admins"); err != nil {
		return err
	}
	return c.reply(ctx, inv.ChatID, "Member-add mode updated.")
}

func (c *commands) welcome(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	return c.greeting(ctx, inv, "welcome", "welcomeEnabled", "welcomeTemplate")
}

func (c *commands) farewell(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	return c.greeting(ctx, inv, "farewell", "farewellEnabled", "farewellTemplate")
}

func (c *commands) greeting(ctx context.Context, inv dispatch.Invocation, name, enabledKey, templateKey string) error {
	usage := fmt.Sprintf("Usage: %s on|off — or — %s set <template, {user} expands>", name, name)
	if len(inv.Args) == 0 {
		return c.reply(ctx, inv.ChatID, usage)
	}
	switch inv.Args[0] {
	case "on", "off":
		if err := c.deps.Config.Set(ctx, inv.GroupID, enabledKey, inv.Args[0] == "on"); err != nil {
			return err
		}
		return c.reply(ctx, inv.ChatID, name+" messages "+inv.Args[0]+".")
	case "set":
		if len(inv.Args) < 2 {
			return c.reply(ctx, inv.ChatID, usage)
		}
		if err := c.deps.Config.Set(ctx, inv.GroupID, templateKey, strings.Join(inv.Args[1:], " ")); err != nil {
			return err
		}
		return c.reply(ctx, inv.ChatID, name+" template saved.")
	default:
		return c.reply(ctx, inv.ChatID, usage)
	}
}

func (c *commands) antiLink(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	usage := "Usage: antilink on|off|list — allow|disallow <domain> — add|remove <network>"
	if len(inv.Args) == 0 {
		return c.reply(ctx, inv.ChatID, usage)
	}
	cfg := c.deps.Config
	switch inv.Args[0] {
	case "on", "off":
		if err := cfg.Set(ctx, inv.GroupID, "antiLinkEnabled", inv.Args[0] == "on"); err != nil {
			return err
		}
		return c.reply(ctx, inv.ChatID, "Anti-link "+inv.Args[0]+".")
	case "list":
		domains := cfg.StringList(ctx, inv.GroupID, "allowedDomains")
		networks := cfg.StringList(ctx, inv.GroupID, "allowedNetworks")
		state := "off"
		if cfg.Bool(ctx, inv.GroupID, "antiLinkEnabled") {
			state = "on"
		}
		return c.reply(ctx, inv.ChatID, fmt.Sprintf(
			"Anti-link: %s\nAllowed domains: %s\nAllowed networks: %s",
			state, strings.Join(domains, ", "), strings.Join(networks, ", ")))
	case "allow", "disallow":
		if len(inv.Args) != 2 {
			return c.reply(ctx, inv.ChatID, usage)
		}
		var err error
		if inv.Args[0] == "allow" {
			err = cfg.AddToSet(ctx, inv.GroupID, "allowedDomains", inv.Args[1])
		} else {
			err = cfg.RemoveFromSet(ctx, inv.GroupID, "allowedDomains", inv.Args[1])
		}
		if err != nil {
			return err
		}
		return c.reply(ctx, inv.ChatID, "Allowed domains updated.")
	case "add", "remove":
		if len(inv.Args) != 2 {
			return c.reply(ctx, inv.ChatID, usage)
		}
		var err error
		if inv.Args[0] == "add" {
			err = cfg.AddToSet(ctx, inv.GroupID, "allowedNetworks", inv.Args[1])
		} else {
			err = cfg.RemoveFromSet(ctx, inv.GroupID, "allowedNetworks", inv.Args[1])
		}
		if err != nil {
			return err
		}
		return c.reply(ctx, inv.ChatID, "Allowed networks updated.")
	default:
		return c.reply(ctx, inv.ChatID, usage)
	}
}

func (c *commands) news(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	return c.toggle(ctx, inv, "news", "newsEnabled")
}

func (c *commands) nsfw(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	return c.toggle(ctx, inv, "nsfw", "nsfw")
}

func (c *commands) toggle(ctx context.Context, inv dispatch.Invocation, name, key string) error {
	usage := fmt.Sprintf("Usage: %s on|off|status", name)
	if len(inv.Args) != 1 {
		return c.reply(ctx, inv.ChatID, usage)
	}
	switch inv.Args[0] {
	case "on", "off":
		if err := c.deps.Config.Set(ctx, inv.GroupID, key, inv.Args[0] == "on"); err != nil {
			return err
		}
		return c.reply(ctx, inv.ChatID, name+" "+inv.Args[0]+".")
	case "status":
		state := "off"
		if c.deps.Config.Bool(ctx, inv.GroupID, key) {
			state = "on"
		}
		return c.reply(ctx, inv.ChatID, name+" is "+state+".")
	default:
		return c.reply(ctx, inv.ChatID, usage)
	}
}

func (c *commands) prefix(ctx context.Context, inv dispatch.Invocation, m GroupMutator) error {
	usage := "Usage: prefix set <prefix> | status | reset"
	if len(inv.Args) == 0 {
		return c.reply(ctx, inv.ChatID, usage)
	}
	switch inv.Args[0] {
	case "set":
		if len(inv.Args) != 2 || len(inv.Args[1]) > 3 {
			return c.reply(ctx, inv.ChatID, usage)
		}
		if err := c.deps.Config.Set(ctx, inv.GroupID, "commandPrefix", inv.Args[1]); err != nil {
			return err
		}
		return c.reply(ctx, inv.ChatID, "Prefix set to "+inv.Args[1])
	case "status":
		p := c.deps.Config.Prefix(ctx, inv.GroupID)
		if p == "" {
			return c.reply(ctx, inv.ChatID, "This group uses the default prefix.")
		}
		return c.reply(ctx, inv.ChatID, "This group's prefix is "+p)
	case "reset":
		if err := c.deps.Config.Delete(ctx, inv.GroupID, "commandPrefix"); err != nil {
			return err
		}
		return c.reply(ctx, inv.ChatID, "Prefix reset to default.")
	default:
		return c.reply(ctx, inv.ChatID, usage)
	}
}

func (c *commands) premium(ctx context.Context, inv dispatch.Invocation) error {
	if !c.deps.Sub.IsOwner(inv.SenderID) {
		return c.reply(ctx, inv.ChatID, "Only the owner can manage premium users.")
	}
	usage := "Usage: premium add|remove <user id> | list"
	if len(inv.Args) == 0 {
		return c.reply(ctx, inv.ChatID, usage)
	}
	switch inv.Args[0] {
	case "add", "remove":
		targets := ResolveParticipantArgs(inv.Mentions, inv.RepliedTo, inv.Args[1:])
		if len(targets) != 1 {
			return c.reply(ctx, inv.ChatID, usage)
		}
		on := inv.Args[0] == "add"
		var err error
		if on {
			err = c.deps.Config.AddPremium(ctx, targets[0])
		} else {
			err = c.deps.Config.RemovePremium(ctx, targets[0])
		}
		if err != nil {
			return err
		}
		c.deps.Sub.SetPremium(targets[0], on)
		return c.reply(ctx, inv.ChatID, "Premium list updated.")
	case "list":
		users := c.deps.Config.ListPremium(ctx)
		if len(users) == 0 {
			return c.reply(ctx, inv.ChatID, "No premium users.")
		}
		return c.reply(ctx, inv.ChatID, "Premium users:\n"+strings.Join(users, "\n"))
	default:
		return c.reply(ctx, inv.ChatID, usage)
	}
}

func (c *commands) broadcast(ctx context.Context, inv dispatch.Invocation) error {
	if !c.deps.Sub.IsOwner(inv.SenderID) {
		return c.reply(ctx, inv.ChatID, "Only the owner can broadcast.")
	}
	if c.deps.Broadcast == nil {
		return nil
	}
	usage := "Usage: broadcast [default|fast|safe] <message>"
	args := inv.Args
	mode := "default"
	if len(args) > 0 {
		switch args[0] {
		case "default", "fast", "safe":
			mode = args[0]
			args = args[1:]
		}
	}
	if len(args) == 0 {
		return c.reply(ctx, inv.ChatID, usage)
	}
	report := c.deps.Broadcast(ctx, inv.ChatID, strings.Join(args, " "), mode)
	return c.reply(ctx, inv.ChatID, report)
}

func parseOnOff(s string) (on, ok bool) {
	switch s {
	case "on":
		return true, true
	case "off":
		return false, true
	}
	return false, false
}
