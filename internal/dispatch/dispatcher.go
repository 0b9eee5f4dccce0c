// Package dispatch is the Command Dispatcher (4.H): extracts text from an
// inbound message, resolves the effective command prefix, and routes
// recognized commands to registered handlers.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/relaywave/wacore/internal/models"
	"github.com/relaywave/wacore/internal/send"
)

const defaultStartKeyword = "iniciar"

// CommandHandler processes one recognized command invocation.
type CommandHandler func(ctx context.Context, m Invocation) error

// Invocation is a parsed command ready for a handler. Mentions and
// RepliedTo carry the message's context info so participant-nominating
// commands can resolve targets without re-parsing the raw payload.
type Invocation struct {
	ChatID    string
	GroupID   string // empty for direct chats
	SenderID  string
	MessageID string
	Command   string
	Args      []string
	RawText   string
	Mentions  []string
	RepliedTo string
}

// AntiLinkHook runs before command recognition; returning true means the
// message was handled as a policy violation and dispatch should stop.
// messageID identifies the offending message so enforcement can delete it.
type AntiLinkHook func(ctx context.Context, chatID, senderID, messageID, text string) (handled bool)

// ReactFunc is a best-effort reaction attempt: failure never aborts dispatch.
type ReactFunc func(ctx context.Context, chatID, messageID, emoji string) error

// AutoStickerFunc runs on supported inbound media when no command matched
// and the group has auto-sticker enabled.
type AutoStickerFunc func(ctx context.Context, inv Invocation) error

// Sender is the narrow slice of the Send Facility the dispatcher needs,
// named so tests can substitute a fake instead of a live whatsmeow client.
type Sender interface {
	SendAndStore(ctx context.Context, chatID, text string, opts send.Options) (string, error)
}

// Dispatcher owns the command registry and prefix/start-keyword policy.
type Dispatcher struct {
	log           zerolog.Logger
	sender        Sender
	handlers      map[string]CommandHandler
	defaultPrefix string
	startKeyword  string
	reactEmoji    string
	antiLink      AntiLinkHook
	react         ReactFunc
	autoSticker   AutoStickerFunc
	groupPrefix   func(groupID string) string // nil means use defaultPrefix for all chats
}

func New(log zerolog.Logger, sender Sender, defaultPrefix string) *Dispatcher {
	if defaultPrefix == "" {
		defaultPrefix = "/"
	}
	return &Dispatcher{
		log:           log,
		sender:        sender,
		handlers:      make(map[string]CommandHandler),
		defaultPrefix: defaultPrefix,
		startKeyword:  defaultStartKeyword,
	}
}

// SetReactEmoji configures the best-effort reaction emoji applied when a
// command is recognized, and the function used to attempt it.
func (d *Dispatcher) SetReactEmoji(emoji string, react ReactFunc) {
	d.reactEmoji = emoji
	d.react = react
}

// SetAutoSticker wires the fallback handler run on supported media in
// groups when auto-sticker is enabled and no command matched.
func (d *Dispatcher) SetAutoSticker(f AutoStickerFunc) {
	d.autoSticker = f
}

// Register binds a command name (without prefix) to a handler.
func (d *Dispatcher) Register(name string, h CommandHandler) {
	d.handlers[strings.ToLower(name)] = h
}

// SetGroupPrefixResolver lets group-specific config (4.E/4.K) override the
// default prefix per group.
func (d *Dispatcher) SetGroupPrefixResolver(f func(groupID string) string) {
	d.groupPrefix = f
}

// SetAntiLinkHook wires the admin subsystem's anti-link policy check,
// which runs before any command recognition.
func (d *Dispatcher) SetAntiLinkHook(h AntiLinkHook) {
	d.antiLink = h
}

// ExtractText returns a stored message's content extract as-is. The
// choice between plain text, extended text and caption is made when the
// extract is built (internal/bot's extractText), not here.
func ExtractText(m models.Message) string {
	return m.ContentExtract
}

// Event carries the bits of an inbound message Dispatch needs beyond plain
// text: the provider message id (for reactions) and whether the payload is
// auto-stickerable media, so auto-sticker fallback can run without the
// dispatcher knowing media-codec details.
type Event struct {
	ChatID    string
	GroupID   string // empty for direct chats
	SenderID  string
	MessageID string
	Text      string
	IsBot     bool
	IsSticker bool     // supported media type for auto-sticker fallback
	Mentions  []string // @-mentioned user ids from the message's context info
	RepliedTo string   // sender of the quoted message, if this is a reply
}

// Dispatch is called once per inbound text-bearing message.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) {
	if d.antiLink != nil && !evt.IsBot {
		if d.antiLink(ctx, evt.ChatID, evt.SenderID, evt.MessageID, evt.Text) {
			return
		}
	}

	trimmed := strings.TrimSpace(evt.Text)
	if strings.EqualFold(trimmed, d.startKeyword) {
		d.handleStart(ctx, evt)
		return
	}

	prefix := d.defaultPrefix
	if evt.GroupID != "" && d.groupPrefix != nil {
		if p := d.groupPrefix(evt.GroupID); p != "" {
			prefix = p
		}
	}
	if !strings.HasPrefix(trimmed, prefix) {
		if evt.GroupID != "" && evt.IsSticker && d.autoSticker != nil {
			d.runAutoSticker(ctx, evt)
		}
		return
	}

	body := strings.TrimPrefix(trimmed, prefix)
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	h, ok := d.handlers[cmd]
	if !ok {
		d.replyUnknown(ctx, evt.ChatID, prefix)
		return
	}
	d.tryReact(ctx, evt.ChatID, evt.MessageID)
	d.runHandler(ctx, h, Invocation{
		ChatID: evt.ChatID, GroupID: evt.GroupID, SenderID: evt.SenderID,
		MessageID: evt.MessageID, Command: cmd, Args: args, RawText: evt.Text,
		Mentions: evt.Mentions, RepliedTo: evt.RepliedTo,
	})
}

// handleStart recognizes the configured start keyword: in a private chat it
// invokes the registered "start" handler (which builds the login link from
// the sender's canonical id); in a group it redirects the user to private
// chat instead of acting in-group.
func (d *Dispatcher) handleStart(ctx context.Context, evt Event) {
	if evt.GroupID != "" {
		if d.sender == nil {
			return
		}
		if _, err := d.sender.SendAndStore(ctx, evt.ChatID, "Send me this in a private chat.", send.Options{}); err != nil {
			d.log.Warn().Err(err).Str("chat", evt.ChatID).Msg("failed to send start-redirect reply")
		}
		return
	}
	if h, ok := d.handlers["start"]; ok {
		d.runHandler(ctx, h, Invocation{ChatID: evt.ChatID, SenderID: evt.SenderID, Command: "start", RawText: evt.Text})
	}
}

// tryReact attempts the configured command-recognition reaction. Best
// effort: a failure is logged, never aborts the command.
func (d *Dispatcher) tryReact(ctx context.Context, chatID, messageID string) {
	if d.react == nil || d.reactEmoji == "" || messageID == "" {
		return
	}
	if err := d.react(ctx, chatID, messageID, d.reactEmoji); err != nil {
		d.log.Debug().Err(err).Str("chat", chatID).Msg("command reaction failed")
	}
}

func (d *Dispatcher) runAutoSticker(ctx context.Context, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("auto-sticker handler panicked")
		}
	}()
	if err := d.autoSticker(ctx, Invocation{ChatID: evt.ChatID, SenderID: evt.SenderID, RawText: evt.Text}); err != nil {
		d.log.Debug().Err(err).Str("chat", evt.ChatID).Msg("auto-sticker handler failed")
	}
}

// runHandler isolates one command handler's fault from the caller: a
// handler error is logged, not propagated, so a single bad command never
// takes down the event router's messages.upsert handler.
func (d *Dispatcher) runHandler(ctx context.Context, h CommandHandler, inv Invocation) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("command", inv.Command).Msg("command handler panicked")
		}
	}()
	if err := h(ctx, inv); err != nil {
		d.log.Error().Err(err).Str("command", inv.Command).Str("chat", inv.ChatID).Msg("command handler failed")
	}
}

func (d *Dispatcher) replyUnknown(ctx context.Context, chatID, prefix string) {
	if d.sender == nil {
		return
	}
	text := fmt.Sprintf("Unknown command. Send %smenu to see what I can do.", prefix)
	if _, err := d.sender.SendAndStore(ctx, chatID, text, send.Options{}); err != nil {
		d.log.Warn().Err(err).Str("chat", chatID).Msg("failed to send unknown-command reply")
	}
}
