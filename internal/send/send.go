// Package send is the Send Facility (4.I): the single primitive through
// which every outbound message leaves the process, pairing the SDK send
// call with a best-effort local persistence of the sent message.
package send

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	waProto "google.golang.org/protobuf/proto"
	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/relaywave/wacore/internal/models"
	"github.com/relaywave/wacore/internal/writequeue"
)

// Options configures a single send. Ephemeral, when positive, is sent as
// the outgoing message's expiration in whole seconds; the chat's own
// disappearing-messages timer is not consulted or compared.
type Options struct {
	Ephemeral time.Duration
}

// Facility wraps a live whatsmeow client and the write queue used to
// persist sent messages locally.
type Facility struct {
	client *whatsmeow.Client
	queue  *writequeue.Queue
	log    zerolog.Logger
}

func New(client *whatsmeow.Client, queue *writequeue.Queue, log zerolog.Logger) *Facility {
	return &Facility{client: client, queue: queue, log: log}
}

// SendAndStore is the only path through which the core sends a message. A
// send failure is returned to the caller immediately; a subsequent
// persistence failure is logged and swallowed rather than propagated,
// since the message already left the wire and retrying the send would
// duplicate it.
func (f *Facility) SendAndStore(ctx context.Context, chatID, text string, opts Options) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", err
	}

	msg := &waE2E.Message{
		Conversation: waProto.String(text),
	}
	if opts.Ephemeral > 0 {
		msg = &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: waProto.String(text),
				ContextInfo: &waE2E.ContextInfo{
					Expiration: waProto.Uint32(uint32(opts.Ephemeral.Seconds())),
				},
			},
		}
	}

	resp, err := f.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}

	record := models.Message{
		ChatID:    chatID,
		MessageID: resp.ID,
		SenderID:  f.client.Store.ID.String(),
		RawMessage: map[string]any{
			"conversation": text,
		},
		ContentExtract: text,
		Timestamp:      resp.Timestamp,
		CreatedAt:      time.Now(),
	}
	if !f.queue.TryEnqueue(writequeue.Item{
		Kind:    writequeue.OpInsertMessage,
		Key:     chatID,
		Message: &record,
	}) {
		f.log.Warn().Str("chat", chatID).Str("message_id", resp.ID).Msg("sent message dropped from persistence queue")
	}
	return resp.ID, nil
}
