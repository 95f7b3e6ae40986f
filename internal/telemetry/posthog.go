// Package telemetry records thread activity as product analytics events.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/posthog/posthog-go"

	"quire/api/internal/notify"
)

// Enqueuer is the part of posthog.Client the notifier uses.
type Enqueuer interface {
	Enqueue(msg posthog.Message) error
}

type posthogNotifier struct {
	client Enqueuer
	logger *slog.Logger
}

func NewPosthogNotifier(client Enqueuer, logger *slog.Logger) notify.Notifier {
	return &posthogNotifier{client: client, logger: logger}
}

var _ notify.Notifier = &posthogNotifier{}

// NewClient builds a PostHog client for apiKey. An empty endpoint keeps the
// library default.
func NewClient(apiKey, endpoint string) (posthog.Client, error) {
	return posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
}

// Notify never fails the caller; enqueue errors are logged.
func (n *posthogNotifier) Notify(ctx context.Context, note notify.Notification) error {
	if err := note.Validate(); err != nil {
		return err
	}
	data := note.ActivityData()
	props := posthog.Properties{
		"room_id":   note.RoomID,
		"thread_id": note.ThreadID,
	}
	if data.CommentID != "" {
		props["comment_id"] = data.CommentID
	}
	if data.ReplyID != "" {
		props["reply_id"] = data.ReplyID
	}
	if data.MentionUserID != "" {
		props["mention_user_id"] = data.MentionUserID
	}

	err := n.client.Enqueue(posthog.Capture{
		DistinctId: note.AuthorID,
		Event:      EventName(note.Type()),
		Timestamp:  note.Timestamp,
		Properties: props,
	})
	if err != nil {
		n.logger.Error("failed to enqueue posthog event", "type", note.Type(), "thread", note.ThreadID, "err", err)
	}
	return nil
}

func EventName(t notify.Type) string {
	switch t {
	case notify.TypeMention:
		return "thread_mention"
	case notify.TypeReply:
		return "thread_reply"
	case notify.TypeResolve:
		return "thread_resolve"
	default:
		return "thread_comment"
	}
}
