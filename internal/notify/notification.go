package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the notification kind used for every thread activity.
const Kind = "$thread"

type Type string

const (
	TypeMention Type = "mention"
	TypeComment Type = "comment"
	TypeReply   Type = "reply"
	TypeResolve Type = "resolve"
)

var ErrInvalidNotification = errors.New("invalid notification")

// Activity is one of Mention, CommentAdded, ReplyAdded or Resolved.
type Activity interface {
	Type() Type
	validate() error
	fill(w *wireNotification)
}

type Mention struct {
	CommentID       string
	MentionUserID   string
	MentionUserName string
	Content         string
}

func (Mention) Type() Type { return TypeMention }

func (a Mention) validate() error {
	if a.CommentID == "" || a.MentionUserID == "" {
		return fmt.Errorf("mention needs comment and mentioned user: %w", ErrInvalidNotification)
	}
	return nil
}

func (a Mention) fill(w *wireNotification) {
	w.CommentID = a.CommentID
	w.MentionUserID = a.MentionUserID
	w.MentionUserName = a.MentionUserName
	w.Content = a.Content
}

type CommentAdded struct {
	CommentID string
	Content   string
}

func (CommentAdded) Type() Type { return TypeComment }

func (a CommentAdded) validate() error {
	if a.CommentID == "" {
		return fmt.Errorf("comment needs a comment id: %w", ErrInvalidNotification)
	}
	return nil
}

func (a CommentAdded) fill(w *wireNotification) {
	w.CommentID = a.CommentID
	w.Content = a.Content
}

// ReplyAdded carries the parent comment id and the new reply's id.
type ReplyAdded struct {
	CommentID string
	ReplyID   string
	Content   string
}

func (ReplyAdded) Type() Type { return TypeReply }

func (a ReplyAdded) validate() error {
	if a.CommentID == "" || a.ReplyID == "" {
		return fmt.Errorf("reply needs comment and reply ids: %w", ErrInvalidNotification)
	}
	return nil
}

func (a ReplyAdded) fill(w *wireNotification) {
	w.CommentID = a.CommentID
	w.ReplyID = a.ReplyID
	w.Content = a.Content
}

type Resolved struct{}

func (Resolved) Type() Type { return TypeResolve }

func (Resolved) validate() error { return nil }

func (Resolved) fill(*wireNotification) {}

type Notification struct {
	Kind       string
	RoomID     string
	ThreadID   string
	AuthorID   string
	AuthorName string
	Activity   Activity
	Timestamp  time.Time
}

// New builds a validated notification.
func New(roomID, threadID, authorID, authorName string, activity Activity, ts time.Time) (Notification, error) {
	n := Notification{
		Kind:       Kind,
		RoomID:     roomID,
		ThreadID:   threadID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Activity:   activity,
		Timestamp:  ts,
	}
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

func (n Notification) Validate() error {
	if n.Kind != Kind {
		return fmt.Errorf("kind %q: %w", n.Kind, ErrInvalidNotification)
	}
	if strings.TrimSpace(n.RoomID) == "" || strings.TrimSpace(n.ThreadID) == "" || strings.TrimSpace(n.AuthorID) == "" {
		return fmt.Errorf("room, thread and author are required: %w", ErrInvalidNotification)
	}
	if n.Activity == nil {
		return fmt.Errorf("missing activity: %w", ErrInvalidNotification)
	}
	return n.Activity.validate()
}

// MutationKey identifies the thread mutation a notification is about.
// Two notifications with the same key describe the same logical event.
func (n Notification) MutationKey() string {
	var w wireNotification
	if n.Activity != nil {
		n.Activity.fill(&w)
	}
	parts := []string{n.RoomID, n.ThreadID, string(n.Type())}
	for _, part := range []string{w.CommentID, w.ReplyID, w.MentionUserID} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "/")
}

func (n Notification) Type() Type {
	if n.Activity == nil {
		return ""
	}
	return n.Activity.Type()
}

// ActivityData is the per-recipient payload handed to delivery channels.
type ActivityData struct {
	Type            Type   `json:"type"`
	CommentID       string `json:"commentId,omitempty"`
	ReplyID         string `json:"replyId,omitempty"`
	AuthorID        string `json:"authorId"`
	AuthorName      string `json:"authorName"`
	MentionUserID   string `json:"mentionUserId,omitempty"`
	MentionUserName string `json:"mentionUserName,omitempty"`
	Content         string `json:"content,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

func (n Notification) ActivityData() ActivityData {
	var w wireNotification
	n.Activity.fill(&w)
	return ActivityData{
		Type:            n.Type(),
		CommentID:       w.CommentID,
		ReplyID:         w.ReplyID,
		AuthorID:        n.AuthorID,
		AuthorName:      n.AuthorName,
		MentionUserID:   w.MentionUserID,
		MentionUserName: w.MentionUserName,
		Content:         w.Content,
		Timestamp:       n.Timestamp.UnixMilli(),
	}
}

type wireNotification struct {
	Kind            string `json:"kind"`
	Type            Type   `json:"type"`
	RoomID          string `json:"roomId"`
	ThreadID        string `json:"threadId"`
	CommentID       string `json:"commentId,omitempty"`
	ReplyID         string `json:"replyId,omitempty"`
	AuthorID        string `json:"authorId"`
	AuthorName      string `json:"authorName"`
	MentionUserID   string `json:"mentionUserId,omitempty"`
	MentionUserName string `json:"mentionUserName,omitempty"`
	Content         string `json:"content,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

func (n Notification) MarshalJSON() ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	w := wireNotification{
		Kind:       n.Kind,
		Type:       n.Type(),
		RoomID:     n.RoomID,
		ThreadID:   n.ThreadID,
		AuthorID:   n.AuthorID,
		AuthorName: n.AuthorName,
		Timestamp:  n.Timestamp.UnixMilli(),
	}
	n.Activity.fill(&w)
	return json.Marshal(w)
}

// UnmarshalJSON rejects fields that do not belong to the activity type.
func (n *Notification) UnmarshalJSON(data []byte) error {
	var w wireNotification
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if w.Kind == "" {
		w.Kind = Kind
	}

	var activity Activity
	switch w.Type {
	case TypeMention:
		if w.ReplyID != "" {
			return fmt.Errorf("mention with reply id: %w", ErrInvalidNotification)
		}
		activity = Mention{CommentID: w.CommentID, MentionUserID: w.MentionUserID, MentionUserName: w.MentionUserName, Content: w.Content}
	case TypeComment:
		if w.ReplyID != "" || w.MentionUserID != "" || w.MentionUserName != "" {
			return fmt.Errorf("comment with reply or mention fields: %w", ErrInvalidNotification)
		}
		activity = CommentAdded{CommentID: w.CommentID, Content: w.Content}
	case TypeReply:
		if w.MentionUserID != "" || w.MentionUserName != "" {
			return fmt.Errorf("reply with mention fields: %w", ErrInvalidNotification)
		}
		activity = ReplyAdded{CommentID: w.CommentID, ReplyID: w.ReplyID, Content: w.Content}
	case TypeResolve:
		if w.CommentID != "" || w.ReplyID != "" || w.MentionUserID != "" || w.MentionUserName != "" || w.Content != "" {
			return fmt.Errorf("resolve with comment fields: %w", ErrInvalidNotification)
		}
		activity = Resolved{}
	default:
		return fmt.Errorf("type %q: %w", w.Type, ErrInvalidNotification)
	}

	decoded := Notification{
		Kind:       w.Kind,
		RoomID:     w.RoomID,
		ThreadID:   w.ThreadID,
		AuthorID:   w.AuthorID,
		AuthorName: w.AuthorName,
		Activity:   activity,
		Timestamp:  time.UnixMilli(w.Timestamp),
	}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*n = decoded
	return nil
}
