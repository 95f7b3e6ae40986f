package threads

import (
	"errors"
	"sort"
	"strings"

	"quire/api/internal/crdt"
)

var (
	ErrInvalidRange    = errors.New("invalid range")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrCommentNotFound = errors.New("comment not found")
	ErrEmptyContent    = errors.New("comment content is empty")
	ErrMissingAuthor   = errors.New("comment author is required")
)

type Thread struct {
	ID        string    `json:"id"`
	From      int       `json:"from"`
	To        int       `json:"to"`
	Comments  []Comment `json:"comments"`
	Resolved  bool      `json:"resolved"`
	CreatedAt int64     `json:"createdAt"`
	CreatedBy string    `json:"createdBy"`
}

// Comment is immutable once written. Replies are only ever appended.
type Comment struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"threadId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Content    string    `json:"content"`
	Timestamp  int64     `json:"timestamp"`
	Replies    []Comment `json:"replies,omitempty"`
}

// CommentInput is the first comment of a new thread.
type CommentInput struct {
	Content    string
	AuthorID   string
	AuthorName string
}

func (in CommentInput) validate() error {
	if strings.TrimSpace(in.Content) == "" {
		return ErrEmptyContent
	}
	if strings.TrimSpace(in.AuthorID) == "" {
		return ErrMissingAuthor
	}
	return nil
}

// LatestTimestamp returns the newest comment or reply time in the thread.
func (t Thread) LatestTimestamp() int64 {
	latest := t.CreatedAt
	for _, c := range t.Comments {
		if c.Timestamp > latest {
			latest = c.Timestamp
		}
		for _, r := range c.Replies {
			if r.Timestamp > latest {
				latest = r.Timestamp
			}
		}
	}
	return latest
}

// CommentCount counts comments and replies.
func (t Thread) CommentCount() int {
	n := 0
	for _, c := range t.Comments {
		n += 1 + len(c.Replies)
	}
	return n
}

// FindComment looks up a top-level comment.
func (t Thread) FindComment(commentID string) (Comment, bool) {
	for _, c := range t.Comments {
		if c.ID == commentID {
			return c, true
		}
	}
	return Comment{}, false
}

// Participants returns the distinct author ids in first-seen order.
func (t Thread) Participants() []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, c := range t.Comments {
		add(c.AuthorID)
		for _, r := range c.Replies {
			add(r.AuthorID)
		}
	}
	return out
}

type EventType string

const (
	EventCreated   EventType = "created"
	EventCommented EventType = "commented"
	EventReplied   EventType = "replied"
	EventResolved  EventType = "resolved"
	EventDeleted   EventType = "deleted"
)

// Event is one thread mutation as observed from the replicated map, local
// or remote alike.
type Event struct {
	Type      EventType
	ThreadID  string
	CommentID string
	ReplyID   string
	Origin    crdt.Origin
}

type header struct {
	ID        string `json:"id"`
	From      int    `json:"from"`
	To        int    `json:"to"`
	CreatedAt int64  `json:"createdAt"`
	CreatedBy string `json:"createdBy"`
}

const (
	prefixThread   = "thread:"
	prefixResolved = "resolved:"
	prefixComment  = "comment:"
	prefixReply    = "reply:"
)

func threadKey(threadID string) string {
	return prefixThread + threadID
}

func resolvedKey(threadID string) string {
	return prefixResolved + threadID
}

func commentKey(threadID, commentID string) string {
	return prefixComment + threadID + ":" + commentID
}

func replyKey(threadID, commentID, replyID string) string {
	return prefixReply + threadID + ":" + commentID + ":" + replyID
}

// KeyKind names the record stored under a replicated-map key.
type KeyKind int

const (
	KeyUnknown KeyKind = iota
	KeyThread
	KeyResolved
	KeyComment
	KeyReply
)

// KindOf classifies a replicated-map key written by a Store.
func KindOf(key string) KeyKind {
	parsed, ok := parseKey(key)
	if !ok {
		return KeyUnknown
	}
	switch parsed.prefix {
	case prefixThread:
		return KeyThread
	case prefixResolved:
		return KeyResolved
	case prefixComment:
		return KeyComment
	case prefixReply:
		return KeyReply
	}
	return KeyUnknown
}

// HeaderKey returns the key of the thread header that key belongs to.
func HeaderKey(key string) (string, bool) {
	parsed, ok := parseKey(key)
	if !ok {
		return "", false
	}
	return threadKey(parsed.threadID), true
}

// ParentKey returns the key that must hold a live record before key may be
// written: the thread header for comments and resolutions, the comment for
// replies. Thread headers have no parent.
func ParentKey(key string) (string, bool) {
	parsed, ok := parseKey(key)
	if !ok {
		return "", false
	}
	switch parsed.prefix {
	case prefixComment, prefixResolved:
		return threadKey(parsed.threadID), true
	case prefixReply:
		return commentKey(parsed.threadID, parsed.commentID), true
	}
	return "", false
}

type parsedKey struct {
	prefix    string
	threadID  string
	commentID string
	replyID   string
}

func parseKey(key string) (parsedKey, bool) {
	for _, prefix := range []string{prefixThread, prefixResolved, prefixComment, prefixReply} {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(key, prefix), ":")
		switch {
		case (prefix == prefixThread || prefix == prefixResolved) && len(parts) == 1:
			return parsedKey{prefix: prefix, threadID: parts[0]}, true
		case prefix == prefixComment && len(parts) == 2:
			return parsedKey{prefix: prefix, threadID: parts[0], commentID: parts[1]}, true
		case prefix == prefixReply && len(parts) == 3:
			return parsedKey{prefix: prefix, threadID: parts[0], commentID: parts[1], replyID: parts[2]}, true
		}
		return parsedKey{}, false
	}
	return parsedKey{}, false
}

func sortComments(comments []Comment) {
	sort.Slice(comments, func(i, j int) bool {
		if comments[i].Timestamp != comments[j].Timestamp {
			return comments[i].Timestamp < comments[j].Timestamp
		}
		return comments[i].ID < comments[j].ID
	})
}
