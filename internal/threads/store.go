// Package threads keeps comment threads in a replicated map. Every comment
// and reply is its own key, so appends made concurrently on different
// replicas are all retained after merge.
package threads

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"quire/api/internal/crdt"
	"quire/api/internal/document"
	"quire/api/internal/util"
)

// ReplicatedMap is the part of the replicated substrate the store needs.
type ReplicatedMap interface {
	Get(key string) (json.RawMessage, bool)
	Entry(key string) (crdt.Op, bool)
	Keys(prefix string) []string
	Transact(fn func(tx crdt.Tx))
	Observe(fn func(crdt.Update)) func()
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDs(newID func(prefix string) string) Option {
	return func(s *Store) { s.newID = newID }
}

type Store struct {
	m     ReplicatedMap
	doc   document.Document
	now   func() time.Time
	newID func(prefix string) string

	mu      sync.Mutex
	subs    map[int]func(Event)
	nextSub int
	cancel  func()
}

// New binds a store to a replicated map. doc may be nil for replicas that
// only observe thread state, in which case anchors are checked against
// ordering only and no marks are written.
func New(m ReplicatedMap, doc document.Document, opts ...Option) *Store {
	s := &Store{
		m:     m,
		doc:   doc,
		now:   time.Now,
		newID: util.NewID,
		subs:  make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cancel = m.Observe(s.observe)
	return s
}

// Close detaches the store from the map.
func (s *Store) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe registers fn for every thread event and returns a function that
// unregisters it.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) CreateThread(from, to int, first CommentInput) (string, error) {
	if from < 0 || from > to {
		return "", fmt.Errorf("create thread [%d, %d): %w", from, to, ErrInvalidRange)
	}
	if s.doc != nil && (to > s.doc.Size() || !s.doc.PositionValid(from) || !s.doc.PositionValid(to)) {
		return "", fmt.Errorf("create thread [%d, %d) in document of size %d: %w", from, to, s.doc.Size(), ErrInvalidRange)
	}
	if err := first.validate(); err != nil {
		return "", err
	}

	threadID := s.newID("thread")
	ts := s.now().UnixMilli()
	head := header{ID: threadID, From: from, To: to, CreatedAt: ts, CreatedBy: first.AuthorID}
	comment := Comment{
		ID:         s.newID("comment"),
		ThreadID:   threadID,
		AuthorID:   first.AuthorID,
		AuthorName: first.AuthorName,
		Content:    first.Content,
		Timestamp:  ts,
	}

	if s.doc != nil {
		if err := s.doc.MarkRange(from, to, threadID); err != nil {
			return "", fmt.Errorf("create thread: %w", ErrInvalidRange)
		}
	}

	s.m.Transact(func(tx crdt.Tx) {
		tx.Set(threadKey(threadID), mustJSON(head))
		tx.Set(commentKey(threadID, comment.ID), mustJSON(comment))
	})
	return threadID, nil
}

func (s *Store) AddComment(threadID, content, authorID, authorName string) (string, error) {
	input := CommentInput{Content: content, AuthorID: authorID, AuthorName: authorName}
	if err := input.validate(); err != nil {
		return "", err
	}

	comment := Comment{
		ID:         s.newID("comment"),
		ThreadID:   threadID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		Timestamp:  s.now().UnixMilli(),
	}
	var err error
	s.m.Transact(func(tx crdt.Tx) {
		if _, ok := tx.Get(threadKey(threadID)); !ok {
			err = fmt.Errorf("add comment to %s: %w", threadID, ErrThreadNotFound)
			return
		}
		tx.Set(commentKey(threadID, comment.ID), mustJSON(comment))
	})
	if err != nil {
		return "", err
	}
	return comment.ID, nil
}

func (s *Store) ReplyToComment(threadID, commentID, content, authorID, authorName string) (string, error) {
	input := CommentInput{Content: content, AuthorID: authorID, AuthorName: authorName}
	if err := input.validate(); err != nil {
		return "", err
	}

	reply := Comment{
		ID:         s.newID("reply"),
		ThreadID:   threadID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		Timestamp:  s.now().UnixMilli(),
	}
	var err error
	s.m.Transact(func(tx crdt.Tx) {
		if _, ok := tx.Get(threadKey(threadID)); !ok {
			err = fmt.Errorf("reply in %s: %w", threadID, ErrThreadNotFound)
			return
		}
		if _, ok := tx.Get(commentKey(threadID, commentID)); !ok {
			err = fmt.Errorf("reply to %s in %s: %w", commentID, threadID, ErrCommentNotFound)
			return
		}
		tx.Set(replyKey(threadID, commentID, reply.ID), mustJSON(reply))
	})
	if err != nil {
		return "", err
	}
	return reply.ID, nil
}

// ResolveThread marks the thread resolved. It reports false when the thread
// was already resolved or no longer exists; neither is an error.
func (s *Store) ResolveThread(threadID string) (bool, error) {
	changed := false
	s.m.Transact(func(tx crdt.Tx) {
		if _, ok := tx.Get(threadKey(threadID)); !ok {
			return
		}
		if _, ok := tx.Get(resolvedKey(threadID)); ok {
			return
		}
		tx.Set(resolvedKey(threadID), json.RawMessage(`true`))
		changed = true
	})
	return changed, nil
}

// DeleteThread removes the thread with its comments and replies and strips
// its marks from the document. Deleting an absent thread is a no-op.
func (s *Store) DeleteThread(threadID string) bool {
	s.stripMarks(threadID)
	removed := false
	s.m.Transact(func(tx crdt.Tx) {
		keys := []string{resolvedKey(threadID)}
		keys = append(keys, tx.Keys(prefixReply+threadID+":")...)
		keys = append(keys, tx.Keys(prefixComment+threadID+":")...)
		for _, key := range keys {
			tx.Delete(key)
		}
		// header last so observers see the thread go away after its children
		removed = tx.Delete(threadKey(threadID))
	})
	return removed
}

func (s *Store) Get(threadID string) (Thread, bool) {
	raw, ok := s.m.Get(threadKey(threadID))
	if !ok {
		return Thread{}, false
	}
	var head header
	if err := json.Unmarshal(raw, &head); err != nil {
		return Thread{}, false
	}
	return s.build(head), true
}

// List returns every thread ordered by anchor start, then id.
func (s *Store) List() []Thread {
	keys := s.m.Keys(prefixThread)
	out := make([]Thread, 0, len(keys))
	for _, key := range keys {
		thread, ok := s.Get(strings.TrimPrefix(key, prefixThread))
		if !ok {
			continue
		}
		out = append(out, thread)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) build(head header) Thread {
	thread := Thread{
		ID:        head.ID,
		From:      head.From,
		To:        head.To,
		CreatedAt: head.CreatedAt,
		CreatedBy: head.CreatedBy,
		Comments:  []Comment{},
	}
	if _, ok := s.m.Get(resolvedKey(head.ID)); ok {
		thread.Resolved = true
	}

	replies := map[string][]Comment{}
	for _, key := range s.m.Keys(prefixReply + head.ID + ":") {
		parsed, ok := parseKey(key)
		if !ok {
			continue
		}
		var reply Comment
		if !s.decode(key, &reply) {
			continue
		}
		replies[parsed.commentID] = append(replies[parsed.commentID], reply)
	}

	for _, key := range s.m.Keys(prefixComment + head.ID + ":") {
		var comment Comment
		if !s.decode(key, &comment) {
			continue
		}
		comment.Replies = replies[comment.ID]
		sortComments(comment.Replies)
		thread.Comments = append(thread.Comments, comment)
	}
	sortComments(thread.Comments)
	return thread
}

func (s *Store) decode(key string, target any) bool {
	raw, ok := s.m.Get(key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, target) == nil
}

// observe turns map updates into thread events. The mark layer follows the
// thread map, so remote creations and deletions are reflected in the local
// document here.
func (s *Store) observe(update crdt.Update) {
	orphans := map[string]bool{}
	if update.Origin == crdt.Remote {
		orphans = s.orphans(update)
		defer s.dropOrphans(orphans)
	}

	// headers first: a snapshot batch is key-ordered, so comments sort
	// ahead of the thread they belong to
	created := map[string]int{}
	var events []Event
	for _, change := range update.Changes {
		parsed, ok := parseKey(change.Key)
		if !ok || parsed.prefix != prefixThread {
			continue
		}
		if change.Deleted {
			events = append(events, Event{Type: EventDeleted, ThreadID: parsed.threadID, Origin: update.Origin})
			if update.Origin == crdt.Remote {
				s.stripMarks(parsed.threadID)
			}
			continue
		}
		created[parsed.threadID] = len(events)
		events = append(events, Event{Type: EventCreated, ThreadID: parsed.threadID, Origin: update.Origin})
		if update.Origin == crdt.Remote {
			s.markRemote(change.Value)
		}
	}

	for _, change := range update.Changes {
		parsed, ok := parseKey(change.Key)
		if !ok || orphans[change.Key] {
			continue
		}
		switch parsed.prefix {
		case prefixComment:
			if change.Deleted {
				continue
			}
			if idx, ok := created[parsed.threadID]; ok && events[idx].CommentID == "" {
				events[idx].CommentID = parsed.commentID
				continue
			}
			events = append(events, Event{Type: EventCommented, ThreadID: parsed.threadID, CommentID: parsed.commentID, Origin: update.Origin})
		case prefixReply:
			if change.Deleted {
				continue
			}
			events = append(events, Event{Type: EventReplied, ThreadID: parsed.threadID, CommentID: parsed.commentID, ReplyID: parsed.replyID, Origin: update.Origin})
		case prefixResolved:
			if change.Deleted {
				continue
			}
			events = append(events, Event{Type: EventResolved, ThreadID: parsed.threadID, Origin: update.Origin})
		}
	}
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	for _, event := range events {
		for _, fn := range subs {
			fn(event)
		}
	}
}

// orphans finds the records a remote update leaves without a live thread:
// children that arrive for a thread already deleted here, and children
// that a remote deletion did not know about.
func (s *Store) orphans(update crdt.Update) map[string]bool {
	out := map[string]bool{}
	for _, change := range update.Changes {
		parsed, ok := parseKey(change.Key)
		if !ok {
			continue
		}
		if parsed.prefix == prefixThread {
			if !change.Deleted {
				continue
			}
			for _, prefix := range []string{prefixComment, prefixReply} {
				for _, key := range s.m.Keys(prefix + parsed.threadID + ":") {
					out[key] = true
				}
			}
			if _, ok := s.m.Get(resolvedKey(parsed.threadID)); ok {
				out[resolvedKey(parsed.threadID)] = true
			}
			continue
		}
		if change.Deleted {
			continue
		}
		if head, ok := s.m.Entry(threadKey(parsed.threadID)); ok && head.Deleted {
			out[change.Key] = true
		}
	}
	return out
}

// dropOrphans deletes keys locally. The deletions replicate like any other
// write, so every replica ends up without them.
func (s *Store) dropOrphans(keys map[string]bool) {
	if len(keys) == 0 {
		return
	}
	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)
	s.m.Transact(func(tx crdt.Tx) {
		for _, key := range sorted {
			tx.Delete(key)
		}
	})
}

func (s *Store) markRemote(raw json.RawMessage) {
	if s.doc == nil {
		return
	}
	var head header
	if err := json.Unmarshal(raw, &head); err != nil {
		return
	}
	if head.From < head.To && head.To <= s.doc.Size() {
		_ = s.doc.MarkRange(head.From, head.To, head.ID)
	}
}

func (s *Store) stripMarks(threadID string) {
	if s.doc == nil {
		return
	}
	s.doc.RemoveMark(0, s.doc.Size(), func(m document.Mark) bool {
		return m.ThreadID == threadID
	})
}

func mustJSON(v any) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("threads: marshal %T: %v", v, err))
	}
	return out
}
