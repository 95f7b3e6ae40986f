// Package room ties one user's view of a collaboration room together: the
// document, the replicated thread store, the anchor projector and composer,
// and the notifications each local mutation produces.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"quire/api/internal/anchor"
	"quire/api/internal/document"
	"quire/api/internal/notify"
	"quire/api/internal/threads"
)

var ErrNoSelection = errors.New("nothing selected to comment on")

type Config struct {
	RoomID   string
	UserID   string
	UserName string

	// Notifier receives one notification per local mutation. Nil disables
	// notifications.
	Notifier      notify.Notifier
	NotifyTimeout time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Session is one user's handle on a room. Remote changes re-render
// decorations but never notify; only mutations made through the session
// do.
type Session struct {
	cfg       Config
	doc       document.Document
	threads   *threads.Store
	projector *anchor.Projector
	composer  *anchor.Composer

	mu        sync.Mutex
	renderers map[int]func([]anchor.Decoration)
	nextID    int

	pending  sync.WaitGroup
	cancels  []func()
	closeOne sync.Once
}

func New(doc document.Document, m threads.ReplicatedMap, cfg Config, opts ...threads.Option) *Session {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Logger = cfg.Logger.With("room", cfg.RoomID, "user", cfg.UserID)

	ts := threads.New(m, doc, opts...)
	projector := anchor.NewProjector(ts, doc)
	s := &Session{
		cfg:       cfg,
		doc:       doc,
		threads:   ts,
		projector: projector,
		composer:  anchor.NewComposer(projector, doc),
		renderers: map[int]func([]anchor.Decoration){},
	}
	s.cancels = append(s.cancels,
		ts.Subscribe(func(threads.Event) { s.render() }),
		doc.OnRemoteChange(func(document.Edit) { s.render() }),
	)
	return s
}

func (s *Session) Threads() *threads.Store {
	return s.threads
}

func (s *Session) Composer() *anchor.Composer {
	return s.composer
}

func (s *Session) Decorations() []anchor.Decoration {
	return s.projector.Decorations()
}

// OnRender registers fn to receive the decorations whenever threads or the
// document change.
func (s *Session) OnRender(fn func([]anchor.Decoration)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.renderers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.renderers, id)
		s.mu.Unlock()
	}
}

func (s *Session) render() {
	s.mu.Lock()
	fns := make([]func([]anchor.Decoration), 0, len(s.renderers))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.renderers[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	decorations := s.projector.Decorations()
	for _, fn := range fns {
		fn(decorations)
	}
}

func (s *Session) Select(sel anchor.Selection) {
	s.composer.SelectionChanged(sel)
}

func (s *Session) KeyUp(key string) {
	s.composer.KeyUp(key)
}

func (s *Session) ClickThread(pos int) bool {
	return s.composer.ClickThread(pos)
}

// Comment posts content from the open composer: onto the overlapping
// thread when there is one, otherwise as a new thread on the selection.
// Each mentioned member gets a mention notification on top of the comment
// notification.
func (s *Session) Comment(content string, mentions ...notify.Member) (threadID, commentID string, err error) {
	state := s.composer.State()
	if !state.Open {
		return "", "", ErrNoSelection
	}

	if state.ThreadID != "" {
		threadID = state.ThreadID
		commentID, err = s.threads.AddComment(threadID, content, s.cfg.UserID, s.cfg.UserName)
		if err != nil {
			return "", "", err
		}
	} else {
		threadID, err = s.threads.CreateThread(state.Selection.From, state.Selection.To, threads.CommentInput{
			Content:    content,
			AuthorID:   s.cfg.UserID,
			AuthorName: s.cfg.UserName,
		})
		if err != nil {
			return "", "", err
		}
		thread, ok := s.threads.Get(threadID)
		if !ok || len(thread.Comments) == 0 {
			return "", "", fmt.Errorf("thread %s vanished after create: %w", threadID, threads.ErrThreadNotFound)
		}
		commentID = thread.Comments[0].ID
	}
	s.composer.Close()

	s.notify(threadID, notify.CommentAdded{CommentID: commentID, Content: content})
	s.notifyMentions(threadID, commentID, content, mentions)
	return threadID, commentID, nil
}

// Reply answers a top-level comment. Mentions in a reply point at the
// reply itself.
func (s *Session) Reply(threadID, commentID, content string, mentions ...notify.Member) (string, error) {
	replyID, err := s.threads.ReplyToComment(threadID, commentID, content, s.cfg.UserID, s.cfg.UserName)
	if err != nil {
		return "", err
	}
	s.notify(threadID, notify.ReplyAdded{CommentID: commentID, ReplyID: replyID, Content: content})
	s.notifyMentions(threadID, replyID, content, mentions)
	return replyID, nil
}

// Resolve notifies only the first time a thread is resolved.
func (s *Session) Resolve(threadID string) (bool, error) {
	changed, err := s.threads.ResolveThread(threadID)
	if err != nil || !changed {
		return changed, err
	}
	s.notify(threadID, notify.Resolved{})
	return true, nil
}

// Delete removes a thread. Deletions are silent.
func (s *Session) Delete(threadID string) bool {
	return s.threads.DeleteThread(threadID)
}

func (s *Session) notifyMentions(threadID, commentID, content string, mentions []notify.Member) {
	seen := map[string]bool{}
	for _, m := range mentions {
		if m.UserID == "" || m.UserID == s.cfg.UserID || seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		s.notify(threadID, notify.Mention{
			CommentID:       commentID,
			MentionUserID:   m.UserID,
			MentionUserName: firstNonBlank(m.Name, m.UserID),
			Content:         content,
		})
	}
}

// notify hands n to the notifier off the editing path.
func (s *Session) notify(threadID string, activity notify.Activity) {
	if s.cfg.Notifier == nil {
		return
	}
	n, err := notify.New(s.cfg.RoomID, threadID, s.cfg.UserID, s.cfg.UserName, activity, s.cfg.Now())
	if err != nil {
		s.cfg.Logger.Error("invalid notification", "thread", threadID, "err", err)
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.cfg.Notifier.Notify(ctx, n); err != nil {
			s.cfg.Logger.Error("failed to send notification", "thread", threadID, "type", n.Type(), "err", err)
		}
	}()
}

// Close waits for pending notifications and detaches from the store.
func (s *Session) Close() {
	s.closeOne.Do(func() {
		for _, cancel := range s.cancels {
			cancel()
		}
		s.pending.Wait()
		s.threads.Close()
	})
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
