package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"quire/api/internal/auth"
	"quire/api/internal/inbox"
	"quire/api/internal/notify"
	"quire/api/internal/rbac"
	"quire/api/internal/relay"
	"quire/api/internal/search"
	"quire/api/internal/store"
	"quire/api/internal/threads"
)

// Session is the verified caller of one request.
type Session struct {
	Token    string
	UserID   string
	UserName string
	OrgID    string
}

type dataStore interface {
	Ping(ctx context.Context) error
	RoomRole(ctx context.Context, roomID, userID string) (rbac.Role, bool, error)
	ListThreads(ctx context.Context, roomID string) ([]store.ThreadRecord, error)
}

type seedStore interface {
	CountDocuments(ctx context.Context) (int, error)
	UpsertUser(ctx context.Context, user store.User) error
	CreateOrganization(ctx context.Context, org store.Organization) error
	AddMember(ctx context.Context, orgID, userID string, role rbac.Role) error
	UpsertDocument(ctx context.Context, doc store.Document) error
}

type dispatcher interface {
	Dispatch(ctx context.Context, n notify.Notification) (notify.Report, error)
}

type inboxStore interface {
	List(ctx context.Context, userID string, limit int64) ([]inbox.Item, error)
	Clear(ctx context.Context, userID string) error
	Subscribe(ctx context.Context, userID string) (<-chan inbox.Item, error)
	Ping(ctx context.Context) error
}

type threadSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type roomServer interface {
	Serve(w http.ResponseWriter, r *http.Request, roomID string, id relay.Identity)
	Rooms() int
	Threads(roomID string) (*threads.Store, bool)
}

// Deps wires the service. Inbox is nil when Redis is not configured;
// Analytics observes every dispatched notification. SubjectWait bounds how
// long Notify waits for the relay to see the write a notification names.
type Deps struct {
	TokenSecret string
	Store       dataStore
	Dispatcher  dispatcher
	Inbox       inboxStore
	Search      threadSearcher
	Relay       roomServer
	Analytics   notify.Notifier
	SubjectWait time.Duration
}

type Service struct {
	signer      *auth.Signer
	store       dataStore
	dispatcher  dispatcher
	inbox       inboxStore
	search      threadSearcher
	relay       roomServer
	analytics   notify.Notifier
	subjectWait time.Duration
}

func New(deps Deps) *Service {
	wait := deps.SubjectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &Service{
		signer:      auth.NewSigner(deps.TokenSecret),
		store:       deps.Store,
		dispatcher:  deps.Dispatcher,
		inbox:       deps.Inbox,
		search:      deps.Search,
		relay:       deps.Relay,
		analytics:   deps.Analytics,
		subjectWait: wait,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) InboxConfigured() bool {
	return s.inbox != nil
}

func (s *Service) PingInbox(ctx context.Context) error {
	if s.inbox == nil {
		return nil
	}
	return s.inbox.Ping(ctx)
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:    token,
		UserID:   claims.Sub,
		UserName: claims.Name,
		OrgID:    claims.OrgID,
	}, nil
}

// Authorize resolves the caller's role in a room and checks it allows
// action. Unknown rooms and non-members both read as forbidden.
func (s *Service) Authorize(ctx context.Context, session Session, roomID string, action rbac.Action) (rbac.Role, error) {
	role, ok, err := s.store.RoomRole(ctx, roomID, session.UserID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domainError(http.StatusForbidden, "NOT_A_MEMBER", "You are not a member of this room", map[string]any{"roomId": roomID})
	}
	if !rbac.Can(role, action) {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"role": role, "action": action})
	}
	return role, nil
}

func (s *Service) Threads(ctx context.Context, session Session, roomID string) ([]store.ThreadRecord, error) {
	if _, err := s.Authorize(ctx, session, roomID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListThreads(ctx, roomID)
}

func (s *Service) SearchThreads(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if _, err := s.Authorize(ctx, session, q.RoomID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

// Notify dispatches a notification on behalf of its author. The caller
// must be the author and be allowed to comment in the room, and the thread
// and comments it names must exist when the room is open on the relay.
func (s *Service) Notify(ctx context.Context, session Session, n notify.Notification) (notify.Report, error) {
	if err := n.Validate(); err != nil {
		return notify.Report{}, err
	}
	if n.AuthorID != session.UserID {
		return notify.Report{}, domainError(http.StatusForbidden, "AUTHOR_MISMATCH", "Notifications can only be sent as yourself", nil)
	}
	action := rbac.ActionComment
	if n.Type() == notify.TypeResolve {
		action = rbac.ActionResolve
	}
	if _, err := s.Authorize(ctx, session, n.RoomID, action); err != nil {
		return notify.Report{}, err
	}
	if err := s.checkSubject(ctx, n); err != nil {
		return notify.Report{}, err
	}
	report, err := s.dispatcher.Dispatch(ctx, n)
	if err != nil {
		return notify.Report{}, err
	}
	if s.analytics != nil && !report.Duplicate {
		// analytics failures never fail the request
		_ = s.analytics.Notify(ctx, n)
	}
	return report, nil
}

// checkSubject looks the notification's thread and comments up in the
// room's server replica. The author's write can reach the relay after the
// request does, so a missing subject is waited for up to subjectWait.
// Rooms nobody has open are not checked.
func (s *Service) checkSubject(ctx context.Context, n notify.Notification) error {
	if s.relay == nil {
		return nil
	}
	room, ok := s.relay.Threads(n.RoomID)
	if !ok {
		return nil
	}
	changed := make(chan struct{}, 1)
	cancel := room.Subscribe(func(e threads.Event) {
		if e.ThreadID != n.ThreadID {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	timer := time.NewTimer(s.subjectWait)
	defer timer.Stop()
	for {
		err := subjectExists(room, n)
		if err == nil {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func subjectExists(room *threads.Store, n notify.Notification) error {
	thread, ok := room.Get(n.ThreadID)
	if !ok {
		return fmt.Errorf("thread %s: %w", n.ThreadID, threads.ErrThreadNotFound)
	}
	data := n.ActivityData()
	for _, id := range []string{data.CommentID, data.ReplyID} {
		if id != "" && !hasComment(thread, id) {
			return fmt.Errorf("comment %s in thread %s: %w", id, n.ThreadID, threads.ErrCommentNotFound)
		}
	}
	return nil
}

// hasComment matches top-level comments and replies, since a mention can
// be made in either.
func hasComment(thread threads.Thread, id string) bool {
	for _, c := range thread.Comments {
		if c.ID == id {
			return true
		}
		for _, r := range c.Replies {
			if r.ID == id {
				return true
			}
		}
	}
	return false
}

func (s *Service) Inbox(ctx context.Context, session Session, limit int64) ([]inbox.Item, error) {
	if s.inbox == nil {
		return nil, errInboxUnavailable
	}
	items, err := s.inbox.List(ctx, session.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	return items, nil
}

func (s *Service) ClearInbox(ctx context.Context, session Session) error {
	if s.inbox == nil {
		return errInboxUnavailable
	}
	return s.inbox.Clear(ctx, session.UserID)
}

func (s *Service) SubscribeInbox(ctx context.Context, session Session) (<-chan inbox.Item, error) {
	if s.inbox == nil {
		return nil, errInboxUnavailable
	}
	return s.inbox.Subscribe(ctx, session.UserID)
}

// ServeRoom hands an authorized connection to the relay. The role is read
// from membership, never from the token.
func (s *Service) ServeRoom(w http.ResponseWriter, r *http.Request, session Session, roomID string) error {
	if s.relay == nil {
		return domainError(http.StatusServiceUnavailable, "SYNC_UNAVAILABLE", "Sync is not configured", nil)
	}
	role, err := s.Authorize(r.Context(), session, roomID, rbac.ActionRead)
	if err != nil {
		return err
	}
	s.relay.Serve(w, r, roomID, relay.Identity{UserID: session.UserID, Name: session.UserName, Role: role})
	return nil
}

func (s *Service) OpenRooms() int {
	if s.relay == nil {
		return 0
	}
	return s.relay.Rooms()
}

var errInboxUnavailable = domainError(http.StatusServiceUnavailable, "INBOX_UNAVAILABLE", "Inbox is not configured", nil)

// Bootstrap seeds a demo organization and room when the store is empty.
func Bootstrap(ctx context.Context, st seedStore) error {
	count, err := st.CountDocuments(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	users := []store.User{
		{ID: "usr_avery", Name: "Avery", Email: "avery@quire.local"},
		{ID: "usr_blake", Name: "Blake", Email: "blake@quire.local"},
		{ID: "usr_casey", Name: "Casey", Email: "casey@quire.local"},
	}
	for _, user := range users {
		if err := st.UpsertUser(ctx, user); err != nil {
			return err
		}
	}
	if err := st.CreateOrganization(ctx, store.Organization{ID: "org_demo", Name: "Demo", OwnerID: "usr_avery"}); err != nil {
		return err
	}
	if err := st.AddMember(ctx, "org_demo", "usr_blake", rbac.RoleCommenter); err != nil {
		return err
	}
	if err := st.AddMember(ctx, "org_demo", "usr_casey", rbac.RoleViewer); err != nil {
		return err
	}
	if err := st.UpsertDocument(ctx, store.Document{ID: "room_welcome", Title: "Welcome", OwnerID: "usr_avery", OrganizationID: "org_demo"}); err != nil {
		return err
	}
	return nil
}

func isAuthError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken)
}
