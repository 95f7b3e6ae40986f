package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"quire/api/internal/auth"
	"quire/api/internal/crdt"
	"quire/api/internal/inbox"
	"quire/api/internal/log"
	"quire/api/internal/notify"
	"quire/api/internal/rbac"
	"quire/api/internal/relay"
	"quire/api/internal/search"
	"quire/api/internal/store"
	"quire/api/internal/threads"
)

const testSecret = "test-secret"

type fakeStore struct {
	pingFn  func(context.Context) error
	roles   map[string]rbac.Role
	threads map[string][]store.ThreadRecord
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) RoomRole(_ context.Context, roomID, userID string) (rbac.Role, bool, error) {
	role, ok := f.roles[roomID+"/"+userID]
	return role, ok, nil
}

func (f *fakeStore) ListThreads(_ context.Context, roomID string) ([]store.ThreadRecord, error) {
	records := f.threads[roomID]
	if records == nil {
		records = []store.ThreadRecord{}
	}
	return records, nil
}

type fakeDispatcher struct {
	dispatchFn func(context.Context, notify.Notification) (notify.Report, error)
	calls      []notify.Notification
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, n notify.Notification) (notify.Report, error) {
	f.calls = append(f.calls, n)
	if f.dispatchFn != nil {
		return f.dispatchFn(ctx, n)
	}
	return notify.Report{Recipients: 1, Delivered: 1}, nil
}

type fakeInbox struct {
	items   map[string][]inbox.Item
	cleared []string
	pingErr error
}

func (f *fakeInbox) List(_ context.Context, userID string, _ int64) ([]inbox.Item, error) {
	return f.items[userID], nil
}

func (f *fakeInbox) Clear(_ context.Context, userID string) error {
	f.cleared = append(f.cleared, userID)
	return nil
}

func (f *fakeInbox) Subscribe(context.Context, string) (<-chan inbox.Item, error) {
	out := make(chan inbox.Item)
	close(out)
	return out, nil
}

func (f *fakeInbox) Ping(context.Context) error {
	return f.pingErr
}

type fakeSearch struct {
	last search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.last = q
	return search.Response{
		Results: []search.Result{{ThreadID: "thread_1", RoomID: q.RoomID, Snippet: "<mark>" + q.Text + "</mark>"}},
		Total:   1,
		Query:   q.Text,
	}
}

type fakeRelay struct {
	served []relay.Identity
	open   map[string]*threads.Store
}

func (f *fakeRelay) Serve(w http.ResponseWriter, _ *http.Request, roomID string, id relay.Identity) {
	f.served = append(f.served, id)
	writeJSON(w, http.StatusOK, map[string]any{"room": roomID})
}

func (f *fakeRelay) Rooms() int {
	return len(f.served)
}

func (f *fakeRelay) Threads(roomID string) (*threads.Store, bool) {
	room, ok := f.open[roomID]
	return room, ok
}

// openRoom gives the fake relay a live replica for roomID.
func (f *fakeRelay) openRoom(t *testing.T, roomID string) *threads.Store {
	t.Helper()
	room := threads.New(crdt.NewMap("srv-"+roomID), nil)
	t.Cleanup(room.Close)
	if f.open == nil {
		f.open = map[string]*threads.Store{}
	}
	f.open[roomID] = room
	return room
}

type notifierFunc func(context.Context, notify.Notification) error

func (f notifierFunc) Notify(ctx context.Context, n notify.Notification) error {
	return f(ctx, n)
}

type fixture struct {
	analytics  []notify.Notification
	store      *fakeStore
	dispatcher *fakeDispatcher
	inbox      *fakeInbox
	search     *fakeSearch
	relay      *fakeRelay
	handler    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &fakeStore{roles: map[string]rbac.Role{
			"room_1/ava": rbac.RoleAdmin,
			"room_1/ben": rbac.RoleCommenter,
			"room_1/cy":  rbac.RoleViewer,
		}},
		dispatcher: &fakeDispatcher{},
		inbox:      &fakeInbox{items: map[string][]inbox.Item{}},
		search:     &fakeSearch{},
		relay:      &fakeRelay{},
	}
	analytics := notifierFunc(func(_ context.Context, n notify.Notification) error {
		f.analytics = append(f.analytics, n)
		return errors.New("analytics down")
	})
	svc := New(Deps{
		TokenSecret: testSecret,
		Store:       f.store,
		Dispatcher:  f.dispatcher,
		Inbox:       f.inbox,
		Search:      f.search,
		Relay:       f.relay,
		Analytics:   notify.NewMergedNotifier(analytics),
		SubjectWait: 300 * time.Millisecond,
	})
	f.handler = NewHTTPServer(svc, "*", log.Discard()).Handler()
	return f
}

func tokenFor(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := auth.NewSigner(testSecret).Issue(userID, name, "org_1", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ok := decode(t, rr)["ok"]; ok != true {
		t.Fatalf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		inboxErr error
		want     int
	}{
		{name: "ready", want: http.StatusOK},
		{name: "database down", pingErr: errors.New("connection refused"), want: http.StatusServiceUnavailable},
		{name: "inbox down stays ready", inboxErr: errors.New("redis down"), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.pingFn = func(context.Context) error { return tt.pingErr }
			f.inbox.pingErr = tt.inboxErr

			rr := f.do(t, http.MethodGet, "/api/ready", "", nil)
			if rr.Code != tt.want {
				t.Fatalf("expected status %d, got %d body=%s", tt.want, rr.Code, rr.Body.String())
			}
			checks, _ := decode(t, rr)["checks"].(map[string]any)
			inboxCheck, _ := checks["inbox"].(map[string]any)
			wantInbox := "ok"
			if tt.inboxErr != nil {
				wantInbox = "error"
			}
			if inboxCheck["status"] != wantInbox {
				t.Fatalf("expected inbox status %s, got %v", wantInbox, inboxCheck["status"])
			}
		})
	}
}

func TestRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/rooms/room_1/threads"},
		{http.MethodGet, "/api/rooms/room_1/threads/search?q=x"},
		{http.MethodGet, "/api/rooms/room_1/sync"},
		{http.MethodPost, "/api/notifications"},
		{http.MethodGet, "/api/inbox"},
	}
	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			rr := f.do(t, route.method, route.path, "", nil)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			rr = f.do(t, route.method, route.path, "garbage.token", nil)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401 for bad token, got %d", rr.Code)
			}
		})
	}
}

func TestThreadsRequireMembership(t *testing.T) {
	f := newFixture(t)
	f.store.threads = map[string][]store.ThreadRecord{
		"room_1": {{ID: "thread_1", RoomID: "room_1", From: 2, To: 6, CommentCount: 1, Payload: json.RawMessage(`{}`)}},
	}

	rr := f.do(t, http.MethodGet, "/api/rooms/room_1/threads", tokenFor(t, "dan", "Dan"), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", rr.Code)
	}
	if code := decode(t, rr)["code"]; code != "NOT_A_MEMBER" {
		t.Fatalf("expected NOT_A_MEMBER, got %v", code)
	}

	rr = f.do(t, http.MethodGet, "/api/rooms/room_1/threads", tokenFor(t, "cy", "Cy"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for viewer, got %d body=%s", rr.Code, rr.Body.String())
	}
	threads, _ := decode(t, rr)["threads"].([]any)
	if len(threads) != 1 {
		t.Fatalf("expected one thread, got %v", threads)
	}
}

func TestSearchThreads(t *testing.T) {
	f := newFixture(t)
	token := tokenFor(t, "ben", "Ben")

	rr := f.do(t, http.MethodGet, "/api/rooms/room_1/threads/search?q=fox&resolved=true&limit=5&offset=10", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	want := search.Query{RoomID: "room_1", Text: "fox", IncludeResolved: true, Limit: 5, Offset: 10}
	if f.search.last != want {
		t.Fatalf("unexpected query: %+v", f.search.last)
	}

	rr = f.do(t, http.MethodGet, "/api/rooms/room_1/threads/search?q=%20", token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for blank query, got %d", rr.Code)
	}
}

func notificationBody(t *testing.T, authorID string, activity notify.Activity) []byte {
	t.Helper()
	return notificationAbout(t, "thread_1", authorID, activity)
}

func notificationAbout(t *testing.T, threadID, authorID string, activity notify.Activity) []byte {
	t.Helper()
	n, err := notify.New("room_1", threadID, authorID, authorID, activity, time.UnixMilli(1_700_000_000_000))
	if err != nil {
		t.Fatalf("build notification: %v", err)
	}
	body, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("encode notification: %v", err)
	}
	return body
}

func TestNotifyEndpoint(t *testing.T) {
	comment := notify.CommentAdded{CommentID: "comment_1", Content: "hi"}
	tests := []struct {
		name     string
		token    string
		body     []byte
		want     int
		wantCode string
		dispatch bool
	}{
		{name: "author dispatches", token: "ben", body: notificationBody(t, "ben", comment), want: http.StatusAccepted, dispatch: true},
		{name: "resolve by commenter", token: "ben", body: notificationBody(t, "ben", notify.Resolved{}), want: http.StatusAccepted, dispatch: true},
		{name: "impersonation", token: "ben", body: notificationBody(t, "ava", comment), want: http.StatusForbidden, wantCode: "AUTHOR_MISMATCH"},
		{name: "viewer cannot comment", token: "cy", body: notificationBody(t, "cy", comment), want: http.StatusForbidden, wantCode: "FORBIDDEN"},
		{name: "outsider", token: "dan", body: notificationBody(t, "dan", comment), want: http.StatusForbidden, wantCode: "NOT_A_MEMBER"},
		{name: "unknown type", token: "ben", body: []byte(`{"kind":"$thread","type":"vote","roomId":"room_1","threadId":"t","authorId":"ben"}`), want: http.StatusUnprocessableEntity, wantCode: "INVALID_NOTIFICATION"},
		{name: "not json", token: "ben", body: []byte(`{`), want: http.StatusBadRequest, wantCode: "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rr := f.do(t, http.MethodPost, "/api/notifications", tokenFor(t, tt.token, tt.token), tt.body)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rr.Code, rr.Body.String())
			}
			if tt.wantCode != "" {
				if code := decode(t, rr)["code"]; code != tt.wantCode {
					t.Fatalf("expected code %s, got %v", tt.wantCode, code)
				}
			}
			if dispatched := len(f.dispatcher.calls) == 1; dispatched != tt.dispatch {
				t.Fatalf("dispatched = %v, want %v", dispatched, tt.dispatch)
			}
			if observed := len(f.analytics) == 1; observed != tt.dispatch {
				t.Fatalf("analytics observed = %v, want %v", observed, tt.dispatch)
			}
		})
	}
}

func TestNotifyChecksSubjectInOpenRoom(t *testing.T) {
	f := newFixture(t)
	room := f.relay.openRoom(t, "room_1")
	threadID, err := room.CreateThread(0, 4, threads.CommentInput{Content: "first", AuthorID: "ava", AuthorName: "Ava"})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	thread, _ := room.Get(threadID)
	commentID := thread.Comments[0].ID
	replyID, err := room.ReplyToComment(threadID, commentID, "hey @ben", "ben", "Ben")
	if err != nil {
		t.Fatalf("ReplyToComment() error = %v", err)
	}

	tests := []struct {
		name     string
		body     []byte
		want     int
		wantCode string
	}{
		{name: "comment exists", body: notificationAbout(t, threadID, "ben", notify.CommentAdded{CommentID: commentID}), want: http.StatusAccepted},
		{name: "reply exists", body: notificationAbout(t, threadID, "ben", notify.ReplyAdded{CommentID: commentID, ReplyID: replyID}), want: http.StatusAccepted},
		{name: "mention in a reply", body: notificationAbout(t, threadID, "ben", notify.Mention{CommentID: replyID, MentionUserID: "ava"}), want: http.StatusAccepted},
		{name: "resolve", body: notificationAbout(t, threadID, "ben", notify.Resolved{}), want: http.StatusAccepted},
		{name: "unknown thread", body: notificationAbout(t, "thread_missing", "ben", notify.Resolved{}), want: http.StatusNotFound, wantCode: "THREAD_NOT_FOUND"},
		{name: "unknown comment", body: notificationAbout(t, threadID, "ben", notify.CommentAdded{CommentID: "comment_missing"}), want: http.StatusNotFound, wantCode: "COMMENT_NOT_FOUND"},
		{name: "unknown reply", body: notificationAbout(t, threadID, "ben", notify.ReplyAdded{CommentID: commentID, ReplyID: "reply_missing"}), want: http.StatusNotFound, wantCode: "COMMENT_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.dispatcher.calls = nil
			rr := f.do(t, http.MethodPost, "/api/notifications", tokenFor(t, "ben", "Ben"), tt.body)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rr.Code, rr.Body.String())
			}
			if tt.wantCode != "" {
				if code := decode(t, rr)["code"]; code != tt.wantCode {
					t.Fatalf("expected code %s, got %v", tt.wantCode, code)
				}
				if len(f.dispatcher.calls) != 0 {
					t.Fatal("notification about a missing subject was dispatched")
				}
			}
		})
	}
}

func TestNotifyWaitsForTrailingWrite(t *testing.T) {
	f := newFixture(t)
	server := crdt.NewMap("srv")
	room := threads.New(server, nil)
	defer room.Close()
	f.relay.open = map[string]*threads.Store{"room_1": room}

	// ben's replica has the thread; the relay has not received it yet
	local := crdt.NewMap("ben")
	author := threads.New(local, nil)
	defer author.Close()
	threadID, err := author.CreateThread(0, 4, threads.CommentInput{Content: "first", AuthorID: "ben", AuthorName: "Ben"})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	thread, _ := author.Get(threadID)
	pending := local.Drain()
	go func() {
		time.Sleep(30 * time.Millisecond)
		server.Apply(pending)
	}()

	rr := f.do(t, http.MethodPost, "/api/notifications", tokenFor(t, "ben", "Ben"),
		notificationAbout(t, threadID, "ben", notify.CommentAdded{CommentID: thread.Comments[0].ID}))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestNotifyDuplicateReportsOK(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.dispatchFn = func(context.Context, notify.Notification) (notify.Report, error) {
		return notify.Report{Duplicate: true}, nil
	}
	body := notificationBody(t, "ben", notify.CommentAdded{CommentID: "comment_1"})
	rr := f.do(t, http.MethodPost, "/api/notifications", tokenFor(t, "ben", "Ben"), body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rr.Code)
	}
	if decode(t, rr)["duplicate"] != true {
		t.Fatalf("expected duplicate flag, body=%s", rr.Body.String())
	}
	if len(f.analytics) != 0 {
		t.Fatal("duplicates must not reach analytics")
	}
}

func TestInboxListAndClear(t *testing.T) {
	f := newFixture(t)
	f.inbox.items["ben"] = []inbox.Item{{Delivery: notify.Delivery{Kind: notify.Kind, UserID: "ben", RoomID: "room_1", SubjectID: "thread_1", Key: "k|ben"}}}
	token := tokenFor(t, "ben", "Ben")

	rr := f.do(t, http.MethodGet, "/api/inbox", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	items, _ := decode(t, rr)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one item, got %v", items)
	}

	rr = f.do(t, http.MethodDelete, "/api/inbox", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on clear, got %d", rr.Code)
	}
	if len(f.inbox.cleared) != 1 || f.inbox.cleared[0] != "ben" {
		t.Fatalf("expected ben's inbox cleared, got %v", f.inbox.cleared)
	}
}

func TestInboxUnavailable(t *testing.T) {
	svc := New(Deps{TokenSecret: testSecret, Store: &fakeStore{}})
	handler := NewHTTPServer(svc, "*", log.Discard()).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/inbox", nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, "ben", "Ben"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestSyncUsesMembershipRole(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/rooms/room_1/sync?token="+tokenFor(t, "ben", "Ben"), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected relay to serve, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodGet, "/api/rooms/room_1/sync", tokenFor(t, "cy", "Cy"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected viewer to connect, got %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/api/rooms/room_1/sync", tokenFor(t, "dan", "Dan"), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected outsider rejected, got %d", rr.Code)
	}

	want := []relay.Identity{
		{UserID: "ben", Name: "Ben", Role: rbac.RoleCommenter},
		{UserID: "cy", Name: "Cy", Role: rbac.RoleViewer},
	}
	if len(f.relay.served) != len(want) {
		t.Fatalf("unexpected identities: %+v", f.relay.served)
	}
	for i := range want {
		if f.relay.served[i] != want[i] {
			t.Fatalf("identity %d = %+v, want %+v", i, f.relay.served[i], want[i])
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/api/rooms/room_1/nope", tokenFor(t, "ben", "Ben"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/api/notifications", tokenFor(t, "ben", "Ben"), nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestBootstrapSeedsOnce(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "quire.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := store.ApplyMigrations(ctx, db, store.Migrations("")); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(db)

	for i := 0; i < 2; i++ {
		if err := Bootstrap(ctx, st); err != nil {
			t.Fatalf("bootstrap %d: %v", i, err)
		}
	}
	count, err := st.CountDocuments(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected one seeded document, got %d, %v", count, err)
	}
	role, ok, err := st.RoomRole(ctx, "room_welcome", "usr_blake")
	if err != nil || !ok || role != rbac.RoleCommenter {
		t.Fatalf("RoomRole() = %q, %v, %v", role, ok, err)
	}
}
