package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quire/api/internal/crdt"
	"quire/api/internal/log"
	"quire/api/internal/rbac"
	"quire/api/internal/snapshot"
	"quire/api/internal/threads"
)

type testRelay struct {
	hub    *Hub
	server *httptest.Server
	snaps  *snapshot.Snapshots
}

// identities come from headers here; the app layer verifies tokens.
func newTestRelay(t *testing.T, cfg Config) *testRelay {
	t.Helper()
	snaps := snapshot.New(snapshot.NewMemoryStore())
	if cfg.Snapshots == nil {
		cfg.Snapshots = snaps
	}
	cfg.Logger = log.Discard()
	hub := NewHub(cfg)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-User")
		if user == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		hub.Serve(w, r, r.URL.Query().Get("room"), Identity{UserID: user, Role: rbac.Role(r.Header.Get("X-Role"))})
	}))
	t.Cleanup(func() {
		server.Close()
		hub.Close()
	})
	return &testRelay{hub: hub, server: server, snaps: snaps}
}

func (r *testRelay) url(room string) string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/?room=" + room
}

type peerClient struct {
	client  *Client
	m       *crdt.Map
	threads *threads.Store
	mu      sync.Mutex
	errors  []string
}

func (p *peerClient) errs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.errors...)
}

func (r *testRelay) connect(t *testing.T, room, user string, role rbac.Role) *peerClient {
	t.Helper()
	p := &peerClient{}
	m := crdt.NewMap("client-" + user)
	cfg := ClientConfig{
		URL:      r.url(room),
		Attempts: 1,
		Logger:   log.Discard(),
		OnError: func(msg string) {
			p.mu.Lock()
			p.errors = append(p.errors, msg)
			p.mu.Unlock()
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := dialWithHeaders(ctx, cfg, m, http.Header{"X-User": {user}, "X-Role": {string(role)}})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	p.client = client
	p.m = m
	p.threads = threads.New(m, nil)
	t.Cleanup(func() {
		p.threads.Close()
		_ = client.Close()
	})
	return p
}

func dialWithHeaders(ctx context.Context, cfg ClientConfig, m *crdt.Map, h http.Header) (*Client, error) {
	cfg.Header = h
	return Dial(ctx, cfg, m)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func input(user, content string) threads.CommentInput {
	return threads.CommentInput{Content: content, AuthorID: user, AuthorName: user}
}

func TestClientsConverge(t *testing.T) {
	r := newTestRelay(t, Config{})
	ava := r.connect(t, "room_1", "ava", rbac.RoleEditor)
	ben := r.connect(t, "room_1", "ben", rbac.RoleCommenter)

	id, err := ava.threads.CreateThread(0, 4, input("ava", "first"))
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	eventually(t, "ben to see the thread", func() bool {
		_, ok := ben.threads.Get(id)
		return ok
	})

	if _, err := ben.threads.AddComment(id, "second", "ben", "ben"); err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	eventually(t, "ava to see the comment", func() bool {
		thread, ok := ava.threads.Get(id)
		return ok && len(thread.Comments) == 2
	})

	server, ok := r.hub.Threads("room_1")
	if !ok {
		t.Fatal("room not loaded on the server")
	}
	eventually(t, "server replica to converge", func() bool {
		thread, ok := server.Get(id)
		return ok && len(thread.Comments) == 2
	})
}

func TestLateJoinerReceivesSnapshot(t *testing.T) {
	r := newTestRelay(t, Config{})
	ava := r.connect(t, "room_1", "ava", rbac.RoleEditor)
	id, err := ava.threads.CreateThread(1, 3, input("ava", "early"))
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	server, _ := r.hub.Threads("room_1")
	eventually(t, "server to receive the thread", func() bool {
		_, ok := server.Get(id)
		return ok
	})

	cy := r.connect(t, "room_1", "cy", rbac.RoleViewer)
	if _, ok := cy.threads.Get(id); !ok {
		t.Fatal("late joiner should have the thread right after Dial")
	}
}

func TestViewerWritesAreRejected(t *testing.T) {
	r := newTestRelay(t, Config{})
	viewer := r.connect(t, "room_1", "vic", rbac.RoleViewer)
	editor := r.connect(t, "room_1", "ava", rbac.RoleEditor)

	id, err := viewer.threads.CreateThread(0, 2, input("vic", "sneaky"))
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	eventually(t, "viewer to be told", func() bool { return len(viewer.errs()) > 0 })
	if !strings.Contains(viewer.errs()[0], "forbidden") {
		t.Fatalf("unexpected error: %v", viewer.errs())
	}

	server, _ := r.hub.Threads("room_1")
	if _, ok := server.Get(id); ok {
		t.Fatal("server accepted a viewer write")
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := editor.threads.Get(id); ok {
		t.Fatal("viewer write was relayed")
	}
}

func TestImpersonationIsRejected(t *testing.T) {
	r := newTestRelay(t, Config{})
	ben := r.connect(t, "room_1", "ben", rbac.RoleCommenter)

	if _, err := ben.threads.CreateThread(0, 2, input("ava", "not really ava")); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	eventually(t, "rejection", func() bool { return len(ben.errs()) > 0 })

	server, _ := r.hub.Threads("room_1")
	if len(server.List()) != 0 {
		t.Fatalf("server accepted impersonated thread: %+v", server.List())
	}
}

func TestRoomIsSavedAndRehydrated(t *testing.T) {
	var opened, released atomic.Int32
	r := newTestRelay(t, Config{
		OnOpen: func(string, *threads.Store) func() {
			opened.Add(1)
			return func() { released.Add(1) }
		},
	})

	ava := r.connect(t, "room_1", "ava", rbac.RoleEditor)
	id, err := ava.threads.CreateThread(0, 5, input("ava", "persist me"))
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	server, _ := r.hub.Threads("room_1")
	eventually(t, "server to receive the thread", func() bool {
		_, ok := server.Get(id)
		return ok
	})

	if err := ava.client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	eventually(t, "room to unload", func() bool { return r.hub.Rooms() == 0 && released.Load() == 1 })

	ops, err := r.snaps.Load(context.Background(), "room_1")
	if err != nil || len(ops) == 0 {
		t.Fatalf("expected saved snapshot, got %d ops, err %v", len(ops), err)
	}

	ben := r.connect(t, "room_1", "ben", rbac.RoleViewer)
	if _, ok := ben.threads.Get(id); !ok {
		t.Fatal("rehydrated room lost the thread")
	}
	if opened.Load() != 2 {
		t.Fatalf("expected room to open twice, got %d", opened.Load())
	}
}

func TestDialRejectsUnauthorized(t *testing.T) {
	r := newTestRelay(t, Config{})
	_, err := Dial(context.Background(), ClientConfig{URL: r.url("room_1"), Attempts: 3, Logger: log.Discard()}, crdt.NewMap("x"))
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

type failingSnapshots struct{}

func (failingSnapshots) Load(context.Context, string) ([]crdt.Op, error) {
	return nil, errors.New("bucket gone")
}

func (failingSnapshots) Save(context.Context, string, []crdt.Op) error { return nil }

func TestRoomLoadFailureIsReported(t *testing.T) {
	r := newTestRelay(t, Config{Snapshots: failingSnapshots{}})
	_, err := dialWithHeaders(context.Background(), ClientConfig{URL: r.url("room_1"), Attempts: 1, Logger: log.Discard()},
		crdt.NewMap("x"), http.Header{"X-User": {"ava"}, "X-Role": {"editor"}})
	if err == nil || !strings.Contains(err.Error(), "room unavailable") {
		t.Fatalf("expected room unavailable, got %v", err)
	}
	if r.hub.Rooms() != 0 {
		t.Fatal("failed room should not stay loaded")
	}
}

func TestActionFor(t *testing.T) {
	cases := []struct {
		name string
		op   crdt.Op
		want rbac.Action
	}{
		{name: "create thread", op: crdt.Op{Key: "thread:t1"}, want: rbac.ActionComment},
		{name: "comment", op: crdt.Op{Key: "comment:t1:c1"}, want: rbac.ActionComment},
		{name: "reply", op: crdt.Op{Key: "reply:t1:c1:r1"}, want: rbac.ActionComment},
		{name: "resolve", op: crdt.Op{Key: "resolved:t1"}, want: rbac.ActionResolve},
		{name: "delete thread", op: crdt.Op{Key: "thread:t1", Deleted: true}, want: rbac.ActionDelete},
		{name: "delete comment", op: crdt.Op{Key: "comment:t1:c1", Deleted: true}, want: rbac.ActionDelete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ActionFor(tc.op)
			if err != nil {
				t.Fatalf("ActionFor() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("ActionFor() = %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := ActionFor(crdt.Op{Key: "settings:theme"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("unknown keys must be rejected, got %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	state := crdt.NewMap("srv")
	ts := threads.New(state, nil)
	defer ts.Close()
	live, err := ts.CreateThread(0, 4, input("ava", "keep me"))
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	thread, _ := ts.Get(live)
	avaComment := "comment:" + live + ":" + thread.Comments[0].ID
	stored, _ := state.Entry(avaComment)
	dead, _ := ts.CreateThread(5, 8, input("ava", "gone"))
	ts.DeleteThread(dead)

	record := func(author string) json.RawMessage {
		raw, _ := json.Marshal(map[string]string{"authorId": author, "createdBy": author, "content": "x"})
		return raw
	}
	ben := Identity{UserID: "ben", Role: rbac.RoleCommenter}
	ava := Identity{UserID: "ava", Role: rbac.RoleEditor}
	late := crdt.Clock{Counter: 99, Replica: "ben"}

	cases := []struct {
		name  string
		id    Identity
		op    crdt.Op
		allow bool
	}{
		{"own comment", ben, crdt.Op{Key: "comment:" + live + ":c_ben", Value: record("ben"), Clock: late}, true},
		{"comment as someone else", ben, crdt.Op{Key: "comment:" + live + ":c_ben", Value: record("ava"), Clock: late}, false},
		{"overwrite existing comment", ben, crdt.Op{Key: avaComment, Value: record("ben"), Clock: late}, false},
		{"resend of a stored comment", ava, stored, true},
		{"reply to existing comment", ben, crdt.Op{Key: "reply:" + live + ":" + thread.Comments[0].ID + ":r1", Value: record("ben"), Clock: late}, true},
		{"reply to missing comment", ben, crdt.Op{Key: "reply:" + live + ":nope:r1", Value: record("ben"), Clock: late}, false},
		{"rewrite thread header", ben, crdt.Op{Key: "thread:" + live, Value: record("ben"), Clock: late}, false},
		{"new thread header", ben, crdt.Op{Key: "thread:t_new", Value: record("ben"), Clock: late}, true},
		{"comment on deleted thread", ben, crdt.Op{Key: "comment:" + dead + ":c_ben", Value: record("ben"), Clock: late}, false},
		{"resolve", ben, crdt.Op{Key: "resolved:" + live, Value: json.RawMessage(`true`), Clock: late}, true},
		{"resolve deleted thread", ben, crdt.Op{Key: "resolved:" + dead, Value: json.RawMessage(`true`), Clock: late}, false},
		{"commenter deletes thread", ben, crdt.Op{Key: "thread:" + live, Deleted: true, Clock: late}, false},
		{"commenter clears leftovers of deleted thread", ben, crdt.Op{Key: "comment:" + dead + ":c_old", Deleted: true, Clock: late}, true},
		{"editor deletes thread", ava, crdt.Op{Key: "thread:" + live, Deleted: true, Clock: late}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Authorize(tc.id, tc.op, state)
			if tc.allow && err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if !tc.allow && !errors.Is(err, ErrForbidden) {
				t.Fatalf("expected ErrForbidden, got %v", err)
			}
		})
	}
}

func TestCommentsCannotBeOverwritten(t *testing.T) {
	r := newTestRelay(t, Config{})
	ava := r.connect(t, "room_1", "ava", rbac.RoleEditor)
	ben := r.connect(t, "room_1", "ben", rbac.RoleCommenter)

	id, err := ava.threads.CreateThread(0, 4, input("ava", "original"))
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	eventually(t, "ben to see the thread", func() bool {
		_, ok := ben.threads.Get(id)
		return ok
	})
	thread, _ := ben.threads.Get(id)
	target := thread.Comments[0]

	forged := target
	forged.AuthorID = "ben"
	forged.Content = "replaced by ben"
	raw, _ := json.Marshal(forged)
	ben.m.Set("comment:"+id+":"+target.ID, raw)

	eventually(t, "ben to be told", func() bool { return len(ben.errs()) > 0 })
	server, _ := r.hub.Threads("room_1")
	got, _ := server.Get(id)
	if len(got.Comments) != 1 || got.Comments[0].AuthorID != "ava" || got.Comments[0].Content != "original" {
		t.Fatalf("server comment was rewritten: %+v", got.Comments)
	}
	time.Sleep(50 * time.Millisecond)
	if seen, _ := ava.threads.Get(id); seen.Comments[0].Content != "original" {
		t.Fatalf("rewrite was relayed to ava: %+v", seen.Comments)
	}
}

func TestUnsentOpsSurviveDroppedConnection(t *testing.T) {
	r := newTestRelay(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := crdt.NewMap("client-ava")
	ts := threads.New(m, nil)
	defer ts.Close()
	cfg := ClientConfig{URL: r.url("room_1"), Attempts: 1, Logger: log.Discard()}
	headers := http.Header{"X-User": {"ava"}, "X-Role": {"editor"}}

	first, err := dialWithHeaders(ctx, cfg, m, headers)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	_ = first.conn.Close()
	<-first.Done()

	id, err := ts.CreateThread(0, 3, input("ava", "written offline"))
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if err := first.Flush(); err == nil {
		t.Fatal("expected Flush on a dead connection to fail")
	}
	_ = first.Close()

	second, err := dialWithHeaders(ctx, cfg, m, headers)
	if err != nil {
		t.Fatalf("second Dial() error = %v", err)
	}
	defer second.Close()

	eventually(t, "server to receive the offline thread", func() bool {
		server, ok := r.hub.Threads("room_1")
		if !ok {
			return false
		}
		_, ok = server.Get(id)
		return ok
	})
}
