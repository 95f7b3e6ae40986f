// Package relay replicates the thread map of each room between connected
// clients over websockets. The server keeps its own replica per room so
// late joiners receive the full state, and persists it when the room
// empties.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quire/api/internal/crdt"
	"quire/api/internal/threads"
	"quire/api/internal/util"
)

type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageOps      MessageType = "ops"
	MessageError    MessageType = "error"
)

// Message is the single frame format in both directions.
type Message struct {
	Type  MessageType `json:"type"`
	Room  string      `json:"room,omitempty"`
	Ops   []crdt.Op   `json:"ops,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Snapshotter persists room state between sessions.
type Snapshotter interface {
	Load(ctx context.Context, roomID string) ([]crdt.Op, error)
	Save(ctx context.Context, roomID string, ops []crdt.Op) error
}

// OpenFunc runs when a room is loaded on this server. The returned
// function runs once the room unloads.
type OpenFunc func(roomID string, ts *threads.Store) (release func())

type Config struct {
	Snapshots    Snapshotter
	OnOpen       OpenFunc
	Logger       *slog.Logger
	PingInterval time.Duration
	SaveTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	rooms   map[string]*room
	closing map[string]*room
}

func NewHub(cfg Config) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Hub{cfg: cfg, logger: cfg.Logger, rooms: map[string]*room{}, closing: map[string]*room{}}
}

type room struct {
	id      string
	m       *crdt.Map
	threads *threads.Store
	release func()

	ready    chan struct{}
	err      error
	unloaded chan struct{}
	once     sync.Once

	mu    sync.Mutex
	peers map[*peer]struct{}
	refs  int

	// applyMu serializes check-then-apply of incoming batches
	applyMu sync.Mutex
}

type peer struct {
	id   Identity
	send chan Message
	once sync.Once
	gone chan struct{}
}

func (p *peer) close() {
	p.once.Do(func() { close(p.gone) })
}

// enqueue never blocks; a peer that cannot keep up is disconnected.
func (p *peer) enqueue(msg Message) bool {
	select {
	case <-p.gone:
		return false
	default:
	}
	select {
	case p.send <- msg:
		return true
	default:
		p.close()
		return false
	}
}

// Rooms reports how many rooms are loaded.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Threads returns the server replica of a loaded room.
func (h *Hub) Threads(roomID string) (*threads.Store, bool) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-r.ready
	if r.err != nil {
		return nil, false
	}
	return r.threads, true
}

func (h *Hub) acquire(ctx context.Context, roomID string) (*room, error) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if ok {
		r.mu.Lock()
		r.refs++
		r.mu.Unlock()
		h.mu.Unlock()
		<-r.ready
		if r.err != nil {
			h.releaseRoom(r)
			return nil, r.err
		}
		return r, nil
	}

	r = &room{
		id:       roomID,
		m:        crdt.NewMap(util.NewID("srv")),
		ready:    make(chan struct{}),
		unloaded: make(chan struct{}),
		peers:    map[*peer]struct{}{},
		refs:     1,
	}
	h.rooms[roomID] = r
	prev := h.closing[roomID]
	h.mu.Unlock()

	// a previous instance of the room may still be saving its snapshot
	if prev != nil {
		<-prev.unloaded
	}
	r.err = h.hydrate(ctx, r)
	close(r.ready)
	if r.err != nil {
		h.releaseRoom(r)
		return nil, r.err
	}
	return r, nil
}

func (h *Hub) hydrate(ctx context.Context, r *room) error {
	if h.cfg.Snapshots != nil {
		ops, err := h.cfg.Snapshots.Load(ctx, r.id)
		if err != nil {
			return err
		}
		r.m.Apply(ops)
	}
	r.threads = threads.New(r.m, nil)
	if h.cfg.OnOpen != nil {
		r.release = h.cfg.OnOpen(r.id, r.threads)
	}
	h.logger.Info("room loaded", "room", r.id, "threads", len(r.threads.List()))
	return nil
}

func (h *Hub) releaseRoom(r *room) {
	h.mu.Lock()
	r.mu.Lock()
	r.refs--
	last := r.refs == 0
	r.mu.Unlock()
	if last && h.rooms[r.id] == r {
		delete(h.rooms, r.id)
		if r.err == nil {
			h.closing[r.id] = r
		}
	}
	h.mu.Unlock()

	if !last || r.err != nil {
		return
	}
	h.unload(r)
}

func (h *Hub) unload(r *room) {
	r.once.Do(func() {
		h.teardown(r)
		h.mu.Lock()
		if h.closing[r.id] == r {
			delete(h.closing, r.id)
		}
		h.mu.Unlock()
		close(r.unloaded)
	})
}

func (h *Hub) teardown(r *room) {
	if h.cfg.Snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SaveTimeout)
		defer cancel()
		if err := h.cfg.Snapshots.Save(ctx, r.id, r.m.Snapshot()); err != nil {
			h.logger.Error("failed to save room snapshot", "room", r.id, "err", err)
		}
	}
	r.threads.Close()
	if r.release != nil {
		r.release()
	}
	h.logger.Info("room unloaded", "room", r.id)
}

// Serve upgrades the request and replicates roomID with the client until
// either side goes away. The caller has already authenticated id.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, roomID string, id Identity) {
	l := h.logger.With("room", roomID, "user", id.UserID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}

	rm, err := h.acquire(r.Context(), roomID)
	if err != nil {
		l.Error("failed to load room", "err", err)
		_ = conn.WriteJSON(Message{Type: MessageError, Room: roomID, Error: "room unavailable"})
		_ = conn.Close()
		return
	}

	p := &peer{id: id, send: make(chan Message, h.cfg.SendBuffer), gone: make(chan struct{})}

	// join before taking the snapshot: ops applied in between arrive
	// twice, which is harmless
	rm.mu.Lock()
	rm.peers[p] = struct{}{}
	rm.mu.Unlock()
	p.enqueue(Message{Type: MessageSnapshot, Room: roomID, Ops: rm.m.Snapshot()})

	// the http server's deadlines survive the hijack; keepalive owns them now
	pongWait := 2 * h.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx, cancel := context.WithCancel(r.Context())
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) {
					l.Debug("failed to read", "err", err)
				}
				return
			}
			h.receive(rm, p, msg, l)
		}
	}()

	h.writeLoop(ctx, conn, p, l)

	cancel()
	_ = conn.Close()
	<-readerDone

	rm.mu.Lock()
	delete(rm.peers, p)
	rm.mu.Unlock()
	h.releaseRoom(rm)
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, p *peer, l *slog.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.gone:
			l.Warn("dropping slow peer")
			return
		case msg := <-p.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				l.Debug("failed to write", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Debug("failed to write control", "err", err)
				return
			}
		}
	}
}

func (h *Hub) receive(rm *room, from *peer, msg Message, l *slog.Logger) {
	if msg.Type != MessageOps {
		from.enqueue(Message{Type: MessageError, Room: rm.id, Error: "unsupported message type"})
		return
	}
	if len(msg.Ops) == 0 {
		return
	}

	rm.applyMu.Lock()
	defer rm.applyMu.Unlock()

	state := newBatchState(rm.m)
	for _, op := range msg.Ops {
		if err := Authorize(from.id, op, state); err != nil {
			l.Warn("rejected write", "key", op.Key, "err", err)
			from.enqueue(Message{Type: MessageError, Room: rm.id, Error: err.Error()})
			return
		}
		state.add(op)
	}

	if rm.m.Apply(msg.Ops) == 0 {
		return
	}
	// the server replica may have cleaned up after a deleted thread
	cleanup := rm.m.Drain()

	rm.mu.Lock()
	peers := make([]*peer, 0, len(rm.peers))
	for p := range rm.peers {
		peers = append(peers, p)
	}
	rm.mu.Unlock()

	out := Message{Type: MessageOps, Room: rm.id, Ops: msg.Ops}
	for _, p := range peers {
		if p != from {
			p.enqueue(out)
		}
		if len(cleanup) > 0 {
			p.enqueue(Message{Type: MessageOps, Room: rm.id, Ops: cleanup})
		}
	}
}

// Close unloads every room, saving snapshots.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		<-r.ready
		if r.err == nil {
			h.unload(r)
		}
	}
}
