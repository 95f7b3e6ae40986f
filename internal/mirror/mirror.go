// Package mirror copies the threads of a room into the record store. Writes
// happen off the editing path, in the order threads were touched, and are
// retried with backoff. Each write carries the thread's current state, so
// replays and reordering across restarts converge on the same rows.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"quire/api/internal/store"
	"quire/api/internal/threads"
)

type Writer interface {
	UpsertThread(ctx context.Context, record store.ThreadRecord) (bool, error)
	DeleteThread(ctx context.Context, id string) (bool, error)
}

// Source returns the current state of a thread.
type Source interface {
	Get(threadID string) (threads.Thread, bool)
}

type Config struct {
	Attempts     uint
	Delay        time.Duration
	MaxDelay     time.Duration
	WriteTimeout time.Duration
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Attempts == 0 {
		c.Attempts = 5
	}
	if c.Delay <= 0 {
		c.Delay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Mirror struct {
	roomID string
	source Source
	writer Writer
	logger *slog.Logger
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []string
	queued  map[string]bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// New starts the write loop for one room.
func New(roomID string, source Source, writer Writer, logger *slog.Logger, cfg Config) *Mirror {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		roomID: roomID,
		source: source,
		writer: writer,
		logger: logger.With("room", roomID),
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		queued: map[string]bool{},
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.loop()
	return m
}

// Track enqueues every thread touched by an event of s.
func (m *Mirror) Track(s *threads.Store) func() {
	return s.Subscribe(func(ev threads.Event) {
		m.Enqueue(ev.ThreadID)
	})
}

// Enqueue schedules threadID for a write. A thread already waiting is not
// queued twice; the write picks up whatever state it has by then.
func (m *Mirror) Enqueue(threadID string) {
	m.mu.Lock()
	if m.closed || m.queued[threadID] {
		m.mu.Unlock()
		return
	}
	m.queued[threadID] = true
	m.pending = append(m.pending, threadID)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.mu.Unlock()
}

// Pending reports how many threads are waiting to be written.
func (m *Mirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close stops accepting work and waits for the queue to drain. When ctx
// ends first, in-flight retries are abandoned.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.wake)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-m.done
		return ctx.Err()
	}
}

func (m *Mirror) loop() {
	defer close(m.done)
	for {
		threadID, ok := m.next()
		if !ok {
			if _, open := <-m.wake; !open {
				// drain whatever arrived between next and close
				for {
					threadID, ok := m.next()
					if !ok {
						return
					}
					m.write(threadID)
				}
			}
			continue
		}
		m.write(threadID)
	}
}

func (m *Mirror) next() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return "", false
	}
	threadID := m.pending[0]
	m.pending = m.pending[1:]
	delete(m.queued, threadID)
	return threadID, true
}

func (m *Mirror) write(threadID string) {
	err := retry.Do(func() error {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.WriteTimeout)
		defer cancel()
		return m.writeOnce(ctx, threadID)
	},
		retry.Attempts(m.cfg.Attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(m.cfg.Delay),
		retry.MaxDelay(m.cfg.MaxDelay),
		retry.MaxJitter(m.cfg.Delay/5),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn("retrying thread mirror write", "thread", threadID, "attempt", n+1, "err", err)
		}),
		retry.Context(m.ctx),
	)
	if err != nil {
		m.logger.Error("thread mirror write failed", "thread", threadID, "err", err)
	}
}

func (m *Mirror) writeOnce(ctx context.Context, threadID string) error {
	thread, ok := m.source.Get(threadID)
	if !ok {
		_, err := m.writer.DeleteThread(ctx, threadID)
		return err
	}
	record, err := Record(m.roomID, thread, m.cfg.Now())
	if err != nil {
		return retry.Unrecoverable(err)
	}
	_, err = m.writer.UpsertThread(ctx, record)
	return err
}

// Record converts a thread into its stored form.
func Record(roomID string, thread threads.Thread, now time.Time) (store.ThreadRecord, error) {
	payload, err := json.Marshal(thread)
	if err != nil {
		return store.ThreadRecord{}, fmt.Errorf("encode thread %s: %w", thread.ID, err)
	}
	updatedAt := now.UnixMilli()
	if latest := thread.LatestTimestamp(); latest > updatedAt {
		updatedAt = latest
	}
	return store.ThreadRecord{
		ID:           thread.ID,
		RoomID:       roomID,
		From:         thread.From,
		To:           thread.To,
		Resolved:     thread.Resolved,
		CommentCount: thread.CommentCount(),
		Payload:      payload,
		UpdatedAt:    updatedAt,
	}, nil
}
