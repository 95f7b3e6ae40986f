// Package notify turns thread mutations into per-recipient deliveries.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Member is a user in a document's owning scope.
type Member struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
}

// Directory resolves the audience of a room: the organization's members,
// or the document owner alone.
type Directory interface {
	Members(ctx context.Context, roomID string) ([]Member, error)
}

// Delivery is one (mutation, recipient) pair handed to a channel. Key is
// stable across retries so channels can drop repeats.
type Delivery struct {
	Kind         string       `json:"kind"`
	UserID       string       `json:"userId"`
	RoomID       string       `json:"roomId"`
	SubjectID    string       `json:"subjectId"`
	ActivityData ActivityData `json:"activityData"`
	Key          string       `json:"key"`
	Recipient    Member       `json:"-"`
}

type Channel interface {
	Deliver(ctx context.Context, d Delivery) error
}

type ChannelFunc func(ctx context.Context, d Delivery) error

func (f ChannelFunc) Deliver(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Notifier accepts notifications for dispatch.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Report summarizes one Dispatch call.
type Report struct {
	Recipients int  `json:"recipients"`
	Delivered  int  `json:"delivered"`
	Failed     int  `json:"failed"`
	Duplicate  bool `json:"duplicate"`
}

type DispatcherOption func(*Dispatcher)

// WithDedupeTTL sets how long a mutation key is remembered.
func WithDedupeTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.dedupeTTL = ttl }
}

func WithNow(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

type seenRecord struct {
	expiresAt time.Time
	inFlight  bool
}

type Dispatcher struct {
	directory Directory
	channel   Channel
	logger    *slog.Logger
	dedupeTTL time.Duration
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]seenRecord
}

func NewDispatcher(directory Directory, channel Channel, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		directory: directory,
		channel:   channel,
		logger:    logger,
		dedupeTTL: 10 * time.Minute,
		now:       time.Now,
		seen:      make(map[string]seenRecord),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	_, err := d.Dispatch(ctx, n)
	return err
}

// Dispatch sends one delivery per recipient. Channel errors are logged and
// counted but never returned; the thread mutation already happened.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) (Report, error) {
	if err := n.Validate(); err != nil {
		return Report{}, err
	}
	key := n.MutationKey()
	if !d.reserve(key) {
		d.logger.Debug("dropping repeated notification", "key", key)
		return Report{Duplicate: true}, nil
	}

	members, err := d.directory.Members(ctx, n.RoomID)
	if err != nil {
		d.release(key)
		return Report{}, fmt.Errorf("resolve recipients for %s: %w", n.RoomID, err)
	}
	recipients := Recipients(n, members)
	report := Report{Recipients: len(recipients)}

	activity := n.ActivityData()
	for _, member := range recipients {
		delivery := Delivery{
			Kind:         n.Kind,
			UserID:       member.UserID,
			RoomID:       n.RoomID,
			SubjectID:    n.ThreadID,
			ActivityData: activity,
			Key:          key + "|" + member.UserID,
			Recipient:    member,
		}
		if err := d.channel.Deliver(ctx, delivery); err != nil {
			report.Failed++
			d.logger.Error("notification delivery failed",
				"room", n.RoomID,
				"thread", n.ThreadID,
				"type", n.Type(),
				"recipient", member.UserID,
				"err", err,
			)
			continue
		}
		report.Delivered++
	}
	d.commit(key)
	return report, nil
}

// Recipients is the room audience minus the author, narrowed to the
// mentioned user for mentions.
func Recipients(n Notification, members []Member) []Member {
	mention, isMention := n.Activity.(Mention)
	seen := map[string]bool{}
	var out []Member
	for _, m := range members {
		if m.UserID == "" || m.UserID == n.AuthorID || seen[m.UserID] {
			continue
		}
		if isMention && m.UserID != mention.MentionUserID {
			continue
		}
		seen[m.UserID] = true
		out = append(out, m)
	}
	return out
}

func (d *Dispatcher) reserve(key string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, record := range d.seen {
		if !record.inFlight && now.After(record.expiresAt) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = seenRecord{inFlight: true}
	return true
}

func (d *Dispatcher) commit(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = seenRecord{expiresAt: d.now().Add(d.dedupeTTL)}
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}
