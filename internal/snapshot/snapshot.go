// Package snapshot persists the replicated thread map of a room so a room
// can be rehydrated after every client has left.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"quire/api/internal/crdt"
)

const formatVersion = 1

type document struct {
	Version int       `json:"version"`
	RoomID  string    `json:"roomId"`
	SavedAt time.Time `json:"savedAt"`
	Ops     []crdt.Op `json:"ops"`
}

type Snapshots struct {
	objects ObjectStore
	now     func() time.Time
}

func New(objects ObjectStore) *Snapshots {
	return &Snapshots{objects: objects, now: time.Now}
}

func key(roomID string) string {
	return "rooms/" + url.PathEscape(roomID) + "/threads.json"
}

// Save stores ops, including tombstones, as the room's latest snapshot.
func (s *Snapshots) Save(ctx context.Context, roomID string, ops []crdt.Op) error {
	if ops == nil {
		ops = []crdt.Op{}
	}
	data, err := json.Marshal(document{
		Version: formatVersion,
		RoomID:  roomID,
		SavedAt: s.now().UTC(),
		Ops:     ops,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", roomID, err)
	}
	if err := s.objects.Put(ctx, key(roomID), data); err != nil {
		return fmt.Errorf("save snapshot %s: %w", roomID, err)
	}
	return nil
}

// Load returns the saved ops for roomID, or none for a room never saved.
func (s *Snapshots) Load(ctx context.Context, roomID string) ([]crdt.Op, error) {
	data, err := s.objects.Get(ctx, key(roomID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", roomID, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", roomID, err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("snapshot %s has unsupported version %d", roomID, doc.Version)
	}
	return doc.Ops, nil
}

func (s *Snapshots) Delete(ctx context.Context, roomID string) error {
	return s.objects.Delete(ctx, key(roomID))
}
