package search

import (
	"context"
	"encoding/json"
	"strings"

	"quire/api/internal/store"
	"quire/api/internal/threads"
)

// RecordLister reads the mirrored threads of a room.
type RecordLister interface {
	ListThreads(ctx context.Context, roomID string) ([]store.ThreadRecord, error)
}

// Fallback searches the mirrored thread records directly with a
// case-insensitive substring match. It is used when Meilisearch is
// unavailable.
type Fallback struct {
	records RecordLister
}

func NewFallback(records RecordLister) *Fallback {
	return &Fallback{records: records}
}

// Healthy always returns true; if the record store is down, the whole app is down.
func (f *Fallback) Healthy() bool {
	return true
}

func (f *Fallback) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}

	records, err := f.records.ListThreads(ctx, q.RoomID)
	if err != nil {
		return nil, 0, err
	}

	var matches []Result
	for _, record := range records {
		if record.Resolved && !q.IncludeResolved {
			continue
		}
		var thread threads.Thread
		if err := json.Unmarshal(record.Payload, &thread); err != nil {
			continue
		}
		snippet, ok := matchThread(thread, needle)
		if !ok {
			continue
		}
		matches = append(matches, Result{
			ThreadID: record.ID,
			RoomID:   record.RoomID,
			Snippet:  snippet,
			Resolved: record.Resolved,
			From:     record.From,
			To:       record.To,
		})
	}

	total := len(matches)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matches) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matches) {
		end = len(matches)
	}
	return matches[offset:end], total, nil
}

func matchThread(t threads.Thread, needle string) (string, bool) {
	for _, c := range t.Comments {
		if snippet, ok := highlight(c.Content, needle); ok {
			return snippet, true
		}
		for _, r := range c.Replies {
			if snippet, ok := highlight(r.Content, needle); ok {
				return snippet, true
			}
		}
	}
	return "", false
}

// highlight wraps the first match in <mark> tags, the same markers
// Meilisearch uses.
func highlight(content, needle string) (string, bool) {
	idx := strings.Index(strings.ToLower(content), needle)
	if idx < 0 {
		return "", false
	}
	end := idx + len(needle)
	return content[:idx] + "<mark>" + content[idx:end] + "</mark>" + content[end:], true
}
