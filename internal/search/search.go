package search

import (
	"context"
	"strings"

	"quire/api/internal/threads"
)

// Result is a single thread hit returned to the caller.
type Result struct {
	ThreadID string `json:"threadId"`
	RoomID   string `json:"roomId"`
	Snippet  string `json:"snippet"`
	Resolved bool   `json:"resolved"`
	From     int    `json:"from"`
	To       int    `json:"to"`
}

// Query describes a search request. Searches are always scoped to a room.
type Query struct {
	RoomID          string
	Text            string
	IncludeResolved bool
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push threads into a search index.
type Indexer interface {
	IndexThread(t ThreadRecord) error
	IndexThreads(ts []ThreadRecord) error
	DeleteThread(id string) error
}

// ThreadRecord is the data we index for a thread.
type ThreadRecord struct {
	ID        string   `json:"id"`
	RoomID    string   `json:"roomId"`
	Body      string   `json:"body"`
	Authors   []string `json:"authors"`
	Resolved  bool     `json:"resolved"`
	From      int      `json:"from"`
	To        int      `json:"to"`
	UpdatedAt int64    `json:"updatedAt"`
}

// FromThread flattens a thread into its index record. Comments and replies
// are joined in display order.
func FromThread(roomID string, t threads.Thread) ThreadRecord {
	var parts []string
	for _, c := range t.Comments {
		parts = append(parts, c.Content)
		for _, r := range c.Replies {
			parts = append(parts, r.Content)
		}
	}
	authors := t.Participants()
	if authors == nil {
		authors = []string{}
	}
	return ThreadRecord{
		ID:        t.ID,
		RoomID:    roomID,
		Body:      strings.Join(parts, "\n"),
		Authors:   authors,
		Resolved:  t.Resolved,
		From:      t.From,
		To:        t.To,
		UpdatedAt: t.LatestTimestamp(),
	}
}
