package search

import (
	"context"
	"log/slog"

	"quire/api/internal/threads"
)

type index interface {
	Searcher
	Indexer
}

// Service answers thread searches from Meilisearch when it is up and from
// the mirrored records otherwise. Index writes are best effort.
type Service struct {
	meili    index
	fallback Searcher
	logger   *slog.Logger
}

// NewService wires the backends. meili is nil when Meilisearch is not
// configured; fallback may be nil in tests.
func NewService(meili *Meili, fallback Searcher, logger *slog.Logger) *Service {
	s := &Service{fallback: fallback, logger: logger}
	if meili != nil {
		s.meili = meili
	}
	return s
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	resp := Response{Results: []Result{}, Query: q.Text}

	var backends []Searcher
	if s.indexing() {
		backends = append(backends, s.meili)
	}
	if s.fallback != nil {
		backends = append(backends, s.fallback)
	}
	for _, b := range backends {
		results, total, err := b.Search(ctx, q)
		if err != nil {
			s.logger.Warn("search backend failed", "room", q.RoomID, "err", err)
			continue
		}
		if results != nil {
			resp.Results = results
		}
		resp.Total = total
		return resp
	}
	return resp
}

// async runs op against the index in the background when it is reachable.
func (s *Service) async(what, id string, op func(index) error) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := op(s.meili); err != nil {
			s.logger.Error(what, "id", id, "err", err)
		}
	}()
}

func (s *Service) IndexThread(t ThreadRecord) {
	s.async("index thread", t.ID, func(ix index) error { return ix.IndexThread(t) })
}

func (s *Service) DeleteThread(id string) {
	s.async("delete thread", id, func(ix index) error { return ix.DeleteThread(id) })
}

// Reindex pushes every thread of a room in one batch. It blocks so a room
// open finishes indexing before its first search.
func (s *Service) Reindex(roomID string, ts []threads.Thread) {
	if !s.indexing() || len(ts) == 0 {
		return
	}
	records := make([]ThreadRecord, len(ts))
	for i, t := range ts {
		records[i] = FromThread(roomID, t)
	}
	if err := s.meili.IndexThreads(records); err != nil {
		s.logger.Error("reindex room", "room", roomID, "err", err)
	}
}

// Track keeps the index in step with the threads of one room. The returned
// func unsubscribes.
func (s *Service) Track(roomID string, src *threads.Store) func() {
	return src.Subscribe(func(ev threads.Event) {
		if thread, ok := src.Get(ev.ThreadID); ok {
			s.IndexThread(FromThread(roomID, thread))
			return
		}
		s.DeleteThread(ev.ThreadID)
	})
}
