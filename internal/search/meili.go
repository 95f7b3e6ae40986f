package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxThreads     = "quire_threads"
	healthInterval = 10 * time.Second
	defaultPerPage = 20
)

var errMeiliDown = errors.New("meilisearch unhealthy")

// Meili keeps thread records in a Meilisearch index. It checks the server
// in the background and reports itself unhealthy while it is unreachable.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	stop    chan struct{}
}

// NewMeili connects to url. An unreachable server is not an error.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.With("url", url),
		stop:   make(chan struct{}),
	}
	m.checkHealth()
	if !m.Healthy() {
		m.logger.Warn("meilisearch unavailable, will keep probing")
	}
	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.checkHealth()
			}
		}
	}()
	return m
}

// checkHealth pings the server and sets up the index whenever it comes back.
func (m *Meili) checkHealth() {
	_, err := m.client.Health()
	up := err == nil
	if was := m.healthy.Swap(up); was == up {
		return
	}
	if !up {
		m.logger.Warn("meilisearch unavailable", "err", err)
		return
	}
	m.logger.Info("meilisearch reachable, configuring index")
	m.setupIndex()
}

func (m *Meili) setupIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxThreads, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index", "index", idxThreads, "err", err)
	}
	index := m.client.Index(idxThreads)
	filterable := []interface{}{"roomId", "resolved", "authors"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Error("filterable attributes", "index", idxThreads, "err", err)
	}
	searchable := []string{"body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Error("searchable attributes", "index", idxThreads, "err", err)
	}
}

func (m *Meili) Close() {
	close(m.stop)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.Healthy() {
		return nil, 0, errMeiliDown
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{buildRequest(q)},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var (
		results []Result
		total   int
	)
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			r, err := decodeHit(hit)
			if err != nil {
				m.logger.Warn("skipping undecodable hit", "err", err)
				continue
			}
			results = append(results, r)
		}
	}
	return results, total, nil
}

func buildRequest(q Query) *meili.SearchRequest {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPerPage
	}
	filters := []string{"roomId = " + strconv.Quote(q.RoomID)}
	if !q.IncludeResolved {
		filters = append(filters, "resolved = false")
	}
	return &meili.SearchRequest{
		IndexUID:              idxThreads,
		Query:                 q.Text,
		Limit:                 int64(limit),
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"body"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
		Filter:                filters,
	}
}

// threadHit is the stored ThreadRecord plus the highlighted copy Meilisearch
// returns under _formatted.
type threadHit struct {
	ThreadRecord
	Formatted struct {
		Body string `json:"body"`
	} `json:"_formatted"`
}

func decodeHit(hit meili.Hit) (Result, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return Result{}, err
	}
	var h threadHit
	if err := json.Unmarshal(raw, &h); err != nil {
		return Result{}, err
	}
	snippet := strings.TrimSpace(h.Formatted.Body)
	if snippet == "" {
		snippet = h.Body
	}
	return Result{
		ThreadID: h.ID,
		RoomID:   h.RoomID,
		Snippet:  snippet,
		Resolved: h.Resolved,
		From:     h.From,
		To:       h.To,
	}, nil
}

func (m *Meili) IndexThread(t ThreadRecord) error {
	return m.IndexThreads([]ThreadRecord{t})
}

func (m *Meili) IndexThreads(ts []ThreadRecord) error {
	if len(ts) == 0 {
		return nil
	}
	_, err := m.client.Index(idxThreads).AddDocuments(ts, nil)
	return err
}

func (m *Meili) DeleteThread(id string) error {
	_, err := m.client.Index(idxThreads).DeleteDocument(id, nil)
	return err
}
