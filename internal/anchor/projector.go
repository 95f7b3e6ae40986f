// Package anchor projects stored thread anchors onto the live document and
// decides which thread a selection attaches to.
package anchor

import (
	"sort"

	"quire/api/internal/threads"
)

type Selection struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (s Selection) Empty() bool {
	return s.From >= s.To
}

// Decoration is a rendered highlight for one thread.
type Decoration struct {
	From     int    `json:"from"`
	To       int    `json:"to"`
	ThreadID string `json:"threadId"`
	Resolved bool   `json:"resolved"`
}

// ThreadSource lists the current threads.
type ThreadSource interface {
	List() []threads.Thread
}

// Sizer reports the current document length.
type Sizer interface {
	Size() int
}

// Projector renders threads against the current document. Anchors are the
// offsets recorded when a thread was created; they are not remapped when
// text is inserted or removed before them, so after edits a decoration can
// cover different text than the one commented on. Anchors past the end of
// the document are dropped rather than clamped.
type Projector struct {
	threads ThreadSource
	doc     Sizer
}

func NewProjector(source ThreadSource, doc Sizer) *Projector {
	return &Projector{threads: source, doc: doc}
}

// Decorations returns the threads whose anchors still fit the document,
// ordered by start then thread id. Threads that no longer fit are skipped.
func (p *Projector) Decorations() []Decoration {
	size := p.doc.Size()
	out := []Decoration{}
	for _, thread := range p.threads.List() {
		if !renderable(thread, size) {
			continue
		}
		out = append(out, Decoration{From: thread.From, To: thread.To, ThreadID: thread.ID, Resolved: thread.Resolved})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

// AttachTarget returns the existing thread a non-empty selection should
// attach to: the earliest-starting rendered thread whose span overlaps it.
func (p *Projector) AttachTarget(sel Selection) (threads.Thread, bool) {
	if sel.Empty() {
		return threads.Thread{}, false
	}
	size := p.doc.Size()
	var candidates []threads.Thread
	for _, thread := range p.threads.List() {
		if renderable(thread, size) && overlaps(sel, thread) {
			candidates = append(candidates, thread)
		}
	}
	if len(candidates) == 0 {
		return threads.Thread{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].From != candidates[j].From {
			return candidates[i].From < candidates[j].From
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// ThreadAt returns the first rendered thread covering pos.
func (p *Projector) ThreadAt(pos int) (threads.Thread, bool) {
	size := p.doc.Size()
	var found threads.Thread
	ok := false
	for _, thread := range p.threads.List() {
		if !renderable(thread, size) || pos < thread.From || pos >= thread.To {
			continue
		}
		if !ok || thread.From < found.From || (thread.From == found.From && thread.ID < found.ID) {
			found, ok = thread, true
		}
	}
	return found, ok
}

func renderable(thread threads.Thread, size int) bool {
	return thread.From < size && thread.To <= size
}

// overlaps uses endpoint containment: either selection endpoint inside the
// thread span, or the thread span inside the selection.
func overlaps(sel Selection, thread threads.Thread) bool {
	return (sel.From >= thread.From && sel.From <= thread.To) ||
		(sel.To >= thread.From && sel.To <= thread.To) ||
		(sel.From <= thread.From && sel.To >= thread.To)
}
