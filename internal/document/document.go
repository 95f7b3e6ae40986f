// Package document defines the boundary between the comment layer and the
// shared rich-text document, plus an in-memory Buffer implementation.
package document

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrOutOfRange = errors.New("position out of range")

// Edit replaces Delete runes at Pos with Insert.
type Edit struct {
	Pos    int    `json:"pos"`
	Delete int    `json:"delete,omitempty"`
	Insert string `json:"insert,omitempty"`
}

// Mark tags the half-open range [From, To) with a thread id.
type Mark struct {
	From     int    `json:"from"`
	To       int    `json:"to"`
	ThreadID string `json:"threadId"`
}

// Document is the replicated text the comment layer anchors to. Merging
// concurrent text edits is the document's concern, not the caller's.
type Document interface {
	ApplyLocalEdit(edit Edit) error
	OnRemoteChange(handler func(Edit)) (cancel func())
	MarkRange(from, to int, threadID string) error
	RemoveMark(from, to int, match func(Mark) bool) int
	PositionValid(pos int) bool
	Size() int
	TextBetween(from, to int) string
}

// Buffer is a single-replica Document. Remote edits are fed in through
// ApplyRemoteEdit by whatever replicates the text.
type Buffer struct {
	mu       sync.RWMutex
	text     []rune
	marks    []Mark
	handlers map[int]func(Edit)
	nextID   int
}

func NewBuffer(text string) *Buffer {
	return &Buffer{
		text:     []rune(text),
		handlers: make(map[int]func(Edit)),
	}
}

func (b *Buffer) ApplyLocalEdit(edit Edit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.apply(edit)
}

// ApplyRemoteEdit applies an edit made by another replica and notifies
// OnRemoteChange handlers.
func (b *Buffer) ApplyRemoteEdit(edit Edit) error {
	b.mu.Lock()
	if err := b.apply(edit); err != nil {
		b.mu.Unlock()
		return err
	}
	handlers := b.handlerList()
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(edit)
	}
	return nil
}

func (b *Buffer) OnRemoteChange(handler func(Edit)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *Buffer) MarkRange(from, to int, threadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from < 0 || from > to || to > len(b.text) {
		return fmt.Errorf("mark [%d, %d) in document of size %d: %w", from, to, len(b.text), ErrOutOfRange)
	}
	if from == to {
		return nil
	}
	mark := Mark{From: from, To: to, ThreadID: threadID}
	for _, existing := range b.marks {
		if existing == mark {
			return nil
		}
	}
	b.marks = append(b.marks, mark)
	return nil
}

// RemoveMark drops every mark intersecting [from, to) for which match
// returns true and reports how many were removed.
func (b *Buffer) RemoveMark(from, to int, match func(Mark) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.marks[:0]
	removed := 0
	for _, mark := range b.marks {
		if mark.From < to && mark.To > from && match(mark) {
			removed++
			continue
		}
		kept = append(kept, mark)
	}
	b.marks = kept
	return removed
}

func (b *Buffer) PositionValid(pos int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return pos >= 0 && pos <= len(b.text)
}

func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.text)
}

// TextBetween returns the text in [from, to), clamped to the document.
func (b *Buffer) TextBetween(from, to int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	from = clamp(from, 0, len(b.text))
	to = clamp(to, from, len(b.text))
	return string(b.text[from:to])
}

func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return string(b.text)
}

// Marks returns the current marks ordered by position.
func (b *Buffer) Marks() []Mark {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Mark, len(b.marks))
	copy(out, b.marks)
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

func (b *Buffer) apply(edit Edit) error {
	if edit.Pos < 0 || edit.Delete < 0 || edit.Pos+edit.Delete > len(b.text) {
		return fmt.Errorf("edit at %d deleting %d in document of size %d: %w", edit.Pos, edit.Delete, len(b.text), ErrOutOfRange)
	}
	insert := []rune(edit.Insert)
	next := make([]rune, 0, len(b.text)-edit.Delete+len(insert))
	next = append(next, b.text[:edit.Pos]...)
	next = append(next, insert...)
	next = append(next, b.text[edit.Pos+edit.Delete:]...)
	b.text = next

	kept := b.marks[:0]
	for _, mark := range b.marks {
		mark.From = mapFrom(mark.From, edit, len(insert))
		mark.To = mapTo(mark.To, edit, len(insert))
		if mark.From >= mark.To {
			continue
		}
		kept = append(kept, mark)
	}
	b.marks = kept
	return nil
}

func (b *Buffer) handlerList() []func(Edit) {
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Edit), 0, len(ids))
	for _, id := range ids {
		out = append(out, b.handlers[id])
	}
	return out
}

// Mark starts do not grow over text typed at their left edge.
func mapFrom(pos int, edit Edit, inserted int) int {
	switch {
	case pos < edit.Pos:
		return pos
	case pos >= edit.Pos+edit.Delete:
		return pos - edit.Delete + inserted
	default:
		return edit.Pos + inserted
	}
}

// Mark ends do not grow over text typed at their right edge.
func mapTo(pos int, edit Edit, inserted int) int {
	switch {
	case pos <= edit.Pos:
		return pos
	case pos >= edit.Pos+edit.Delete:
		return pos - edit.Delete + inserted
	default:
		return edit.Pos
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
