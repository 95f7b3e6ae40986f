package anchor

import (
	"strings"
	"sync"
)

const (
	KeyEscape     = "Escape"
	KeyArrowLeft  = "ArrowLeft"
	KeyArrowRight = "ArrowRight"
	KeyArrowUp    = "ArrowUp"
	KeyArrowDown  = "ArrowDown"
	KeyHome       = "Home"
	KeyEnd        = "End"
)

// ComposeState is what the comment affordance shows. ThreadID is set when
// the composer attaches to an existing thread instead of starting one.
type ComposeState struct {
	Open      bool      `json:"open"`
	Selection Selection `json:"selection"`
	ThreadID  string    `json:"threadId,omitempty"`
	Quote     string    `json:"quote,omitempty"`
}

// TextSource reads document text for the selection preview.
type TextSource interface {
	TextBetween(from, to int) string
}

// Composer tracks the pending "new comment" interaction. It never writes
// thread state.
type Composer struct {
	projector *Projector
	text      TextSource

	mu        sync.Mutex
	state     ComposeState
	selection Selection
	listeners map[int]func(ComposeState)
	nextID    int
}

func NewComposer(projector *Projector, text TextSource) *Composer {
	return &Composer{
		projector: projector,
		text:      text,
		listeners: make(map[int]func(ComposeState)),
	}
}

func (c *Composer) State() ComposeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnChange registers fn for state transitions and returns a function that
// unregisters it.
func (c *Composer) OnChange(fn func(ComposeState)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// SelectionChanged opens the composer for a non-blank selection and closes
// it when the selection collapses.
func (c *Composer) SelectionChanged(sel Selection) {
	c.mu.Lock()
	c.selection = sel
	c.mu.Unlock()

	if sel.Empty() {
		c.set(ComposeState{})
		return
	}
	quote := c.text.TextBetween(sel.From, sel.To)
	if strings.TrimSpace(quote) == "" {
		c.set(ComposeState{})
		return
	}
	next := ComposeState{Open: true, Selection: sel, Quote: quote}
	if thread, ok := c.projector.AttachTarget(sel); ok {
		next.ThreadID = thread.ID
	}
	c.set(next)
}

// KeyUp closes the composer on Escape, and on caret navigation when
// nothing is selected.
func (c *Composer) KeyUp(key string) {
	switch key {
	case KeyEscape:
		c.set(ComposeState{})
	case KeyArrowLeft, KeyArrowRight, KeyArrowUp, KeyArrowDown, KeyHome, KeyEnd:
		c.mu.Lock()
		empty := c.selection.Empty()
		c.mu.Unlock()
		if empty {
			c.set(ComposeState{})
		}
	}
}

// ClickThread opens the composer on an existing thread's span, as when a
// highlighted range is clicked.
func (c *Composer) ClickThread(pos int) bool {
	thread, ok := c.projector.ThreadAt(pos)
	if !ok {
		return false
	}
	sel := Selection{From: thread.From, To: thread.To}
	c.mu.Lock()
	c.selection = sel
	c.mu.Unlock()
	c.set(ComposeState{Open: true, Selection: sel, ThreadID: thread.ID, Quote: c.text.TextBetween(sel.From, sel.To)})
	return true
}

func (c *Composer) Close() {
	c.set(ComposeState{})
}

func (c *Composer) set(next ComposeState) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	listeners := make([]func(ComposeState), 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}
