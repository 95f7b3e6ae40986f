package notify

import (
	"context"
	"errors"
	"sync"
)

// Fanout delivers to every channel concurrently and joins their errors.
type Fanout struct {
	channels []Channel
}

func NewFanout(channels ...Channel) *Fanout {
	var kept []Channel
	for _, ch := range channels {
		if ch != nil {
			kept = append(kept, ch)
		}
	}
	return &Fanout{channels: kept}
}

func (f *Fanout) Len() int {
	return len(f.channels)
}

func (f *Fanout) Deliver(ctx context.Context, d Delivery) error {
	errs := make([]error, len(f.channels))
	var wg sync.WaitGroup
	for i, ch := range f.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			errs[i] = ch.Deliver(ctx, d)
		}(i, ch)
	}
	wg.Wait()
	return errors.Join(errs...)
}

type mergedNotifier struct {
	notifiers []Notifier
}

// NewMergedNotifier calls every notifier concurrently and joins their
// errors. Nil entries are skipped.
func NewMergedNotifier(notifiers ...Notifier) Notifier {
	var kept []Notifier
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &mergedNotifier{notifiers: kept}
}

var _ Notifier = &mergedNotifier{}

func (m *mergedNotifier) Notify(ctx context.Context, n Notification) error {
	errs := make([]error, len(m.notifiers))
	var wg sync.WaitGroup
	for i, notifier := range m.notifiers {
		wg.Add(1)
		go func(i int, notifier Notifier) {
			defer wg.Done()
			errs[i] = notifier.Notify(ctx, n)
		}(i, notifier)
	}
	wg.Wait()
	return errors.Join(errs...)
}
