package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"quire/api/internal/crdt"
	"quire/api/internal/rbac"
	"quire/api/internal/threads"
)

var ErrForbidden = errors.New("forbidden")

// Identity is the verified user behind a connection.
type Identity struct {
	UserID string
	Name   string
	Role   rbac.Role
}

// State is the replica writes are checked against.
type State interface {
	Entry(key string) (crdt.Op, bool)
}

// ActionFor maps a replicated-map write to the permission it needs.
// Removing any part of a thread is a deletion.
func ActionFor(op crdt.Op) (rbac.Action, error) {
	kind := threads.KindOf(op.Key)
	if kind == threads.KeyUnknown {
		return "", fmt.Errorf("unknown key %q: %w", op.Key, ErrForbidden)
	}
	if op.Deleted {
		return rbac.ActionDelete, nil
	}
	if kind == threads.KeyResolved {
		return rbac.ActionResolve, nil
	}
	return rbac.ActionComment, nil
}

type authored struct {
	AuthorID  string `json:"authorId"`
	CreatedBy string `json:"createdBy"`
}

// Authorize rejects writes the identity's role does not allow, records
// attributed to someone else, and writes that would rewrite history in
// state. Anyone may delete what is left of a thread that is already
// deleted.
func Authorize(id Identity, op crdt.Op, state State) error {
	action, err := ActionFor(op)
	if err != nil {
		return err
	}
	if op.Deleted {
		if rbac.Can(id.Role, action) || headerDeleted(op.Key, state) {
			return nil
		}
		return fmt.Errorf("%s may not %s: %w", id.Role, action, ErrForbidden)
	}
	if !rbac.Can(id.Role, action) {
		return fmt.Errorf("%s may not %s: %w", id.Role, action, ErrForbidden)
	}
	if err := checkAuthor(id, op); err != nil {
		return err
	}
	return checkHistory(op, state)
}

func checkAuthor(id Identity, op crdt.Op) error {
	var (
		a     authored
		owner string
	)
	switch threads.KindOf(op.Key) {
	case threads.KeyThread:
		if err := json.Unmarshal(op.Value, &a); err != nil {
			return fmt.Errorf("decode %s: %w", op.Key, ErrForbidden)
		}
		owner = a.CreatedBy
	case threads.KeyComment, threads.KeyReply:
		if err := json.Unmarshal(op.Value, &a); err != nil {
			return fmt.Errorf("decode %s: %w", op.Key, ErrForbidden)
		}
		owner = a.AuthorID
	default:
		return nil
	}
	if owner != id.UserID {
		return fmt.Errorf("%s written as %q by %q: %w", op.Key, owner, id.UserID, ErrForbidden)
	}
	return nil
}

// checkHistory keeps thread headers, comments and replies write-once and
// requires their parents to be live. Resending the exact write already
// stored is allowed so clients can retry.
func checkHistory(op crdt.Op, state State) error {
	if threads.KindOf(op.Key) != threads.KeyResolved {
		if prev, ok := state.Entry(op.Key); ok && prev.Clock != op.Clock {
			return fmt.Errorf("%s already written: %w", op.Key, ErrForbidden)
		}
	}
	header, _ := threads.HeaderKey(op.Key)
	parent, hasParent := threads.ParentKey(op.Key)
	if !hasParent {
		return nil
	}
	for _, key := range []string{header, parent} {
		if prev, ok := state.Entry(key); !ok || prev.Deleted {
			return fmt.Errorf("%s needs %s: %w", op.Key, key, ErrForbidden)
		}
	}
	return nil
}

func headerDeleted(key string, state State) bool {
	if threads.KindOf(key) == threads.KeyThread {
		return false
	}
	header, ok := threads.HeaderKey(key)
	if !ok {
		return false
	}
	prev, ok := state.Entry(header)
	return ok && prev.Deleted
}

// batchState lets the ops of one batch see the writes before them, so a
// thread header and its first comment can arrive together.
type batchState struct {
	base  State
	added map[string]crdt.Op
}

func newBatchState(base State) *batchState {
	return &batchState{base: base, added: map[string]crdt.Op{}}
}

func (b *batchState) Entry(key string) (crdt.Op, bool) {
	if op, ok := b.added[key]; ok {
		return op, true
	}
	return b.base.Entry(key)
}

func (b *batchState) add(op crdt.Op) {
	if prev, ok := b.Entry(op.Key); ok && !prev.Clock.Less(op.Clock) {
		return
	}
	b.added[op.Key] = op
}
