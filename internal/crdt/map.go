// Package crdt implements the replicated key/value map that thread state is
// stored in. It is a last-writer-wins element map: every key carries a
// Lamport clock and the greater clock wins on merge, so applying the same
// operations in any order on any replica converges to one state.
package crdt

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Clock orders writes across replicas. Ties on Counter are broken by
// replica id so that no two writes compare equal.
type Clock struct {
	Counter uint64 `json:"c"`
	Replica string `json:"r"`
}

// Less reports whether c happened before other in the total write order.
func (c Clock) Less(other Clock) bool {
	if c.Counter != other.Counter {
		return c.Counter < other.Counter
	}
	return c.Replica < other.Replica
}

// Op is a single replicated write. Deleted ops are tombstones and are kept
// so that a late-arriving older Set cannot resurrect the key.
type Op struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Clock   Clock           `json:"clock"`
}

type Origin int

const (
	Local Origin = iota
	Remote
)

func (o Origin) String() string {
	if o == Remote {
		return "remote"
	}
	return "local"
}

// Change describes a visible change to one key.
type Change struct {
	Key     string
	Value   json.RawMessage
	Deleted bool
}

// Update groups the changes of one transaction or one merged batch.
type Update struct {
	Origin  Origin
	Changes []Change
}

// Tx is the view handed to Transact callbacks. It must not escape the
// callback.
type Tx interface {
	Get(key string) (json.RawMessage, bool)
	Keys(prefix string) []string
	Set(key string, value json.RawMessage)
	Delete(key string) bool
}

type entry struct {
	value   json.RawMessage
	deleted bool
	clock   Clock
}

type Map struct {
	mu        sync.Mutex
	replica   string
	counter   uint64
	entries   map[string]entry
	pending   []Op
	observers map[int]func(Update)
	nextObs   int
}

func NewMap(replica string) *Map {
	return &Map{
		replica:   replica,
		entries:   make(map[string]entry),
		observers: make(map[int]func(Update)),
	}
}

func (m *Map) Replica() string {
	return m.replica
}

func (m *Map) Get(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(key)
}

// Keys returns the live keys with the given prefix in lexical order.
func (m *Map) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys(prefix)
}

func (m *Map) Set(key string, value json.RawMessage) {
	m.Transact(func(tx Tx) { tx.Set(key, value) })
}

func (m *Map) Delete(key string) bool {
	var removed bool
	m.Transact(func(tx Tx) { removed = tx.Delete(key) })
	return removed
}

// Transact runs fn with the map locked and delivers all of its writes to
// observers as a single Update. fn must not call methods on m.
func (m *Map) Transact(fn func(tx Tx)) {
	m.mu.Lock()
	tx := &mapTx{m: m}
	fn(tx)
	observers := m.snapshotObservers()
	m.mu.Unlock()

	if len(tx.changes) == 0 {
		return
	}
	notify(observers, Update{Origin: Local, Changes: tx.changes})
}

// Apply merges remote ops and returns how many of them won. Applying an op
// more than once has no further effect.
func (m *Map) Apply(ops []Op) int {
	m.mu.Lock()
	applied := 0
	var changes []Change
	for _, op := range ops {
		if op.Clock.Counter > m.counter {
			m.counter = op.Clock.Counter
		}
		current, ok := m.entries[op.Key]
		if ok && !current.clock.Less(op.Clock) {
			continue
		}
		m.entries[op.Key] = entry{value: cloneRaw(op.Value), deleted: op.Deleted, clock: op.Clock}
		applied++
		if op.Deleted && (!ok || current.deleted) {
			continue
		}
		changes = append(changes, Change{Key: op.Key, Value: cloneRaw(op.Value), Deleted: op.Deleted})
	}
	observers := m.snapshotObservers()
	m.mu.Unlock()

	if len(changes) > 0 {
		notify(observers, Update{Origin: Remote, Changes: changes})
	}
	return applied
}

// Entry returns the stored write for key, tombstones included.
func (m *Map) Entry(key string) (Op, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Op{}, false
	}
	return Op{Key: key, Value: cloneRaw(e.value), Deleted: e.deleted, Clock: e.clock}, true
}

// Requeue puts ops returned by Drain back in front of the pending ops, for
// when they could not be delivered.
func (m *Map) Requeue(ops []Op) {
	if len(ops) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(append(make([]Op, 0, len(ops)+len(m.pending)), ops...), m.pending...)
}

// Drain returns the local ops written since the previous call.
func (m *Map) Drain() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.pending
	m.pending = nil
	return ops
}

// Snapshot returns the full state, tombstones included, ordered by key.
func (m *Map) Snapshot() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]Op, 0, len(m.entries))
	for key, e := range m.entries {
		ops = append(ops, Op{Key: key, Value: cloneRaw(e.value), Deleted: e.deleted, Clock: e.clock})
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Key < ops[j].Key })
	return ops
}

// Observe registers fn for every subsequent Update and returns a function
// that unregisters it.
func (m *Map) Observe(fn func(Update)) func() {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Map) get(key string) (json.RawMessage, bool) {
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return cloneRaw(e.value), true
}

func (m *Map) keys(prefix string) []string {
	var keys []string
	for key, e := range m.entries {
		if e.deleted || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) tick() Clock {
	m.counter++
	return Clock{Counter: m.counter, Replica: m.replica}
}

func (m *Map) snapshotObservers() []func(Update) {
	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.observers[id])
	}
	return fns
}

func notify(observers []func(Update), update Update) {
	for _, fn := range observers {
		fn(update)
	}
}

type mapTx struct {
	m       *Map
	changes []Change
}

func (tx *mapTx) Get(key string) (json.RawMessage, bool) {
	return tx.m.get(key)
}

func (tx *mapTx) Keys(prefix string) []string {
	return tx.m.keys(prefix)
}

func (tx *mapTx) Set(key string, value json.RawMessage) {
	clock := tx.m.tick()
	value = cloneRaw(value)
	tx.m.entries[key] = entry{value: value, clock: clock}
	tx.m.pending = append(tx.m.pending, Op{Key: key, Value: value, Clock: clock})
	tx.changes = append(tx.changes, Change{Key: key, Value: value})
}

func (tx *mapTx) Delete(key string) bool {
	current, ok := tx.m.entries[key]
	if !ok || current.deleted {
		return false
	}
	clock := tx.m.tick()
	tx.m.entries[key] = entry{deleted: true, clock: clock}
	tx.m.pending = append(tx.m.pending, Op{Key: key, Deleted: true, Clock: clock})
	tx.changes = append(tx.changes, Change{Key: key, Deleted: true})
	return true
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
