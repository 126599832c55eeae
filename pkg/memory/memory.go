// Package memory implements the per-run program memory: a string cache,
// named LIFO stacks, and an optional semantic store. A Memory value is
// owned exclusively by one run's executor; it performs no locking of its
// own. Absence of a key is never an error at this layer: callers receive
// a zero value and ok=false and decide what that means.
package memory

import (
	"context"

	"github.com/rendis/loom/pkg/schema"
)

// Memory is the run-scoped mutable store used to pass data between tasks.
type Memory struct {
	cache  map[string]string
	stacks map[string][]string
	store  *SemanticStore
}

// Option configures a Memory at construction.
type Option func(*Memory)

// WithSemanticStore attaches a semantic store; without one, insert and
// search operations fail as operator errors.
func WithSemanticStore(store *SemanticStore) Option {
	return func(m *Memory) { m.store = store }
}

// New creates an empty Memory.
func New(opts ...Option) *Memory {
	m := &Memory{
		cache:  make(map[string]string),
		stacks: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Write sets a cache key, overwriting any previous value.
func (m *Memory) Write(key, value string) {
	m.cache[key] = value
}

// Read returns the cache value for key.
func (m *Memory) Read(key string) (string, bool) {
	v, ok := m.cache[key]
	return v, ok
}

// Push appends a value to the stack named key.
func (m *Memory) Push(key, value string) {
	m.stacks[key] = append(m.stacks[key], value)
}

// Pop removes and returns the most recently pushed value of the stack.
func (m *Memory) Pop(key string) (string, bool) {
	page := m.stacks[key]
	if len(page) == 0 {
		return "", false
	}
	v := page[len(page)-1]
	m.stacks[key] = page[:len(page)-1]
	return v, true
}

// Peek returns the value at the given offset from the top of the stack
// without removing it. Offset 0 is the most recently pushed value.
func (m *Memory) Peek(key string, index int) (string, bool) {
	page := m.stacks[key]
	if index < 0 || index >= len(page) {
		return "", false
	}
	return page[len(page)-1-index], true
}

// GetAll returns a copy of the stack in push order, oldest first.
func (m *Memory) GetAll(key string) []string {
	page := m.stacks[key]
	if len(page) == 0 {
		return nil
	}
	out := make([]string, len(page))
	copy(out, page)
	return out
}

// Size returns the number of values on the stack named key.
func (m *Memory) Size(key string) int {
	return len(m.stacks[key])
}

// Insert adds a document to the semantic store under the given namespace.
func (m *Memory) Insert(ctx context.Context, namespace, text string) error {
	if m.store == nil {
		return schema.NewError(schema.ErrCodeConflict, "semantic store not configured")
	}
	return m.store.Insert(ctx, namespace, text)
}

// Search queries the semantic store, returning up to k hits ranked by
// similarity descending.
func (m *Memory) Search(ctx context.Context, namespace, query string, k int) ([]SearchHit, error) {
	if m.store == nil {
		return nil, schema.NewError(schema.ErrCodeConflict, "semantic store not configured")
	}
	return m.store.Search(ctx, namespace, query, k)
}

// HasStore reports whether a semantic store is attached.
func (m *Memory) HasStore() bool {
	return m.store != nil
}

// LoadExternal preloads externally supplied memory before a run: scalar
// entries become cache writes, list entries are pushed onto the stack of
// the same key in declaration order.
func (m *Memory) LoadExternal(external map[string]schema.StringOrList) {
	for key, entry := range external {
		if entry.List {
			for _, v := range entry.Values {
				m.Push(key, v)
			}
			continue
		}
		if len(entry.Values) == 1 {
			m.Write(key, entry.Values[0])
		}
	}
}

// Keys returns the cache keys currently present, for post-run inspection.
func (m *Memory) Keys() []string {
	keys := make([]string, 0, len(m.cache))
	for k := range m.cache {
		keys = append(keys, k)
	}
	return keys
}

// StackKeys returns the names of non-empty stacks, for post-run inspection.
func (m *Memory) StackKeys() []string {
	keys := make([]string, 0, len(m.stacks))
	for k, page := range m.stacks {
		if len(page) > 0 {
			keys = append(keys, k)
		}
	}
	return keys
}
