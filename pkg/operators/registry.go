package operators

import (
	"sync"

	"github.com/rendis/loom/pkg/schema"
)

// Registry is the thread-safe operator dispatch table. The operator set
// is closed, so registration normally happens once at startup; the lock
// exists for hosts that swap capabilities at runtime.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.Operator]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[schema.Operator]Handler),
	}
}

// Register adds a handler. Returns an error on nil handlers, unknown
// operator tags, or duplicates.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	op := h.Operator()
	if !op.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown operator %q", op)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[op]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "operator %q already registered", op)
	}
	r.handlers[op] = h
	return nil
}

// Get retrieves the handler for an operator tag.
func (r *Registry) Get(op schema.Operator) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[op]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no handler for operator %q", op)
	}
	return h, nil
}

// Has checks whether an operator has a handler.
func (r *Registry) Has(op schema.Operator) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[op]
	return ok
}

// Capabilities bundles the host-supplied backends the default handlers
// dispatch to.
type Capabilities struct {
	Generator  Generator
	ToolCaller ToolCaller
	// Sampler picks stack entries for the sample operator; nil selects
	// the uniform random strategy.
	Sampler Strategy
}

// NewDefaultRegistry creates a registry with the full operator set wired
// to the given capabilities.
func NewDefaultRegistry(caps Capabilities) (*Registry, error) {
	r := NewRegistry()
	handlers := []Handler{
		&GenerationHandler{Generator: caps.Generator},
		&FunctionCallingHandler{ToolCaller: caps.ToolCaller},
		&CheckHandler{},
		&SearchHandler{},
		NewSampleHandler(caps.Sampler),
		&EndHandler{},
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}
