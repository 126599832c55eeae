package expressions

// MemoryView is the read-only slice of program memory an expression may
// observe. Satisfied by *memory.Memory.
type MemoryView interface {
	Keys() []string
	Read(key string) (string, bool)
	StackKeys() []string
	GetAll(key string) []string
}

// BuildMemoryScope snapshots a run's memory into the environment seen by
// computed-input expressions: `cache` (map of string), `stacks` (map of
// []string), and `input` (the run's initial entry, "" when absent).
// Snapshotting keeps evaluation free of side effects on memory.
func BuildMemoryScope(mem MemoryView, initialInput string) map[string]any {
	cache := make(map[string]any)
	for _, k := range mem.Keys() {
		if v, ok := mem.Read(k); ok {
			cache[k] = v
		}
	}

	stacks := make(map[string]any)
	for _, k := range mem.StackKeys() {
		stacks[k] = mem.GetAll(k)
	}

	return map[string]any{
		"cache":  cache,
		"stacks": stacks,
		"input":  initialInput,
	}
}
