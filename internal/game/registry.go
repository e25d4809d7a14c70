package game

import "sync"

// Registry holds the rules implementations known to the server, keyed by
// game tag. Rules are stateless, so a single instance is shared.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rules
}

func NewRegistry() *Registry {
	return &Registry{rules: map[string]Rules{}}
}

func (r *Registry) Register(rules Rules) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rules.Type()] = rules
}

func (r *Registry) Get(gameType string) (Rules, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rl, ok := r.rules[gameType]
	return rl, ok
}

// Types returns the registered game tags in no particular order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for t := range r.rules {
		out = append(out, t)
	}
	return out
}
