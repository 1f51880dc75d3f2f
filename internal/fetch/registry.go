package fetch

import (
	"sort"
	"sync"

	"tgload/internal/links"
)

// Registry maps adapter names to adapters.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{m: map[string]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.m[a.Name()] = a
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.m[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AdapterFor names the adapter that handles p.
func AdapterFor(p links.Platform) string {
	switch p {
	case links.Instagram:
		return "instagram"
	case links.YouTubeMusic:
		return "ytmusic"
	case links.YouTube:
		return "youtube"
	default:
		return ""
	}
}
