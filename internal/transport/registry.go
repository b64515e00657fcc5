package transport

import (
	"sync"

	"chronopost/internal/errkind"
)

// Requirement describes what a delivery needs from a backend.
type Requirement struct {
	Size        int64
	NeedsUpload bool
}

// Registry holds backends in preference order and tracks which are usable.
//
// Order is fixed at construction (configuration decides it, not the engine).
// Backends are marked unusable when they fail hard at startup or report a
// persistent outage; selection skips them until marked usable again.
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
	down     map[string]bool
}

func NewRegistry(backends ...Backend) *Registry {
	return &Registry{
		backends: append([]Backend(nil), backends...),
		down:     map[string]bool{},
	}
}

// SetUsable flips a backend's availability. Unknown names are ignored.
func (r *Registry) SetUsable(name string, usable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if usable {
		delete(r.down, name)
	} else {
		r.down[name] = true
	}
}

// Usable reports whether the named backend is currently selectable.
func (r *Registry) Usable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.down[name]
}

// Ordered returns usable backends in preference order.
func (r *Registry) Ordered() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		if r.down[b.Name()] {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Capable returns usable backends whose declared constraints satisfy the
// requirement, in preference order. Size-incapable backends are skipped
// outright rather than attempted and failed.
func (r *Registry) Capable(need Requirement) []Backend {
	var out []Backend
	for _, b := range r.Ordered() {
		c := b.Capabilities()
		if need.NeedsUpload && !c.SupportsUpload {
			continue
		}
		if need.Size > 0 && c.MaxInlineSize > 0 && need.Size > c.MaxInlineSize {
			continue
		}
		out = append(out, b)
	}
	return out
}

// First returns the preferred capable backend, or Unsupported when none
// can satisfy the requirement.
func (r *Registry) First(need Requirement) (Backend, error) {
	bs := r.Capable(need)
	if len(bs) == 0 {
		return nil, errkind.Newf(errkind.Unsupported,
			"no backend accepts size=%d upload=%v", need.Size, need.NeedsUpload)
	}
	return bs[0], nil
}
