package crawl

import "sync"

// Registry is a process-global lookup of running crawls keyed by seed URL,
// the convenience shim spec.md §4.10 describes. It never owns crawl state
// on its own; it only forwards to the *Handle that New returned, per the
// Handle-first design resolution in DESIGN.md.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

var globalRegistry = &Registry{handles: make(map[string]*Handle)}

func (r *Registry) register(seed string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[seed] = h
}

func (r *Registry) unregister(seed string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, seed)
}

func (r *Registry) lookup(seed string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[seed]
	return h, ok
}

// Pause signals the running crawl seeded at seed to pause. It is a no-op
// if no such crawl is registered.
func Pause(seed string) error {
	h, ok := globalRegistry.lookup(seed)
	if !ok {
		return ErrUnknownSeed
	}
	h.Pause()
	return nil
}

// Resume signals the running crawl seeded at seed to resume.
func Resume(seed string) error {
	h, ok := globalRegistry.lookup(seed)
	if !ok {
		return ErrUnknownSeed
	}
	h.Resume()
	return nil
}

// Shutdown signals the running crawl seeded at seed to shut down.
// Signals routed through the registry are idempotent and asynchronous,
// per spec §4.10.
func Shutdown(seed string) error {
	h, ok := globalRegistry.lookup(seed)
	if !ok {
		return ErrUnknownSeed
	}
	h.Shutdown()
	return nil
}
