package viewsync

import (
	"context"
	"strings"
	"sync"
)

// Registry routes decoded frames to per-view stores, creating stores lazily
// on first reference. Sort configurations delivered by acknowledgement
// frames are remembered and re-attached if a store is created later.
type Registry struct {
	mu          sync.RWMutex
	cfg         *Config
	stores      map[string]*Store
	sortConfigs map[string]*SortConfig
	parsers     map[string]ParserFunc
}

// newRegistry creates an empty registry.
func newRegistry(cfg *Config) *Registry {
	return &Registry{
		cfg:         cfg,
		stores:      make(map[string]*Store),
		sortConfigs: make(map[string]*SortConfig),
		parsers:     make(map[string]ParserFunc),
	}
}

// viewFor derives the fully qualified view identifier for a data frame. An
// entity already carrying a mode suffix is used as-is; otherwise the mode is
// appended.
func viewFor(f *Frame) string {
	if strings.Contains(f.Entity, "/") || f.Mode == "" {
		return f.Entity
	}
	return f.Entity + "/" + string(f.Mode)
}

// parseViewMode extracts the mode from a qualified view identifier,
// defaulting to list.
func parseViewMode(view string) Mode {
	i := strings.LastIndex(view, "/")
	if i < 0 {
		return ModeList
	}
	switch Mode(view[i+1:]) {
	case ModeState:
		return ModeState
	case ModeAppend:
		return ModeAppend
	default:
		return ModeList
	}
}

// ensure returns the store for view, creating it when absent and attaching
// any remembered sort configuration and parser.
func (r *Registry) ensure(view string, mode Mode) *Store {
	r.mu.RLock()
	s, ok := r.stores[view]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	s, ok = r.stores[view]
	if !ok {
		s = newStore(view, mode, r.cfg)
		if p, ok := r.parsers[view]; ok {
			s.setParser(p)
		}
		r.stores[view] = s
		if sc, ok := r.sortConfigs[view]; ok {
			defer s.setSortConfig(sc)
		}
	}
	r.mu.Unlock()
	return s
}

// setParser remembers a parser for view, installing it immediately if the
// store already exists.
func (r *Registry) setParser(view string, p ParserFunc) {
	r.mu.Lock()
	r.parsers[view] = p
	s, ok := r.stores[view]
	r.mu.Unlock()
	if ok {
		s.setParser(p)
	}
}

// Apply routes one decoded frame. Acknowledgement frames attach sort
// configuration; data frames reconcile into their view's store.
func (r *Registry) Apply(f *Frame) {
	if f.IsAck() {
		r.attachSort(f)
		return
	}
	view := viewFor(f)
	mode := f.Mode
	if mode == "" {
		mode = parseViewMode(view)
	}
	s := r.ensure(view, mode)
	s.apply(f)
	r.cfg.observer().OnFrame(view, f.Key, f.Op)
}

// attachSort records the sort configuration from an acknowledgement frame
// and applies it to the view's store if one exists. The configuration is
// kept even when the store does not exist yet so that a store created later
// picks it up; a store's first configuration wins.
func (r *Registry) attachSort(f *Frame) {
	if f.View == "" || f.Sort == nil || len(f.Sort.Field) == 0 {
		return
	}
	r.mu.Lock()
	if _, ok := r.sortConfigs[f.View]; !ok {
		r.sortConfigs[f.View] = f.Sort
	}
	s, ok := r.stores[f.View]
	r.mu.Unlock()
	if ok {
		s.setSortConfig(f.Sort)
	}
}

// Store returns the store for view, or nil when none exists.
func (r *Registry) Store(view string) *Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stores[view]
}

// Views returns the identifiers of all stores held.
func (r *Registry) Views() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.stores))
	for v := range r.stores {
		out = append(out, v)
	}
	return out
}

// WaitReady blocks until the view's store has reconciled its first frame.
// A view with no store returns ErrViewNotSubscribed; a store that stays
// quiet past ctx returns ErrTimeout.
func (r *Registry) WaitReady(ctx context.Context, view string) error {
	s := r.Store(view)
	if s == nil {
		return ErrViewNotSubscribed
	}
	return s.WaitReady(ctx)
}

// Get waits for the view and returns the entry for key.
func (r *Registry) Get(ctx context.Context, view, key string) (interface{}, error) {
	s := r.Store(view)
	if s == nil {
		return nil, ErrViewNotSubscribed
	}
	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}
	return s.Get(key)
}

// List waits for the view and returns all values in view order.
func (r *Registry) List(ctx context.Context, view string) ([]interface{}, error) {
	s := r.Store(view)
	if s == nil {
		return nil, ErrViewNotSubscribed
	}
	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}
	return s.List(), nil
}

// close releases every store's update channels.
func (r *Registry) close() {
	r.mu.Lock()
	stores := make([]*Store, 0, len(r.stores))
	for _, s := range r.stores {
		stores = append(stores, s)
	}
	r.mu.Unlock()
	for _, s := range stores {
		s.close()
	}
}
