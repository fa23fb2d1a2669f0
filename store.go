package viewsync

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ParserFunc transforms a reconciled raw record into a domain value. It is
// applied once per reconciled value; on failure the raw record is kept and
// the error is reported through the observer. Parsers run outside the
// store's internal lock and may read back from the store.
type ParserFunc func(raw interface{}) (interface{}, error)

// Update describes one reconciled change delivered to watchers. Data is nil
// when the entry was deleted.
type Update struct {
	// View is the fully qualified view identifier
	View string
	// Key addresses the entry; empty for append sequences
	Key string
	// Op is the operation that produced the change
	Op Operation
	// Data is the value after reconciliation, nil on delete
	Data interface{}
	// Previous is the value before the change, nil when the entry is new
	Previous interface{}
	// Patch is the partial record applied, set only for patch operations
	Patch interface{}
}

// entry is one keyed record with both the raw merged JSON object (the merge
// and sort substrate) and the parsed value handed to readers.
type entry struct {
	raw   map[string]interface{}
	value interface{}
	elem  *list.Element
}

// Store holds the reconciled contents of a single view. Keyed views (state
// and list modes) address entries by key and preserve insertion order, with
// an optional server-assigned sort order layered on top. Append views hold
// an unaddressed sequence. All methods are safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	view string
	mode Mode

	maxEntries int
	bufferSize int
	parser     ParserFunc
	observer   Observer
	logger     *logrus.Entry

	// keyed shape
	entries   map[string]*entry
	order     *list.List // element values are keys, oldest first
	sortCfg   *SortConfig
	sorted    []sortKey
	keyToSort map[string]sortKey

	// append shape
	seq []interface{}

	listeners  map[int]func(Update)
	nextListen int
	channels   map[int]chan Update
	nextChan   int

	ready     chan struct{}
	readyOnce sync.Once
	closed    bool
}

// newStore creates an empty store for one view.
func newStore(view string, mode Mode, cfg *Config) *Store {
	return &Store{
		view:       view,
		mode:       mode,
		maxEntries: cfg.MaxEntriesPerView,
		bufferSize: cfg.UpdateBufferSize,
		observer:   cfg.observer(),
		logger:     cfg.logger().WithField("view", view),
		entries:    make(map[string]*entry),
		order:      list.New(),
		keyToSort:  make(map[string]sortKey),
		listeners:  make(map[int]func(Update)),
		channels:   make(map[int]chan Update),
		ready:      make(chan struct{}),
	}
}

// View returns the fully qualified view identifier.
func (s *Store) View() string {
	return s.view
}

// Mode returns the reconciliation shape of the view.
func (s *Store) Mode() Mode {
	return s.mode
}

// setParser installs the value parser. Must be called before frames arrive.
func (s *Store) setParser(p ParserFunc) {
	s.mu.Lock()
	s.parser = p
	s.mu.Unlock()
}

// SortConfig returns the sort configuration attached to the view, or nil.
func (s *Store) SortConfig() *SortConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortCfg
}

// setSortConfig attaches the server-assigned ordering. The first
// configuration wins; later assignments are ignored. Existing entries are
// re-indexed under the new order.
func (s *Store) setSortConfig(cfg *SortConfig) {
	if cfg == nil || len(cfg.Field) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sortCfg != nil {
		return
	}
	s.sortCfg = cfg
	s.sorted = s.sorted[:0]
	for key, e := range s.entries {
		sk := makeSortKey(extractSortValue(e.raw, cfg.Field), key, cfg.Order)
		s.keyToSort[key] = sk
		s.insertSorted(sk)
	}
}

// insertSorted places sk into the sorted index. Caller holds the lock.
func (s *Store) insertSorted(sk sortKey) {
	i := sort.Search(len(s.sorted), func(i int) bool {
		return sk.less(s.sorted[i])
	})
	s.sorted = append(s.sorted, sortKey{})
	copy(s.sorted[i+1:], s.sorted[i:])
	s.sorted[i] = sk
}

// removeSorted drops the index entry for key. Caller holds the lock.
func (s *Store) removeSorted(key string) {
	sk, ok := s.keyToSort[key]
	if !ok {
		return
	}
	delete(s.keyToSort, key)
	i := sort.Search(len(s.sorted), func(i int) bool {
		return !s.sorted[i].less(sk)
	})
	for i < len(s.sorted) {
		if s.sorted[i].key == key {
			s.sorted = append(s.sorted[:i], s.sorted[i+1:]...)
			return
		}
		if sk.less(s.sorted[i]) {
			return
		}
		i++
	}
}

// apply reconciles one frame into the store and notifies watchers.
func (s *Store) apply(f *Frame) {
	switch f.Op {
	case OpSnapshot:
		for _, se := range snapshotEntries(f.Data) {
			s.upsert(se.Key, se.Data, OpUpsert)
		}
	case OpDelete:
		s.delete(f.Key)
	case OpPatch:
		s.patch(f.Key, f.Data, f.Append)
	default:
		s.upsert(f.Key, f.Data, f.Op)
	}
}

// parsed runs the parser over a raw record, falling back to the raw value
// on failure. It runs outside the store lock, so a parser or an observer
// handling the failure may read back from the store.
func (s *Store) parsed(key string, raw interface{}) interface{} {
	s.mu.Lock()
	p := s.parser
	s.mu.Unlock()
	if p == nil {
		return raw
	}
	v, err := p(raw)
	if err != nil {
		perr := &ParseError{View: s.view, Key: key, Err: err}
		s.logger.WithError(perr).Warn("parser failed, keeping raw value")
		s.observer.OnError(perr)
		return raw
	}
	return v
}

// upsert replaces (or appends, for append views) an entry wholesale.
func (s *Store) upsert(key string, data interface{}, op Operation) {
	if s.mode == ModeAppend {
		s.appendValue(data, op)
		return
	}

	raw, _ := data.(map[string]interface{})
	if raw == nil {
		raw = map[string]interface{}{}
	}
	value := s.parsed(key, data)

	s.mu.Lock()
	var previous interface{}
	e, existed := s.entries[key]
	if existed {
		previous = e.value
		e.raw = raw
		e.value = value
		s.order.MoveToBack(e.elem)
	} else {
		e = &entry{raw: raw, value: value}
		e.elem = s.order.PushBack(key)
		s.entries[key] = e
	}
	if s.sortCfg != nil {
		if existed {
			s.removeSorted(key)
		}
		sk := makeSortKey(extractSortValue(raw, s.sortCfg.Field), key, s.sortCfg.Order)
		s.keyToSort[key] = sk
		s.insertSorted(sk)
	}
	evicted := s.enforceCapacity()
	s.markReady()
	s.mu.Unlock()

	s.notify(Update{View: s.view, Key: key, Op: op, Data: value, Previous: previous})
	s.notifyEvictions(evicted)
}

// patch deep-merges a partial record into an entry, creating it when absent.
func (s *Store) patch(key string, data interface{}, appendPaths []string) {
	if s.mode == ModeAppend {
		s.appendValue(data, OpPatch)
		return
	}

	s.mu.Lock()
	var current map[string]interface{}
	if e, ok := s.entries[key]; ok {
		current = e.raw
	}
	merged := deepMergeWithAppend(current, data, appendPaths)
	s.mu.Unlock()

	raw, _ := merged.(map[string]interface{})
	if raw == nil {
		raw = map[string]interface{}{}
	}
	// The parser runs between merge and install; frames for one view are
	// applied from a single dispatch goroutine, so no writer interleaves.
	value := s.parsed(key, merged)

	s.mu.Lock()
	var previous interface{}
	e, existed := s.entries[key]
	if existed {
		previous = e.value
		e.raw = raw
		e.value = value
		s.order.MoveToBack(e.elem)
	} else {
		e = &entry{raw: raw, value: value}
		e.elem = s.order.PushBack(key)
		s.entries[key] = e
	}
	if s.sortCfg != nil {
		if existed {
			s.removeSorted(key)
		}
		sk := makeSortKey(extractSortValue(raw, s.sortCfg.Field), key, s.sortCfg.Order)
		s.keyToSort[key] = sk
		s.insertSorted(sk)
	}
	evicted := s.enforceCapacity()
	s.markReady()
	s.mu.Unlock()

	s.notify(Update{View: s.view, Key: key, Op: OpPatch, Data: value, Previous: previous, Patch: data})
	s.notifyEvictions(evicted)
}

// delete removes an entry. Deleting an absent key is a no-op.
func (s *Store) delete(key string) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	previous := e.value
	delete(s.entries, key)
	s.order.Remove(e.elem)
	if s.sortCfg != nil {
		s.removeSorted(key)
	}
	s.mu.Unlock()

	s.notify(Update{View: s.view, Key: key, Op: OpDelete, Previous: previous})
}

// appendValue adds one element to an append sequence.
func (s *Store) appendValue(data interface{}, op Operation) {
	value := s.parsed("", data)

	s.mu.Lock()
	s.seq = append(s.seq, value)
	var evicted int
	if s.maxEntries > 0 && len(s.seq) > s.maxEntries {
		evicted = len(s.seq) - s.maxEntries
		s.seq = append([]interface{}(nil), s.seq[evicted:]...)
	}
	s.markReady()
	s.mu.Unlock()

	for i := 0; i < evicted; i++ {
		s.observer.OnEviction(s.view, "")
	}
	s.notify(Update{View: s.view, Op: op, Data: value})
}

// enforceCapacity evicts entries past the configured bound. With a sort
// order the logical tail (last in sort order) goes first; without one the
// oldest-inserted entry goes. Caller holds the lock; returns evicted keys.
func (s *Store) enforceCapacity() []string {
	if s.maxEntries <= 0 {
		return nil
	}
	var evicted []string
	for len(s.entries) > s.maxEntries {
		var victim string
		if s.sortCfg != nil && len(s.sorted) > 0 {
			victim = s.sorted[len(s.sorted)-1].key
		} else if front := s.order.Front(); front != nil {
			victim = front.Value.(string)
		} else {
			break
		}
		e := s.entries[victim]
		delete(s.entries, victim)
		s.order.Remove(e.elem)
		if s.sortCfg != nil {
			s.removeSorted(victim)
		}
		evicted = append(evicted, victim)
	}
	return evicted
}

func (s *Store) notifyEvictions(keys []string) {
	for _, k := range keys {
		s.logger.WithField("key", k).Debug("evicted entry past capacity")
		s.observer.OnEviction(s.view, k)
	}
}

// markReady flips the ready latch. Caller holds the lock.
func (s *Store) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// WaitReady blocks until the store has reconciled at least one frame, the
// context expires, or the store is closed.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	}
}

// Get returns the entry for key. ErrNotFound is returned when the key is
// absent or the view is an append sequence.
func (s *Store) Get(key string) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeAppend {
		return nil, ErrNotFound
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.value, nil
}

// Primary returns the first entry in view order: sort order when configured,
// insertion order otherwise, first element for append sequences.
func (s *Store) Primary() (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeAppend {
		if len(s.seq) == 0 {
			return nil, ErrNotFound
		}
		return s.seq[0], nil
	}
	if s.sortCfg != nil {
		if len(s.sorted) == 0 {
			return nil, ErrNotFound
		}
		return s.entries[s.sorted[0].key].value, nil
	}
	front := s.order.Front()
	if front == nil {
		return nil, ErrNotFound
	}
	return s.entries[front.Value.(string)].value, nil
}

// List returns all values in view order.
func (s *Store) List() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeAppend {
		out := make([]interface{}, len(s.seq))
		copy(out, s.seq)
		return out
	}
	out := make([]interface{}, 0, len(s.entries))
	if s.sortCfg != nil {
		for _, sk := range s.sorted {
			out = append(out, s.entries[sk.key].value)
		}
		return out
	}
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, s.entries[el.Value.(string)].value)
	}
	return out
}

// Keys returns all keys in view order. Append sequences have no keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	if s.sortCfg != nil {
		for _, sk := range s.sorted {
			out = append(out, sk.key)
		}
		return out
	}
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(string))
	}
	return out
}

// Len returns the number of entries (or sequence elements) held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeAppend {
		return len(s.seq)
	}
	return len(s.entries)
}

// Subscribe registers a synchronous listener invoked for every reconciled
// change. The returned function removes the listener. A panicking listener
// is recovered and reported; other listeners still run.
func (s *Store) Subscribe(fn func(Update)) func() {
	s.mu.Lock()
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Updates returns a channel of reconciled changes. Each call gets an
// independent buffered channel; when a consumer lags, the oldest buffered
// update is dropped to make room. The channel closes when ctx is done or
// the store is closed.
func (s *Store) Updates(ctx context.Context) <-chan Update {
	ch := make(chan Update, s.bufferSize)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextChan
	s.nextChan++
	s.channels[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.channels[id]; ok {
			delete(s.channels, id)
			close(ch)
		}
		s.mu.Unlock()
	}()
	return ch
}

// notify fans an update out to listeners and channels.
func (s *Store) notify(u Update) {
	s.mu.Lock()
	fns := make([]func(Update), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	chans := make([]chan Update, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		s.invoke(fn, u)
	}
	for _, ch := range chans {
		select {
		case ch <- u:
		default:
			// drop the oldest buffered update for this lagging consumer
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
			s.logger.Warn("update channel full, dropped oldest update")
		}
	}
}

func (s *Store) invoke(fn func(Update), u Update) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("listener panicked")
		}
	}()
	fn(u)
}

// close releases all update channels.
func (s *Store) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, ch := range s.channels {
		delete(s.channels, id)
		close(ch)
	}
	s.mu.Unlock()
	s.markReady()
}

// deepMergeWithAppend merges patch into current. Nested objects merge
// recursively; arrays on both sides whose dotted path is listed in
// appendPaths concatenate; every other field replaces. A nil current or a
// non-object patch yields the patch itself.
func deepMergeWithAppend(current map[string]interface{}, patch interface{}, appendPaths []string) interface{} {
	patchObj, ok := patch.(map[string]interface{})
	if !ok {
		return patch
	}
	return mergeObjects(current, patchObj, appendPaths, "")
}

func mergeObjects(current, patch map[string]interface{}, appendPaths []string, prefix string) map[string]interface{} {
	out := make(map[string]interface{}, len(current)+len(patch))
	for k, v := range current {
		out[k] = v
	}
	for k, pv := range patch {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		cv, exists := out[k]
		if exists {
			if co, ok1 := cv.(map[string]interface{}); ok1 {
				if po, ok2 := pv.(map[string]interface{}); ok2 {
					out[k] = mergeObjects(co, po, appendPaths, path)
					continue
				}
			}
			if pathInList(path, appendPaths) {
				if ca, ok1 := cv.([]interface{}); ok1 {
					if pa, ok2 := pv.([]interface{}); ok2 {
						merged := make([]interface{}, 0, len(ca)+len(pa))
						merged = append(merged, ca...)
						merged = append(merged, pa...)
						out[k] = merged
						continue
					}
				}
			}
		}
		out[k] = pv
	}
	return out
}

func pathInList(path string, paths []string) bool {
	for _, p := range paths {
		if strings.TrimSpace(p) == path {
			return true
		}
	}
	return false
}
