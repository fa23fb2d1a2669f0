package viewsync

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Subscription describes one server subscription: a view, an optional key to
// narrow to a single entry, an optional partition, and optional filters.
type Subscription struct {
	// View is the fully qualified view identifier ("Entity/mode")
	View string
	// Key narrows the subscription to one entry; empty subscribes the view
	Key string
	// Partition selects a server-side partition
	Partition string
	// Filters narrow the subscription server-side
	Filters map[string]string
}

// dedupKey derives the identity under which subscriptions are deduplicated.
// Filters are serialized with sorted keys so equal filter sets collide.
func (s Subscription) dedupKey() string {
	key := s.Key
	if key == "" {
		key = "*"
	}
	var b strings.Builder
	b.WriteString(s.View)
	b.WriteByte(':')
	b.WriteString(key)
	b.WriteByte(':')
	b.WriteString(s.Partition)
	b.WriteByte(':')
	if len(s.Filters) > 0 {
		// encoding/json emits map keys sorted, so equal filter sets encode
		// identically
		enc, _ := json.Marshal(s.Filters)
		b.Write(enc)
	}
	return b.String()
}

// subscribeRequest is the outbound subscription message.
type subscribeRequest struct {
	Type      string            `json:"type"`
	View      string            `json:"view"`
	Key       string            `json:"key,omitempty"`
	Partition string            `json:"partition,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// unsubscribeRequest is the outbound unsubscription message.
type unsubscribeRequest struct {
	Type      string            `json:"type"`
	View      string            `json:"view"`
	Key       string            `json:"key,omitempty"`
	Partition string            `json:"partition,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
}

func (s Subscription) subscribePayload() ([]byte, error) {
	return json.Marshal(subscribeRequest{
		Type:      "subscribe",
		View:      s.View,
		Key:       s.Key,
		Partition: s.Partition,
		Filters:   s.Filters,
	})
}

func (s Subscription) unsubscribePayload() ([]byte, error) {
	return json.Marshal(unsubscribeRequest{
		Type:      "unsubscribe",
		View:      s.View,
		Key:       s.Key,
		Partition: s.Partition,
		Filters:   s.Filters,
	})
}

// subscriptionSet tracks active subscriptions so they can be deduplicated
// and replayed on every (re)connection. The server holds no session state
// across connections, so the full active set is resent each time.
type subscriptionSet struct {
	mu     sync.Mutex
	active map[string]Subscription
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{active: make(map[string]Subscription)}
}

// add records a subscription, reporting whether it was new.
func (ss *subscriptionSet) add(s Subscription) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	k := s.dedupKey()
	if _, ok := ss.active[k]; ok {
		return false
	}
	ss.active[k] = s
	return true
}

// remove drops a subscription, reporting whether it was present.
func (ss *subscriptionSet) remove(s Subscription) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	k := s.dedupKey()
	if _, ok := ss.active[k]; !ok {
		return false
	}
	delete(ss.active, k)
	return true
}

// list snapshots the active subscriptions in a stable order.
func (ss *subscriptionSet) list() []Subscription {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	keys := make([]string, 0, len(ss.active))
	for k := range ss.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Subscription, 0, len(keys))
	for _, k := range keys {
		out = append(out, ss.active[k])
	}
	return out
}
