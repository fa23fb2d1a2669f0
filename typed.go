package viewsync

import (
	"context"
	"encoding/json"
)

// View is a typed wrapper around a client subscription that decodes
// reconciled values into T through their JSON encoding.
//
// Example usage:
//
//	type Order struct {
//	    ID     string  `json:"id"`
//	    Status string  `json:"status"`
//	    Total  float64 `json:"total"`
//	}
//
//	orders, err := viewsync.NewView[Order](client, "Order/list")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	all, err := orders.List(ctx)
type View[T any] struct {
	client *Client
	view   string
	store  *Store
}

// TypedUpdate is a reconciled change decoded into T. Deleted is set when the
// entry was removed; Data is the zero value then.
type TypedUpdate[T any] struct {
	// Key addresses the entry
	Key string
	// Op is the operation that produced the change
	Op Operation
	// Data is the decoded value
	Data T
	// Deleted reports entry removal
	Deleted bool
}

// NewView subscribes client to view and returns a typed wrapper over it.
func NewView[T any](client *Client, view string, opts ...SubscribeOption) (*View[T], error) {
	store, err := client.Subscribe(view, opts...)
	if err != nil {
		return nil, err
	}
	return &View[T]{client: client, view: view, store: store}, nil
}

// decode round-trips a reconciled value through JSON into T.
func (v *View[T]) decode(key string, raw interface{}) (T, error) {
	var out T
	b, err := json.Marshal(raw)
	if err != nil {
		return out, &ParseError{View: v.view, Key: key, Err: err}
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, &ParseError{View: v.view, Key: key, Err: err}
	}
	return out, nil
}

// Get waits for the view to reconcile its first frame and returns the entry
// for key decoded into T.
func (v *View[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	if err := v.store.WaitReady(ctx); err != nil {
		return zero, err
	}
	raw, err := v.store.Get(key)
	if err != nil {
		return zero, err
	}
	return v.decode(key, raw)
}

// Primary waits for the view and returns the first entry in view order
// decoded into T.
func (v *View[T]) Primary(ctx context.Context) (T, error) {
	var zero T
	if err := v.store.WaitReady(ctx); err != nil {
		return zero, err
	}
	raw, err := v.store.Primary()
	if err != nil {
		return zero, err
	}
	return v.decode("", raw)
}

// List waits for the view and returns all values in view order decoded
// into T. A value that fails to decode aborts with a *ParseError.
func (v *View[T]) List(ctx context.Context) ([]T, error) {
	if err := v.store.WaitReady(ctx); err != nil {
		return nil, err
	}
	raws := v.store.List()
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		t, err := v.decode("", raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Keys returns all keys in view order.
func (v *View[T]) Keys() []string {
	return v.store.Keys()
}

// Watch returns a channel of typed changes. A value that fails to decode is
// reported through the observer and skipped; deletions are delivered with
// Deleted set.
func (v *View[T]) Watch(ctx context.Context) <-chan TypedUpdate[T] {
	in := v.store.Updates(ctx)
	out := make(chan TypedUpdate[T], v.client.cfg.UpdateBufferSize)
	go func() {
		defer close(out)
		for u := range in {
			tu := TypedUpdate[T]{Key: u.Key, Op: u.Op}
			if u.Data == nil {
				tu.Deleted = true
			} else {
				t, err := v.decode(u.Key, u.Data)
				if err != nil {
					v.client.observer.OnError(err)
					continue
				}
				tu.Data = t
			}
			select {
			case out <- tu:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Store returns the underlying untyped store.
func (v *View[T]) Store() *Store {
	return v.store
}
