package viewsync

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Client maintains locally reconciled caches of server views over a
// persistent websocket connection. All methods are safe for concurrent use.
//
// Example usage:
//
//	client, err := viewsync.NewClient(viewsync.DefaultConfig("wss://sync.example.com/ws"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Connect(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect()
//
//	store, err := client.Subscribe("Order/list")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, order := range store.List() {
//	    fmt.Println(order)
//	}
type Client struct {
	cfg      *Config
	logger   *logrus.Entry
	observer Observer

	registry *Registry
	subs     *subscriptionSet
	conn     *connManager

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client from the given configuration. The configuration
// is validated; an invalid value returns an error wrapping ErrInvalidConfig.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, &ConfigError{Field: "Config", Reason: "config is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		logger:   cfg.logger().WithField("component", "client"),
		observer: cfg.observer(),
		registry: newRegistry(cfg),
		subs:     newSubscriptionSet(),
	}
	c.conn = newConnManager(cfg, c.handleMessage, c.flushSubscriptions)
	return c, nil
}

// Connect establishes the websocket connection, running the configured
// backoff schedule before giving up with a *ConnectionError. Subscriptions
// made before Connect are sent once the connection is up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()
	return c.conn.Connect(ctx)
}

// Disconnect closes the connection and releases all update channels. The
// client cannot be reused afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.Disconnect()
	c.registry.close()
}

// ConnectionState returns the connection lifecycle phase.
func (c *Client) ConnectionState() ConnectionState {
	return c.conn.State()
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	key       string
	partition string
	filters   map[string]string
	parser    ParserFunc
}

// WithKey narrows the subscription to a single entry.
func WithKey(key string) SubscribeOption {
	return func(o *subscribeOptions) { o.key = key }
}

// WithPartition selects a server-side partition.
func WithPartition(partition string) SubscribeOption {
	return func(o *subscribeOptions) { o.partition = partition }
}

// WithFilters narrows the subscription server-side.
func WithFilters(filters map[string]string) SubscribeOption {
	return func(o *subscribeOptions) { o.filters = filters }
}

// WithParser installs a parser applied once to each reconciled value. On
// parser failure the raw value is kept and the error is reported through
// the observer; reconciliation is never aborted.
func WithParser(p ParserFunc) SubscribeOption {
	return func(o *subscribeOptions) { o.parser = p }
}

// Subscribe registers interest in a view and returns its store. The view
// must follow the "Entity/mode" convention. Subscribing is idempotent:
// an identical subscription is not resent. The subscription request is sent
// immediately when connected, and replayed on every reconnection.
func (c *Client) Subscribe(view string, opts ...SubscribeOption) (*Store, error) {
	if !strings.Contains(view, "/") {
		return nil, &SubscriptionError{View: view, Reason: "view must be qualified as Entity/mode"}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.mu.Unlock()

	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.parser != nil {
		c.registry.setParser(view, o.parser)
	}
	store := c.registry.ensure(view, parseViewMode(view))

	sub := Subscription{View: view, Key: o.key, Partition: o.partition, Filters: o.filters}
	if !c.subs.add(sub) {
		return store, nil
	}
	c.sendSubscription(sub)
	return store, nil
}

// Unsubscribe withdraws a subscription previously made with the same view
// and options. Withdrawing a subscription that was never made is a no-op.
// The local store and its contents are retained.
func (c *Client) Unsubscribe(view string, opts ...SubscribeOption) error {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	sub := Subscription{View: view, Key: o.key, Partition: o.partition, Filters: o.filters}
	if !c.subs.remove(sub) {
		return nil
	}
	payload, err := sub.unsubscribePayload()
	if err != nil {
		return err
	}
	if err := c.conn.Send(payload); err != nil && err != ErrNotConnected {
		return err
	}
	return nil
}

// sendSubscription sends one subscription request, tolerating a missing
// connection: pending subscriptions are flushed when the connection is up.
func (c *Client) sendSubscription(sub Subscription) {
	payload, err := sub.subscribePayload()
	if err != nil {
		c.logger.WithError(err).Error("failed to encode subscription")
		return
	}
	if err := c.conn.Send(payload); err != nil {
		if err != ErrNotConnected {
			c.logger.WithError(err).WithField("view", sub.View).Warn("subscription send failed")
			c.observer.OnError(err)
		}
	}
}

// flushSubscriptions resends every active subscription. Called on each
// established connection: the server holds no subscription state across
// connections.
func (c *Client) flushSubscriptions() {
	for _, sub := range c.subs.list() {
		c.sendSubscription(sub)
	}
}

// handleMessage decodes one inbound message and routes it to the registry.
func (c *Client) handleMessage(raw []byte) error {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return err
	}
	c.registry.Apply(frame)
	return nil
}

// Store returns the store for a view previously passed to Subscribe, or
// ErrViewNotSubscribed when no such subscription was made.
func (c *Client) Store(view string) (*Store, error) {
	s := c.registry.Store(view)
	if s == nil {
		return nil, ErrViewNotSubscribed
	}
	return s, nil
}

// Get subscribes to the state view of entity (if not already subscribed),
// waits for it to reconcile its first frame, and returns the entry for key.
// ErrNotFound is returned when the reconciled view has no such key,
// ErrTimeout when ctx expires before the view is ready.
func (c *Client) Get(ctx context.Context, entity Entity, key string) (interface{}, error) {
	store, err := c.Subscribe(entity.StateView(), WithKey(key))
	if err != nil {
		return nil, err
	}
	if err := store.WaitReady(ctx); err != nil {
		return nil, err
	}
	return store.Get(key)
}

// List subscribes to the list view of entity (if not already subscribed),
// waits for it to reconcile its first frame, and returns all values in view
// order.
func (c *Client) List(ctx context.Context, entity Entity) ([]interface{}, error) {
	store, err := c.Subscribe(entity.ListView())
	if err != nil {
		return nil, err
	}
	if err := store.WaitReady(ctx); err != nil {
		return nil, err
	}
	return store.List(), nil
}

// Watch subscribes to view and returns a channel of reconciled changes. The
// channel follows the Updates contract: independent per call, buffered, and
// closed when ctx is done or the client disconnects.
func (c *Client) Watch(ctx context.Context, view string, opts ...SubscribeOption) (<-chan Update, error) {
	store, err := c.Subscribe(view, opts...)
	if err != nil {
		return nil, err
	}
	return store.Updates(ctx), nil
}

// WatchKey subscribes to a single entry of view and returns a channel
// delivering only that entry's changes.
func (c *Client) WatchKey(ctx context.Context, view, key string, opts ...SubscribeOption) (<-chan Update, error) {
	opts = append(opts, WithKey(key))
	store, err := c.Subscribe(view, opts...)
	if err != nil {
		return nil, err
	}
	in := store.Updates(ctx)
	out := make(chan Update, c.cfg.UpdateBufferSize)
	go func() {
		defer close(out)
		for u := range in {
			if u.Key != key {
				continue
			}
			select {
			case out <- u:
			default:
			}
		}
	}()
	return out, nil
}

// Registry exposes the view registry for advanced use.
func (c *Client) Registry() *Registry {
	return c.registry
}
