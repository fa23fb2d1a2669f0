package viewsync

import (
	"sync"
	"sync/atomic"
	"time"
)

// Observer receives client lifecycle callbacks. Implementations must be safe
// for concurrent use; callbacks are invoked from the client's internal
// goroutines and should return quickly.
//
// Use NoopObserver as an embedding base so new callbacks do not break
// implementations:
//
//	type connLogger struct {
//	    viewsync.NoopObserver
//	}
//
//	func (l *connLogger) OnConnect() { log.Println("connected") }
type Observer interface {
	// OnConnect is called when a connection is established
	OnConnect()

	// OnDisconnect is called when an established connection drops or the
	// client disconnects
	OnDisconnect()

	// OnError is called for non-fatal errors: malformed frames, handler
	// failures, parser failures, failed reconnect cycles
	OnError(err error)

	// OnReconnectAttempt is called before each reconnection attempt with
	// the attempt number (starting at 1) and the wait that preceded it
	OnReconnectAttempt(attempt int, wait time.Duration)

	// OnFrame is called after a data frame has been reconciled
	OnFrame(view, key string, op Operation)

	// OnEviction is called when an entry is evicted past the capacity bound
	OnEviction(view, key string)
}

// NoopObserver is an Observer that does nothing.
type NoopObserver struct{}

// OnConnect does nothing
func (NoopObserver) OnConnect() {}

// OnDisconnect does nothing
func (NoopObserver) OnDisconnect() {}

// OnError does nothing
func (NoopObserver) OnError(err error) {}

// OnReconnectAttempt does nothing
func (NoopObserver) OnReconnectAttempt(attempt int, wait time.Duration) {}

// OnFrame does nothing
func (NoopObserver) OnFrame(view, key string, op Operation) {}

// OnEviction does nothing
func (NoopObserver) OnEviction(view, key string) {}

// Metrics is a point-in-time snapshot of client activity counters.
type Metrics struct {
	// Connects counts established connections
	Connects int64
	// Disconnects counts connection drops
	Disconnects int64
	// Errors counts non-fatal errors
	Errors int64
	// ReconnectAttempts counts reconnection attempts
	ReconnectAttempts int64
	// Frames counts reconciled data frames
	Frames int64
	// Evictions counts capacity evictions
	Evictions int64
}

// MetricsCollector is an Observer that accumulates counters.
type MetricsCollector struct {
	connects          atomic.Int64
	disconnects       atomic.Int64
	errors            atomic.Int64
	reconnectAttempts atomic.Int64
	frames            atomic.Int64
	evictions         atomic.Int64
}

// NewMetricsCollector creates a metrics-collecting observer.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// OnConnect increments the connect counter
func (m *MetricsCollector) OnConnect() { m.connects.Add(1) }

// OnDisconnect increments the disconnect counter
func (m *MetricsCollector) OnDisconnect() { m.disconnects.Add(1) }

// OnError increments the error counter
func (m *MetricsCollector) OnError(err error) { m.errors.Add(1) }

// OnReconnectAttempt increments the reconnect counter
func (m *MetricsCollector) OnReconnectAttempt(attempt int, wait time.Duration) {
	m.reconnectAttempts.Add(1)
}

// OnFrame increments the frame counter
func (m *MetricsCollector) OnFrame(view, key string, op Operation) { m.frames.Add(1) }

// OnEviction increments the eviction counter
func (m *MetricsCollector) OnEviction(view, key string) { m.evictions.Add(1) }

// GetMetrics returns a snapshot of the counters.
func (m *MetricsCollector) GetMetrics() Metrics {
	return Metrics{
		Connects:          m.connects.Load(),
		Disconnects:       m.disconnects.Load(),
		Errors:            m.errors.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		Frames:            m.frames.Load(),
		Evictions:         m.evictions.Load(),
	}
}

// CompositeObserver fans callbacks out to multiple observers. A panicking
// observer is recovered so the others still run.
type CompositeObserver struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewCompositeObserver creates a composite over the given observers.
func NewCompositeObserver(observers ...Observer) *CompositeObserver {
	return &CompositeObserver{observers: observers}
}

// Add appends an observer.
func (c *CompositeObserver) Add(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

func (c *CompositeObserver) each(fn func(Observer)) {
	c.mu.RLock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.RUnlock()
	for _, o := range observers {
		func() {
			defer func() { recover() }()
			fn(o)
		}()
	}
}

// OnConnect fans out to all observers
func (c *CompositeObserver) OnConnect() {
	c.each(func(o Observer) { o.OnConnect() })
}

// OnDisconnect fans out to all observers
func (c *CompositeObserver) OnDisconnect() {
	c.each(func(o Observer) { o.OnDisconnect() })
}

// OnError fans out to all observers
func (c *CompositeObserver) OnError(err error) {
	c.each(func(o Observer) { o.OnError(err) })
}

// OnReconnectAttempt fans out to all observers
func (c *CompositeObserver) OnReconnectAttempt(attempt int, wait time.Duration) {
	c.each(func(o Observer) { o.OnReconnectAttempt(attempt, wait) })
}

// OnFrame fans out to all observers
func (c *CompositeObserver) OnFrame(view, key string, op Operation) {
	c.each(func(o Observer) { o.OnFrame(view, key, op) })
}

// OnEviction fans out to all observers
func (c *CompositeObserver) OnEviction(view, key string) {
	c.each(func(o Observer) { o.OnEviction(view, key) })
}
