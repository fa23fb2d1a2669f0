// Package viewsync maintains locally reconciled, real-time caches of named
// server views streamed over a persistent websocket connection.
//
// A view is a named, shaped projection of server state identified as
// "Entity/mode". State and list views hold keyed entries; append views hold
// an unaddressed sequence. The server streams change frames (create, upsert,
// patch, delete, snapshot) and the client folds them into per-view stores,
// so reads are always local and synchronous.
//
// Basic usage:
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
//	if err := store.WaitReady(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	for _, order := range store.List() {
//	    fmt.Println(order)
//	}
//
// Stores order entries by insertion unless the server attaches a sort
// configuration on subscription acknowledgement, in which case entries are
// maintained in sorted order with the entry key as final tie-break. Each
// view is capacity-bounded; entries past the bound are evicted from the
// logical tail.
//
// The connection is resilient: a configurable backoff schedule governs both
// the initial connect and ambient reconnection, active subscriptions are
// replayed on every reconnect, and a keepalive ping keeps intermediaries
// from idling the connection out.
//
// Use View for typed access:
//
//	orders, err := viewsync.NewView[Order](client, "Order/list")
//	all, err := orders.List(ctx)
package viewsync
