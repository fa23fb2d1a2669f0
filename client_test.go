package viewsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *mockServer) *Client {
	t.Helper()
	cfg := testConfig().
		WithReconnectSchedule(fastSchedule(2)).
		WithPingInterval(0)
	cfg.URL = srv.url()
	client, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(client.Disconnect)
	return client
}

func connectTestClient(t *testing.T, srv *mockServer) (*Client, *websocket.Conn) {
	t.Helper()
	client := newTestClient(t, srv)
	require.NoError(t, client.Connect(context.Background()))
	return client, srv.waitConn()
}

func decodeRequest(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewClient(DefaultConfig(""))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewClient(DefaultConfig("http://not-a-websocket"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClientConnectFailureSurfaces(t *testing.T) {
	srv := newMockServer(t)
	client := newTestClient(t, srv)
	srv.Close()

	err := client.Connect(context.Background())
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
}

func TestClientSubscribeSendsRequest(t *testing.T) {
	srv := newMockServer(t)
	client, _ := connectTestClient(t, srv)

	_, err := client.Subscribe("Order/list")
	require.NoError(t, err)

	msg := decodeRequest(t, srv.waitMessage())
	assert.Equal(t, "subscribe", msg["type"])
	assert.Equal(t, "Order/list", msg["view"])
}

func TestClientSubscribeRejectsUnqualifiedView(t *testing.T) {
	srv := newMockServer(t)
	client, _ := connectTestClient(t, srv)

	_, err := client.Subscribe("Order")
	var serr *SubscriptionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Order", serr.View)
}

func TestClientSubscribeIdempotent(t *testing.T) {
	srv := newMockServer(t)
	client, _ := connectTestClient(t, srv)

	s1, err := client.Subscribe("Order/list")
	require.NoError(t, err)
	srv.waitMessage()

	s2, err := client.Subscribe("Order/list")
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	select {
	case raw := <-srv.received:
		t.Fatalf("duplicate subscription sent: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientSubscribeBeforeConnectFlushes(t *testing.T) {
	srv := newMockServer(t)
	client := newTestClient(t, srv)

	_, err := client.Subscribe("Order/list")
	require.NoError(t, err)
	_, err = client.Subscribe("Widget/state")
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	srv.waitConn()

	views := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg := decodeRequest(t, srv.waitMessage())
		views[msg["view"].(string)] = true
	}
	assert.True(t, views["Order/list"])
	assert.True(t, views["Widget/state"])
}

func TestClientResendsSubscriptionsOnReconnect(t *testing.T) {
	srv := newMockServer(t)
	client, first := connectTestClient(t, srv)

	_, err := client.Subscribe("Order/list")
	require.NoError(t, err)
	srv.waitMessage()

	first.Close()
	srv.waitConn()

	msg := decodeRequest(t, srv.waitMessage())
	assert.Equal(t, "subscribe", msg["type"])
	assert.Equal(t, "Order/list", msg["view"])

	require.Eventually(t, func() bool {
		return client.ConnectionState() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientReconciliationScenario(t *testing.T) {
	srv := newMockServer(t)
	client, ws := connectTestClient(t, srv)

	store, err := client.Subscribe("Widget/list")
	require.NoError(t, err)
	srv.waitMessage()

	srv.send(ws, `{"mode":"list","entity":"Widget","op":"upsert","key":"w1","data":{"name":"gear","count":1}}`)
	srv.send(ws, `{"mode":"list","entity":"Widget","op":"upsert","key":"w2","data":{"name":"cog","count":2}}`)
	srv.send(ws, `{"mode":"list","entity":"Widget","op":"patch","key":"w1","data":{"count":5}}`)
	srv.send(ws, `{"mode":"list","entity":"Widget","op":"delete","key":"w2"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, store.WaitReady(ctx))

	require.Eventually(t, func() bool {
		return store.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	v, err := store.Get("w1")
	require.NoError(t, err)
	m := v.(map[string]interface{})
	assert.Equal(t, "gear", m["name"])
	assert.Equal(t, 5.0, m["count"])
}

func TestClientMalformedFrameKeepsConnection(t *testing.T) {
	srv := newMockServer(t)
	client, ws := connectTestClient(t, srv)

	store, err := client.Subscribe("Widget/list")
	require.NoError(t, err)
	srv.waitMessage()

	srv.send(ws, `{"this is": not json`)
	srv.send(ws, `{"mode":"list","entity":"Widget","op":"upsert","key":"w1","data":{}}`)

	require.Eventually(t, func() bool {
		return store.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, client.ConnectionState())
}

func TestClientSortFromAck(t *testing.T) {
	srv := newMockServer(t)
	client, ws := connectTestClient(t, srv)

	store, err := client.Subscribe("Order/list")
	require.NoError(t, err)
	srv.waitMessage()

	srv.send(ws, `{"op":"subscribed","view":"Order/list","mode":"list","sort":{"field":["total"],"order":"desc"}}`)
	srv.send(ws, `{"mode":"list","entity":"Order","op":"upsert","key":"small","data":{"total":1}}`)
	srv.send(ws, `{"mode":"list","entity":"Order","op":"upsert","key":"big","data":{"total":9}}`)

	require.Eventually(t, func() bool {
		return store.Len() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"big", "small"}, store.Keys())
}

func TestClientGetAndList(t *testing.T) {
	srv := newMockServer(t)
	client, ws := connectTestClient(t, srv)

	go func() {
		srv.waitMessage() // the subscribe request
		srv.send(ws, `{"mode":"state","entity":"Widget","op":"upsert","key":"w1","data":{"name":"gear"}}`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := client.Get(ctx, Entity("Widget"), "w1")
	require.NoError(t, err)
	assert.Equal(t, "gear", v.(map[string]interface{})["name"])

	_, err = client.Get(ctx, Entity("Widget"), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientWatch(t *testing.T) {
	srv := newMockServer(t)
	client, ws := connectTestClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := client.Watch(ctx, "Widget/list")
	require.NoError(t, err)
	srv.waitMessage()

	srv.send(ws, `{"mode":"list","entity":"Widget","op":"upsert","key":"w1","data":{"name":"gear"}}`)

	select {
	case u := <-updates:
		assert.Equal(t, "w1", u.Key)
		assert.Equal(t, OpUpsert, u.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}
}

func TestClientWatchKeyFilters(t *testing.T) {
	srv := newMockServer(t)
	client, ws := connectTestClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := client.WatchKey(ctx, "Widget/list", "w2")
	require.NoError(t, err)
	srv.waitMessage()

	srv.send(ws, `{"mode":"list","entity":"Widget","op":"upsert","key":"w1","data":{}}`)
	srv.send(ws, `{"mode":"list","entity":"Widget","op":"upsert","key":"w2","data":{}}`)

	select {
	case u := <-updates:
		assert.Equal(t, "w2", u.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}
}

func TestClientUnsubscribe(t *testing.T) {
	srv := newMockServer(t)
	client, _ := connectTestClient(t, srv)

	_, err := client.Subscribe("Order/list")
	require.NoError(t, err)
	srv.waitMessage()

	require.NoError(t, client.Unsubscribe("Order/list"))
	msg := decodeRequest(t, srv.waitMessage())
	assert.Equal(t, "unsubscribe", msg["type"])

	// Withdrawing again, or withdrawing a view that was never subscribed,
	// is silent and sends nothing.
	require.NoError(t, client.Unsubscribe("Order/list"))
	require.NoError(t, client.Unsubscribe("Never/list"))
	select {
	case raw := <-srv.received:
		t.Fatalf("unexpected message sent: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientStoreLookup(t *testing.T) {
	srv := newMockServer(t)
	client, _ := connectTestClient(t, srv)

	_, err := client.Store("Order/list")
	assert.ErrorIs(t, err, ErrViewNotSubscribed)

	subscribed, err := client.Subscribe("Order/list")
	require.NoError(t, err)
	found, err := client.Store("Order/list")
	require.NoError(t, err)
	assert.Same(t, subscribed, found)
}

func TestClientParserOption(t *testing.T) {
	srv := newMockServer(t)
	client, ws := connectTestClient(t, srv)

	type widget struct{ Name string }
	store, err := client.Subscribe("Widget/list", WithParser(func(raw interface{}) (interface{}, error) {
		m := raw.(map[string]interface{})
		return widget{Name: m["name"].(string)}, nil
	}))
	require.NoError(t, err)
	srv.waitMessage()

	srv.send(ws, `{"mode":"list","entity":"Widget","op":"upsert","key":"w1","data":{"name":"gear"}}`)

	require.Eventually(t, func() bool {
		return store.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	v, err := store.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, widget{Name: "gear"}, v)
}

func TestClientDisconnectClosesUpdateChannels(t *testing.T) {
	srv := newMockServer(t)
	client, _ := connectTestClient(t, srv)

	ctx := context.Background()
	updates, err := client.Watch(ctx, "Widget/list")
	require.NoError(t, err)

	client.Disconnect()
	select {
	case _, open := <-updates:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed on disconnect")
	}

	_, err = client.Subscribe("Order/list")
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClientSubscribeWithOptions(t *testing.T) {
	srv := newMockServer(t)
	client, _ := connectTestClient(t, srv)

	_, err := client.Subscribe("Order/list",
		WithKey("o1"),
		WithPartition("eu"),
		WithFilters(map[string]string{"status": "open"}))
	require.NoError(t, err)

	msg := decodeRequest(t, srv.waitMessage())
	assert.Equal(t, "o1", msg["key"])
	assert.Equal(t, "eu", msg["partition"])
	assert.Equal(t, map[string]interface{}{"status": "open"}, msg["filters"])
}
