package viewsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLazyCreate(t *testing.T) {
	r := newRegistry(testConfig())
	assert.Nil(t, r.Store("Order/list"))

	s := r.ensure("Order/list", ModeList)
	require.NotNil(t, s)
	assert.Same(t, s, r.ensure("Order/list", ModeList))
	assert.Same(t, s, r.Store("Order/list"))
	assert.Equal(t, []string{"Order/list"}, r.Views())
}

func TestRegistryFrameRouting(t *testing.T) {
	r := newRegistry(testConfig())

	t.Run("bare entity gains mode suffix", func(t *testing.T) {
		r.Apply(&Frame{Mode: ModeList, Entity: "Order", Op: OpUpsert, Key: "a",
			Data: map[string]interface{}{}})
		assert.NotNil(t, r.Store("Order/list"))
	})

	t.Run("qualified entity used as-is", func(t *testing.T) {
		r.Apply(&Frame{Mode: ModeState, Entity: "Widget/state", Op: OpUpsert, Key: "w",
			Data: map[string]interface{}{}})
		assert.NotNil(t, r.Store("Widget/state"))
		assert.Nil(t, r.Store("Widget/state/state"))
	})
}

func TestRegistrySortAttachment(t *testing.T) {
	r := newRegistry(testConfig())
	r.Apply(&Frame{Mode: ModeList, Entity: "Order", Op: OpUpsert, Key: "a",
		Data: map[string]interface{}{"rank": 2.0}})
	r.Apply(&Frame{Mode: ModeList, Entity: "Order", Op: OpUpsert, Key: "b",
		Data: map[string]interface{}{"rank": 1.0}})

	r.Apply(&Frame{Op: OpSubscribed, View: "Order/list",
		Sort: &SortConfig{Field: []string{"rank"}, Order: SortAsc}})

	assert.Equal(t, []string{"b", "a"}, r.Store("Order/list").Keys())
}

func TestRegistrySortRememberedForLaterStore(t *testing.T) {
	r := newRegistry(testConfig())
	// ack arrives before any data frame created the store
	r.Apply(&Frame{Op: OpSubscribed, View: "Order/list",
		Sort: &SortConfig{Field: []string{"rank"}, Order: SortDesc}})

	r.Apply(&Frame{Mode: ModeList, Entity: "Order", Op: OpUpsert, Key: "a",
		Data: map[string]interface{}{"rank": 1.0}})
	r.Apply(&Frame{Mode: ModeList, Entity: "Order", Op: OpUpsert, Key: "b",
		Data: map[string]interface{}{"rank": 2.0}})

	assert.Equal(t, []string{"b", "a"}, r.Store("Order/list").Keys())
}

func TestRegistryAckWithoutSortIgnored(t *testing.T) {
	r := newRegistry(testConfig())
	r.Apply(&Frame{Op: OpSubscribed, View: "Order/list"})
	assert.Nil(t, r.Store("Order/list"))
}

func TestRegistryHelpersDistinguishAbsentFromQuiet(t *testing.T) {
	r := newRegistry(testConfig())

	err := r.WaitReady(context.Background(), "Never/list")
	assert.ErrorIs(t, err, ErrViewNotSubscribed)
	assert.True(t, IsNotSubscribed(err))

	_, err = r.Get(context.Background(), "Never/list", "k")
	assert.ErrorIs(t, err, ErrViewNotSubscribed)

	// a store that exists but has reconciled nothing times out instead
	r.ensure("Quiet/list", ModeList)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = r.WaitReady(ctx, "Quiet/list")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRegistryGetAndList(t *testing.T) {
	r := newRegistry(testConfig())
	r.Apply(&Frame{Mode: ModeList, Entity: "Order", Op: OpUpsert, Key: "a",
		Data: map[string]interface{}{"n": 1.0}})

	v, err := r.Get(context.Background(), "Order/list", "a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.(map[string]interface{})["n"])

	_, err = r.Get(context.Background(), "Order/list", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	vals, err := r.List(context.Background(), "Order/list")
	require.NoError(t, err)
	assert.Len(t, vals, 1)
}

func TestRegistryObserverSeesFrames(t *testing.T) {
	metrics := NewMetricsCollector()
	r := newRegistry(testConfig().WithObserver(metrics))
	r.Apply(&Frame{Mode: ModeList, Entity: "Order", Op: OpUpsert, Key: "a",
		Data: map[string]interface{}{}})
	r.Apply(&Frame{Op: OpSubscribed, View: "Order/list"})
	// acks are not data frames
	assert.Equal(t, int64(1), metrics.GetMetrics().Frames)
}

func TestParseViewMode(t *testing.T) {
	assert.Equal(t, ModeState, ParseMode("Order/state"))
	assert.Equal(t, ModeList, ParseMode("Order/list"))
	assert.Equal(t, ModeAppend, ParseMode("Event/append"))
	assert.Equal(t, ModeList, ParseMode("Order"))
	assert.Equal(t, ModeList, ParseMode("Order/unknown"))
}

func TestEntityViewNames(t *testing.T) {
	e := Entity("Order")
	assert.Equal(t, "Order/state", e.StateView())
	assert.Equal(t, "Order/list", e.ListView())
	assert.Equal(t, "Order/append", e.AppendView())
}
