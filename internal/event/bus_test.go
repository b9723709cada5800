package event

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_Topic(t *testing.T) {
	ev := NewEvent(EntityResource, OpCreated, "r-1", nil)
	assert.Equal(t, "resource.created", ev.Topic())
	assert.NotEmpty(t, ev.ID)
	assert.Greater(t, ev.Timestamp, int64(0))
	assert.Equal(t, "ws-1", ev.InWorkspace("ws-1").WorkspaceID)
}

func TestMatchTopic(t *testing.T) {
	assert.True(t, matchTopic("*", "resource.created"))
	assert.True(t, matchTopic("resource.created", "resource.created"))
	assert.True(t, matchTopic("resource.*", "resource.deleted"))
	assert.True(t, matchTopic("*.denied", "access.denied"))
	assert.False(t, matchTopic("resource.*", "access.denied"))
	assert.False(t, matchTopic("resource", "resource.created"))
	assert.False(t, matchTopic("", "resource.created"))
}

func TestBus_SubscriptionOrder(t *testing.T) {
	bus := New(zerolog.Nop())
	var order []string
	bus.Subscribe("resource.created", func(ctx context.Context, ev Event) error {
		order = append(order, "first")
		return nil
	})
	bus.Subscribe(Wildcard, func(ctx context.Context, ev Event) error {
		order = append(order, "wildcard")
		return nil
	})
	bus.Subscribe("resource.created", func(ctx context.Context, ev Event) error {
		order = append(order, "third")
		return nil
	})
	bus.Subscribe("resource.deleted", func(ctx context.Context, ev Event) error {
		order = append(order, "never")
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EntityResource, OpCreated, "r-1", nil))
	assert.Equal(t, []string{"first", "wildcard", "third"}, order)
}

func TestBus_WildcardReceivesEverything(t *testing.T) {
	bus := New(zerolog.Nop())
	var topics []string
	bus.Subscribe(Wildcard, func(ctx context.Context, ev Event) error {
		topics = append(topics, ev.Topic())
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EntityResource, OpCreated, "r-1", nil))
	bus.Publish(context.Background(), NewEvent(EntityAccess, OpDenied, "", nil))
	bus.Publish(context.Background(), NewEvent("tool", OpExecuted, "calc", nil))

	assert.Equal(t, []string{"resource.created", "access.denied", "tool.executed"}, topics)
}

func TestBus_FailureIsolation(t *testing.T) {
	var buf bytes.Buffer
	var hooked []error
	bus := New(zerolog.New(&buf), WithFailureHook(func(ev Event, pattern string, err error) {
		hooked = append(hooked, err)
	}))

	delivered := 0
	bus.Subscribe(Wildcard, func(ctx context.Context, ev Event) error {
		return errors.New("index unavailable")
	})
	bus.Subscribe(Wildcard, func(ctx context.Context, ev Event) error {
		panic("boom")
	})
	bus.Subscribe(Wildcard, func(ctx context.Context, ev Event) error {
		delivered++
		return nil
	})

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), NewEvent(EntityResource, OpUpdated, "r-9", nil))
	})
	assert.Equal(t, 1, delivered)
	require.Len(t, hooked, 2)
	assert.Contains(t, hooked[1].Error(), "boom")
	assert.Contains(t, buf.String(), "event handler failed")
	assert.Contains(t, buf.String(), "r-9")
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(zerolog.Nop())
	calls := 0
	sub := bus.Subscribe("resource.*", func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})
	assert.Equal(t, "resource.*", sub.Pattern())
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Publish(context.Background(), NewEvent(EntityResource, OpCreated, "a", nil))
	assert.True(t, bus.Unsubscribe(sub))
	assert.False(t, bus.Unsubscribe(sub))
	bus.Publish(context.Background(), NewEvent(EntityResource, OpCreated, "b", nil))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_HandlerMayUnsubscribeDuringDelivery(t *testing.T) {
	bus := New(zerolog.Nop())
	var sub *Subscription
	calls := 0
	sub = bus.Subscribe(Wildcard, func(ctx context.Context, ev Event) error {
		calls++
		bus.Unsubscribe(sub)
		return nil
	})
	bus.Publish(context.Background(), NewEvent(EntityResource, OpCreated, "a", nil))
	bus.Publish(context.Background(), NewEvent(EntityResource, OpCreated, "b", nil))
	assert.Equal(t, 1, calls)
}

func TestBus_AsyncPreservesOrder(t *testing.T) {
	bus := New(zerolog.Nop(), WithAsync(16))
	defer bus.Close()

	var mu sync.Mutex
	var ids []string
	bus.Subscribe(Wildcard, func(ctx context.Context, ev Event) error {
		mu.Lock()
		ids = append(ids, ev.EntityID)
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		bus.Publish(context.Background(), NewEvent(EntityResource, OpCreated, id, nil))
	}
	require.NoError(t, bus.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids)
}

func TestBus_AsyncCloseDrainsAndDropsLate(t *testing.T) {
	bus := New(zerolog.Nop(), WithAsync(4))
	var mu sync.Mutex
	count := 0
	bus.Subscribe(Wildcard, func(ctx context.Context, ev Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EntityResource, OpCreated, "a", nil))
	bus.Publish(context.Background(), NewEvent(EntityResource, OpCreated, "b", nil))
	bus.Close()
	bus.Close()
	bus.Publish(context.Background(), NewEvent(EntityResource, OpCreated, "late", nil))
	assert.NoError(t, bus.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}
