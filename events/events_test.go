package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

type mockHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (h *mockHandler) Handle(ctx context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *mockHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func transitionEvent() Event {
	e := NewEvent(TypeTransition, 7)
	e.Workflow = "payment"
	e.FromStage = types.StageDraft
	e.ToStage = types.StageUnderReview
	e.Actor = "alice"
	return e
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(TypeTransition, 1)
	b := NewEvent(TypeTransition, 1)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.OccurredAt.IsZero())
}

func TestEventBus_SubscribeAndUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	h1 := &mockHandler{}
	h2 := &mockHandler{}
	unsub1 := eb.Subscribe(TypeTransition, h1)
	unsub2 := eb.Subscribe(TypeTransition, h2)
	assert.True(t, eb.HasSubscribers(TypeTransition))

	unsub1()
	unsub1()
	eb.mu.RLock()
	assert.Len(t, eb.handlers[TypeTransition], 1)
	eb.mu.RUnlock()

	unsub2()
	assert.False(t, eb.HasSubscribers(TypeTransition))
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	h := &mockHandler{}
	eb.Subscribe(TypeTransition, h)

	require.NoError(t, eb.Publish(context.Background(), transitionEvent()))
	assert.Eventually(t, func() bool { return h.count() == 1 }, time.Second, 10*time.Millisecond)

	h.mu.Lock()
	got := h.events[0]
	h.mu.Unlock()
	assert.Equal(t, types.StageUnderReview, got.ToStage)
	assert.Equal(t, "alice", got.Actor)
}

func TestEventBus_PublishErrors(t *testing.T) {
	t.Run("no handler", func(t *testing.T) {
		eb := NewEventBus()
		defer eb.Stop()
		assert.Equal(t, ErrNoHandler, eb.Publish(context.Background(), transitionEvent()))
	})

	t.Run("canceled context", func(t *testing.T) {
		eb := NewEventBus()
		defer eb.Stop()
		eb.Subscribe(TypeTransition, &mockHandler{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Equal(t, context.Canceled, eb.Publish(ctx, transitionEvent()))
	})

	t.Run("closed bus", func(t *testing.T) {
		eb := NewEventBus()
		eb.Subscribe(TypeTransition, &mockHandler{})
		eb.Stop()
		assert.Equal(t, ErrBusClosed, eb.Publish(context.Background(), transitionEvent()))
		assert.Equal(t, []error{ErrBusClosed}, eb.PublishSync(context.Background(), transitionEvent()))
	})

	t.Run("full buffer", func(t *testing.T) {
		block := make(chan struct{})
		eb := NewEventBus(WithBufferSize(1))
		defer func() {
			close(block)
			eb.Stop()
		}()
		eb.SubscribeFunc(TypeTransition, func(ctx context.Context, event Event) error {
			<-block
			return nil
		})

		var full bool
		for i := 0; i < 10; i++ {
			if err := eb.Publish(context.Background(), transitionEvent()); errors.Is(err, ErrChannelFull) {
				full = true
				break
			}
		}
		assert.True(t, full)
	})
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	ok := &mockHandler{}
	failing := &mockHandler{err: errors.New("mail server down")}
	eb.Subscribe(TypeTransition, ok)
	eb.Subscribe(TypeTransition, failing)

	errs := eb.PublishSync(context.Background(), transitionEvent())
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "mail server down")
	assert.Equal(t, 1, ok.count())

	assert.Equal(t, []error{ErrNoHandler}, eb.PublishSync(context.Background(), NewEvent("other", 1)))
}

func TestEventBus_ErrorHandler(t *testing.T) {
	var calls int32
	eb := NewEventBus(WithErrorHandler(func(event Event, err error) {
		atomic.AddInt32(&calls, 1)
	}))
	defer eb.Stop()

	eb.SubscribeFunc(TypeTransition, func(ctx context.Context, event Event) error {
		return errors.New("boom")
	})
	eb.SubscribeFunc(TypeTransition, func(ctx context.Context, event Event) error {
		panic("handler bug")
	})

	require.NoError(t, eb.Publish(context.Background(), transitionEvent()))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, 10*time.Millisecond)
}

func TestEventBus_StopDeliversQueued(t *testing.T) {
	eb := NewEventBus()
	h := &mockHandler{}
	eb.Subscribe(TypeTransition, h)

	for i := 0; i < 5; i++ {
		require.NoError(t, eb.Publish(context.Background(), transitionEvent()))
	}
	eb.Stop()
	assert.Equal(t, 5, h.count())
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	eb := NewEventBus(WithBufferSize(1000))
	defer eb.Stop()

	h := &mockHandler{}
	eb.Subscribe(TypeTransition, h)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = eb.Publish(context.Background(), transitionEvent())
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return h.count() == 50 }, 2*time.Second, 10*time.Millisecond)
}
