package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := New(testLogger(), 16)
	defer bus.Close()

	var mu sync.Mutex
	var got []any
	done := make(chan struct{}, 1)

	bus.Subscribe("kernel.turn_completed", func(_ context.Context, e Event) {
		mu.Lock()
		got = append(got, e.Payload)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(context.Background(), "kernel.turn_completed", "payload-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "payload-1" {
		t.Errorf("got %v", got)
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	bus := New(testLogger(), 16)
	defer bus.Close()

	wrong := make(chan struct{}, 1)
	bus.Subscribe("kernel.token_usage", func(_ context.Context, _ Event) {
		wrong <- struct{}{}
	})

	bus.Publish(context.Background(), "kernel.turn_completed", nil)

	select {
	case <-wrong:
		t.Error("handler received an event type it never subscribed to")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_LossyWhenFull(t *testing.T) {
	bus := New(testLogger(), 1)
	defer bus.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	bus.Subscribe("t", func(_ context.Context, _ Event) {
		close(started)
		<-block
	})

	bus.Publish(context.Background(), "t", 1)
	<-started
	// Buffer of one fills; further publishes drop without blocking.
	bus.Publish(context.Background(), "t", 2)
	publishReturned := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), "t", 3)
		close(publishReturned)
	}()

	select {
	case <-publishReturned:
	case <-time.After(time.Second):
		t.Fatal("publish must never block the producer")
	}
	close(block)
}

func TestBus_HandlerPanicContained(t *testing.T) {
	bus := New(testLogger(), 16)
	defer bus.Close()

	ok := make(chan struct{}, 1)
	bus.Subscribe("t", func(_ context.Context, _ Event) { panic("bad handler") })
	bus.Subscribe("t", func(_ context.Context, _ Event) { ok <- struct{}{} })

	bus.Publish(context.Background(), "t", nil)

	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("a panicking handler must not stop delivery to others")
	}
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := New(testLogger(), 4)
	bus.Close()
	// Must not panic on the closed channel.
	bus.Publish(context.Background(), "t", nil)
}
