package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []EventType
	bus.Subscribe(func(evt Event) {
		mu.Lock()
		got = append(got, evt.Type)
		mu.Unlock()
	}, TaskCreated, TaskCompleted)

	bus.Emit(TaskCreated, nil)
	bus.Emit(ConversationCreated, nil) // not subscribed
	bus.Emit(TaskCompleted, nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []EventType{TaskCreated, TaskCompleted}, got)
}

func TestBusPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []int
	bus.SubscribeAll(func(evt Event) {
		mu.Lock()
		got = append(got, evt.Payload.(int))
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		bus.Emit(MessageReceived, i)
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestBusIsolatesPanickingSubscriber(t *testing.T) {
	bus := NewBus()

	bus.Subscribe(func(Event) { panic("boom") }, GuestCreated)

	received := make(chan struct{}, 1)
	bus.Subscribe(func(Event) { received <- struct{}{} }, GuestCreated)

	bus.Emit(GuestCreated, nil)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber starved by panicking peer")
	}
	bus.Close()
}

func TestBusEmitNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(func(Event) { <-block }, MessageSent)

	done := make(chan struct{})
	go func() {
		// Far more events than the queue holds; Emit must shed load
		// instead of blocking the producer.
		for i := 0; i < emitBuffer*4; i++ {
			bus.Emit(MessageSent, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
	close(block)
}

func TestBusCloseDrainsQueue(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		bus.Emit(StaffNotification, nil)
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 20, count)
}
