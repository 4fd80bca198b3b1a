package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/butler/store"
)

type fakeStatsSource struct {
	mu       sync.Mutex
	taskCall int
	convCall int
	apprCall int
}

func (f *fakeStatsSource) GetTaskStats(context.Context) (*store.TaskStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskCall++
	return &store.TaskStats{Pending: int64(f.taskCall)}, nil
}

func (f *fakeStatsSource) GetConversationStats(context.Context) (*store.ConversationStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCall++
	return &store.ConversationStats{Active: int64(f.convCall)}, nil
}

func (f *fakeStatsSource) GetApprovalStats(context.Context) (*store.ApprovalStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apprCall++
	return &store.ApprovalStats{Queued: int64(f.apprCall)}, nil
}

func (f *fakeStatsSource) calls() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taskCall, f.convCall, f.apprCall
}

type captureBroadcaster struct {
	mu     sync.Mutex
	topics []string
}

func (c *captureBroadcaster) Broadcast(topic string, _ any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
}

func (c *captureBroadcaster) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func TestStatsBridgeCoalescesBursts(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	src := &fakeStatsSource{}
	sink := &captureBroadcaster{}
	NewStatsBridge(bus, src, sink)

	// A burst of task events inside the debounce window must produce a
	// single recompute and a single broadcast.
	for i := 0; i < 10; i++ {
		bus.Emit(TaskCreated, nil)
	}

	require.Eventually(t, func() bool {
		return sink.count(TopicTaskStats) == 1
	}, time.Second, 10*time.Millisecond)

	// Give a stray second timer a chance to fire, then confirm it didn't.
	time.Sleep(3 * debounceWindow)
	require.Equal(t, 1, sink.count(TopicTaskStats))

	taskCalls, _, _ := src.calls()
	require.Equal(t, 1, taskCalls)
}

func TestStatsBridgeRoutesTopics(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	src := &fakeStatsSource{}
	sink := &captureBroadcaster{}
	NewStatsBridge(bus, src, sink)

	bus.Emit(ConversationEscalated, nil)
	bus.Emit(ApprovalQueued, nil)

	require.Eventually(t, func() bool {
		return sink.count(TopicConversationStats) == 1 && sink.count(TopicApprovalStats) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, sink.count(TopicTaskStats))
}

func TestStatsBridgeFlushPushesAllTopics(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	src := &fakeStatsSource{}
	sink := &captureBroadcaster{}
	bridge := NewStatsBridge(bus, src, sink)

	bridge.Flush()

	require.Equal(t, 1, sink.count(TopicTaskStats))
	require.Equal(t, 1, sink.count(TopicConversationStats))
	require.Equal(t, 1, sink.count(TopicApprovalStats))
}
