package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/butler/store"
)

// Broadcaster pushes a payload to every staff socket subscribed to a topic.
// Implemented by the websocket gateway.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// StatsSource is the slice of the store the bridge needs. Satisfied by
// *store.Store.
type StatsSource interface {
	GetTaskStats(ctx context.Context) (*store.TaskStats, error)
	GetConversationStats(ctx context.Context) (*store.ConversationStats, error)
	GetApprovalStats(ctx context.Context) (*store.ApprovalStats, error)
}

// Stats topics pushed to the staff console.
const (
	TopicTaskStats         = "stats:tasks"
	TopicConversationStats = "stats:conversations"
	TopicApprovalStats     = "stats:approvals"
)

const debounceWindow = 100 * time.Millisecond

// StatsBridge recomputes aggregate counters whenever the underlying entities
// change and pushes fresh snapshots to the staff console. Bursts of events
// are coalesced per topic so a flurry of task updates produces a single
// recompute at the trailing edge of the window.
type StatsBridge struct {
	store     StatsSource
	broadcast Broadcaster

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewStatsBridge wires a bridge to the bus. The bridge holds no goroutines
// of its own beyond the debounce timers.
func NewStatsBridge(bus *Bus, st StatsSource, b Broadcaster) *StatsBridge {
	sb := &StatsBridge{
		store:     st,
		broadcast: b,
		pending:   make(map[string]*time.Timer),
	}
	bus.Subscribe(func(Event) { sb.schedule(TopicTaskStats) },
		TaskCreated, TaskAssigned, TaskCompleted)
	bus.Subscribe(func(Event) { sb.schedule(TopicConversationStats) },
		ConversationCreated, ConversationUpdated, ConversationEscalated, ConversationResolved)
	bus.Subscribe(func(Event) { sb.schedule(TopicApprovalStats) },
		ApprovalQueued, ApprovalDecided, ApprovalExecuted)
	return sb
}

// schedule arms the trailing-edge timer for a topic. Events arriving while a
// timer is pending are absorbed into the same recompute.
func (sb *StatsBridge) schedule(topic string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if _, armed := sb.pending[topic]; armed {
		return
	}
	sb.pending[topic] = time.AfterFunc(debounceWindow, func() {
		sb.mu.Lock()
		delete(sb.pending, topic)
		sb.mu.Unlock()
		sb.push(topic)
	})
}

// Flush forces an immediate recompute of every topic. Used on staff socket
// connect to seed the console with current numbers.
func (sb *StatsBridge) Flush() {
	sb.push(TopicTaskStats)
	sb.push(TopicConversationStats)
	sb.push(TopicApprovalStats)
}

func (sb *StatsBridge) push(topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var payload any
	var err error
	switch topic {
	case TopicTaskStats:
		payload, err = sb.store.GetTaskStats(ctx)
	case TopicConversationStats:
		payload, err = sb.store.GetConversationStats(ctx)
	case TopicApprovalStats:
		payload, err = sb.store.GetApprovalStats(ctx)
	default:
		return
	}
	if err != nil {
		slog.Error("failed to recompute stats", "topic", topic, "error", err)
		return
	}
	sb.broadcast.Broadcast(topic, payload)
}
