package escalation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/butler/store"
)

type stubHistory struct {
	messages []string
	err      error
}

func (s *stubHistory) RecentGuestMessages(_ context.Context, _ string, limit int) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.messages) > limit {
		return s.messages[:limit], nil
	}
	return s.messages, nil
}

func newTestEngine(history MessageHistory) *Engine {
	return NewEngine(history, DefaultOptions())
}

func TestEvaluateNoSignals(t *testing.T) {
	engine := newTestEngine(&stubHistory{})
	decision := engine.Evaluate(context.Background(), Input{
		Conversation: &store.Conversation{ID: "conv_1"},
		Inbound:      "What time is checkout?",
		Confidence:   0.9,
	})
	require.False(t, decision.Escalate)
	require.Equal(t, PriorityStandard, decision.Priority)
	require.Empty(t, decision.Reasons)
}

func TestEvaluateExplicitRequest(t *testing.T) {
	engine := newTestEngine(&stubHistory{})
	decision := engine.Evaluate(context.Background(), Input{
		Conversation: &store.Conversation{ID: "conv_1"},
		Inbound:      "Please let me talk to a manager!!",
		Confidence:   0.9,
	})
	require.True(t, decision.Escalate)
	require.Equal(t, PriorityHigh, decision.Priority)
	require.Contains(t, decision.Reasons, "Guest requested human assistance")
}

func TestEvaluateLowConfidenceOnly(t *testing.T) {
	engine := newTestEngine(&stubHistory{})
	decision := engine.Evaluate(context.Background(), Input{
		Conversation: &store.Conversation{ID: "conv_1"},
		Inbound:      "Could you explain the spa packages?",
		Confidence:   0.4,
	})
	require.True(t, decision.Escalate)
	require.Equal(t, PriorityStandard, decision.Priority)
	require.Equal(t, []string{"AI response confidence below threshold"}, decision.Reasons)
	require.InDelta(t, 0.3, decision.Confidence, 1e-9)
}

func TestEvaluateNegativeSentiment(t *testing.T) {
	engine := newTestEngine(&stubHistory{})
	decision := engine.Evaluate(context.Background(), Input{
		Conversation: &store.Conversation{ID: "conv_1"},
		Inbound:      "This room is terrible and the service is awful.",
		Confidence:   0.9,
	})
	require.True(t, decision.Escalate)
	require.Contains(t, decision.Reasons, "Negative sentiment detected")
}

func TestEvaluateShoutingCountsAsNegative(t *testing.T) {
	engine := newTestEngine(&stubHistory{})
	decision := engine.Evaluate(context.Background(), Input{
		Conversation: &store.Conversation{ID: "conv_1"},
		Inbound:      "WHERE IS MY LUGGAGE",
		Confidence:   0.9,
	})
	require.True(t, decision.Escalate)
	require.Contains(t, decision.Reasons, "Negative sentiment detected")
}

func TestEvaluateRepetitionSkipsImmediatelyPrevious(t *testing.T) {
	// The most recent prior message matches exactly but must be ignored;
	// only older history counts as repetition.
	engine := newTestEngine(&stubHistory{messages: []string{
		"can I get extra towels please",
	}})
	decision := engine.Evaluate(context.Background(), Input{
		Conversation: &store.Conversation{ID: "conv_1"},
		Inbound:      "Can I get extra towels please",
		Confidence:   0.9,
	})
	require.False(t, decision.Escalate)
}

func TestEvaluateRepetitionAgainstOlderHistory(t *testing.T) {
	engine := newTestEngine(&stubHistory{messages: []string{
		"thanks, nothing else",
		"can I get extra towels please",
	}})
	decision := engine.Evaluate(context.Background(), Input{
		Conversation: &store.Conversation{ID: "conv_1"},
		Inbound:      "Can I get extra towels please!",
		Confidence:   0.9,
	})
	require.True(t, decision.Escalate)
	require.Contains(t, decision.Reasons, "Guest repeating similar request")
	require.Equal(t, PriorityHigh, decision.Priority)
}

func TestEvaluateHistoryErrorDegradesQuietly(t *testing.T) {
	engine := newTestEngine(&stubHistory{err: context.DeadlineExceeded})
	decision := engine.Evaluate(context.Background(), Input{
		Conversation: &store.Conversation{ID: "conv_1"},
		Inbound:      "Can I get extra towels please",
		Confidence:   0.9,
	})
	require.False(t, decision.Escalate)
}

func TestEvaluatePriorityTable(t *testing.T) {
	vipGuest := &store.Guest{VIPTier: "gold"}
	inHouse := &store.Reservation{Status: store.ReservationInHouse}

	tests := []struct {
		name     string
		input    Input
		priority string
		reasons  int
	}{
		{
			name: "vip with two reasons is urgent",
			input: Input{
				Conversation: &store.Conversation{ID: "c"},
				Guest:        vipGuest,
				Inbound:      "I want to speak to a human",
				Confidence:   0.9,
			},
			priority: PriorityUrgent,
			reasons:  2,
		},
		{
			name: "vip alone is high",
			input: Input{
				Conversation: &store.Conversation{ID: "c"},
				Guest:        vipGuest,
				Inbound:      "What time does the pool open?",
				Confidence:   0.9,
			},
			priority: PriorityHigh,
			reasons:  1,
		},
		{
			name: "three reasons without vip is urgent",
			input: Input{
				Conversation: &store.Conversation{ID: "c"},
				Reservation:  inHouse,
				Inbound:      "This is unacceptable, get me a manager",
				Confidence:   0.4,
			},
			priority: PriorityUrgent,
			reasons:  4,
		},
		{
			name: "two reasons without vip is high",
			input: Input{
				Conversation: &store.Conversation{ID: "c"},
				Reservation:  inHouse,
				Inbound:      "Is late checkout possible?",
				Confidence:   0.4,
			},
			priority: PriorityHigh,
			reasons:  2,
		},
		{
			name: "single in-house reason is standard",
			input: Input{
				Conversation: &store.Conversation{ID: "c"},
				Reservation:  inHouse,
				Inbound:      "Is late checkout possible?",
				Confidence:   0.9,
			},
			priority: PriorityStandard,
			reasons:  1,
		},
	}

	engine := newTestEngine(&stubHistory{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := engine.Evaluate(context.Background(), tt.input)
			require.True(t, decision.Escalate)
			require.Equal(t, tt.priority, decision.Priority)
			require.Len(t, decision.Reasons, tt.reasons)
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	engine := newTestEngine(&stubHistory{messages: []string{"older", "can I get towels"}})
	input := Input{
		Conversation: &store.Conversation{ID: "conv_1"},
		Guest:        &store.Guest{LoyaltyTier: "platinum"},
		Inbound:      "This is ridiculous, I asked for towels an hour ago",
		Confidence:   0.5,
	}
	first := engine.Evaluate(context.Background(), input)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, engine.Evaluate(context.Background(), input))
	}
}

func TestDecisionConfidenceCaps(t *testing.T) {
	engine := newTestEngine(&stubHistory{})
	decision := engine.Evaluate(context.Background(), Input{
		Conversation: &store.Conversation{ID: "c"},
		Guest:        &store.Guest{VIPTier: "vip"},
		Reservation:  &store.Reservation{Status: store.ReservationInHouse},
		Inbound:      "UNACCEPTABLE, I DEMAND A MANAGER RIGHT NOW",
		Confidence:   0.1,
	})
	require.True(t, decision.Escalate)
	require.GreaterOrEqual(t, len(decision.Reasons), 4)
	require.Equal(t, 0.95, decision.Confidence)
}
