// Package escalation decides whether a conversation needs to leave the
// automated path and be handed to a human. The decision is a pure function of
// its inputs so it can be replayed and unit tested without infrastructure.
package escalation

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/hrygo/butler/store"
)

// Priority of a handover, consumed by conversation routing.
const (
	PriorityUrgent   = "urgent"
	PriorityHigh     = "high"
	PriorityStandard = "standard"
)

// MessageHistory is the narrow read capability the engine needs. The pipeline
// injects it so the engine never holds a full repository handle.
type MessageHistory interface {
	// RecentGuestMessages returns the content of the latest guest messages
	// in a conversation, newest first.
	RecentGuestMessages(ctx context.Context, conversationID string, limit int) ([]string, error)
}

// Options tune the individual signals.
type Options struct {
	// HistoryWindow is how many prior guest messages the repetition signal
	// inspects.
	HistoryWindow int
	// ConfidenceThreshold marks responder confidences below it as weak.
	ConfidenceThreshold float64
	// SentimentThreshold is the normalized lexicon score below which the
	// message counts as negative.
	SentimentThreshold float64
	// RepetitionThreshold is the Jaccard similarity above which two
	// messages count as the same request.
	RepetitionThreshold float64
	// ExplicitPatterns are case-insensitive substrings expressing a wish
	// to reach a human.
	ExplicitPatterns []string
}

func DefaultOptions() Options {
	return Options{
		HistoryWindow:       5,
		ConfidenceThreshold: 0.6,
		SentimentThreshold:  -0.5,
		RepetitionThreshold: 0.7,
		ExplicitPatterns: []string{
			"talk to a person",
			"talk to a human",
			"talk to someone",
			"speak to a person",
			"speak to a human",
			"speak to someone",
			"speak with someone",
			"real person",
			"human being",
			"manager",
			"front desk",
			"customer service",
			"representative",
			"live agent",
		},
	}
}

// Input bundles everything the engine looks at for one inbound message.
type Input struct {
	Conversation *store.Conversation
	Guest        *store.Guest
	Reservation  *store.Reservation
	Inbound      string
	// Confidence is the responder's self-reported confidence in [0, 1].
	Confidence float64
}

// Decision is the classifier output.
type Decision struct {
	Escalate bool     `json:"escalate"`
	Priority string   `json:"priority"`
	Reasons  []string `json:"reasons,omitempty"`
	// Confidence is how sure the engine itself is, for analytics only.
	Confidence float64 `json:"confidence"`
}

// Engine evaluates escalation signals. Safe for concurrent use.
type Engine struct {
	opts    Options
	history MessageHistory
}

func NewEngine(history MessageHistory, opts Options) *Engine {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultOptions().HistoryWindow
	}
	return &Engine{opts: opts, history: history}
}

// Reason strings surfaced to staff alongside the handover.
const (
	reasonLowConfidence = "AI response confidence below threshold"
	reasonExplicit      = "Guest requested human assistance"
	reasonSentiment     = "Negative sentiment detected"
	reasonRepetition    = "Guest repeating similar request"
	reasonVIP           = "VIP guest"
	reasonInHouse       = "Guest is currently in-house"
)

// Evaluate runs every signal and combines them into a decision. Identical
// inputs always yield identical decisions.
func (e *Engine) Evaluate(ctx context.Context, in Input) Decision {
	var reasons []string
	explicit, repetition, vip := false, false, false

	if in.Confidence < e.opts.ConfidenceThreshold {
		reasons = append(reasons, reasonLowConfidence)
	}
	if e.matchesExplicitRequest(in.Inbound) {
		reasons = append(reasons, reasonExplicit)
		explicit = true
	}
	if sentimentScore(in.Inbound) < e.opts.SentimentThreshold {
		reasons = append(reasons, reasonSentiment)
	}
	if e.isRepetition(ctx, in) {
		reasons = append(reasons, reasonRepetition)
		repetition = true
	}
	if in.Guest != nil && in.Guest.IsVIP() {
		reasons = append(reasons, reasonVIP)
		vip = true
	}
	if in.Reservation != nil && in.Reservation.Status == store.ReservationInHouse {
		reasons = append(reasons, reasonInHouse)
	}

	if len(reasons) == 0 {
		return Decision{Escalate: false, Priority: PriorityStandard}
	}

	return Decision{
		Escalate:   true,
		Priority:   priorityFor(len(reasons), vip, explicit || repetition),
		Reasons:    reasons,
		Confidence: min(float64(len(reasons))*0.3, 0.95),
	}
}

// priorityFor applies the routing table in fixed order; earlier rows win.
func priorityFor(reasonCount int, vip, explicitOrRepeat bool) string {
	switch {
	case vip && reasonCount >= 2:
		return PriorityUrgent
	case vip:
		return PriorityHigh
	case reasonCount >= 3:
		return PriorityUrgent
	case reasonCount >= 2:
		return PriorityHigh
	case explicitOrRepeat:
		return PriorityHigh
	default:
		return PriorityStandard
	}
}

func (e *Engine) matchesExplicitRequest(content string) bool {
	lowered := strings.ToLower(content)
	for _, pattern := range e.opts.ExplicitPatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

// isRepetition compares the inbound against prior guest messages, skipping
// the immediately previous one: restating a question after the answer in
// between is the signal, echoing your own last message is not.
func (e *Engine) isRepetition(ctx context.Context, in Input) bool {
	if e.history == nil || in.Conversation == nil {
		return false
	}
	history, err := e.history.RecentGuestMessages(ctx, in.Conversation.ID, e.opts.HistoryWindow+1)
	if err != nil {
		slog.Warn("repetition check degraded, skipping",
			"conversation", in.Conversation.ID, "error", err)
		return false
	}
	current := wordSet(in.Inbound)
	if len(current) == 0 {
		return false
	}
	for i, prior := range history {
		if i == 0 {
			continue
		}
		if jaccard(current, wordSet(prior)) > e.opts.RepetitionThreshold {
			return true
		}
	}
	return false
}

var negativePhrases = []string{
	"terrible", "horrible", "awful", "worst", "disgusting", "unacceptable",
	"ridiculous", "furious", "angry", "upset", "disappointed", "frustrated",
	"broken", "dirty", "filthy", "rude", "never again", "refund", "complaint",
	"complain", "useless", "not working", "doesn't work", "no one", "nobody",
	"still waiting", "fed up", "hate",
}

var positivePhrases = []string{
	"great", "wonderful", "amazing", "excellent", "perfect", "lovely",
	"fantastic", "thank you", "thanks", "appreciate", "helpful", "awesome",
	"beautiful", "nice", "good",
}

// sentimentScore returns a value in [-1, 1] from lexicon phrase hits. A
// message shouted in all caps counts as one extra negative hit.
func sentimentScore(content string) float64 {
	lowered := strings.ToLower(content)
	var neg, pos int
	for _, phrase := range negativePhrases {
		if strings.Contains(lowered, phrase) {
			neg++
		}
	}
	for _, phrase := range positivePhrases {
		if strings.Contains(lowered, phrase) {
			pos++
		}
	}
	if isShouting(content) {
		neg++
	}
	if neg+pos == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

// isShouting reports whether the message is written entirely in caps and has
// enough letters for that to mean anything.
func isShouting(content string) bool {
	letters, upper := 0, 0
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 6 && upper == letters
}

// wordSet normalizes content into a lowercase set of alphanumeric tokens.
func wordSet(content string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		set[word] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
