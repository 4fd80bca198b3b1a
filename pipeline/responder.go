package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/store"
)

// GuestContext is the identity and stay snapshot hydrated for a message.
type GuestContext struct {
	Guest       *store.Guest
	Reservation *store.Reservation
}

// Response is what a responder produces for one inbound message.
type Response struct {
	Content    string
	Confidence float64
	Intent     string
	Entities   map[string]any
	Metadata   map[string]any
}

// Responder generates the automated reply for an inbound message.
type Responder interface {
	Generate(ctx context.Context, conversation *store.Conversation, inbound *store.Message, gc *GuestContext) (*Response, error)
}

// ModelSource yields the currently active language-model providers. The
// registry satisfies it; the indirection lets the responder pick up provider
// swaps without restarting.
type ModelSource interface {
	ActiveCompletionProvider() apps.LanguageModelProvider
	ActiveEmbeddingProvider() apps.LanguageModelProvider
}

// AIResponder answers with the active language model, grounding the prompt
// in the guest context and the top knowledge-base matches.
type AIResponder struct {
	models    ModelSource
	store     *store.Store
	history   int
	knowledge int
}

func NewAIResponder(models ModelSource, st *store.Store) *AIResponder {
	return &AIResponder{models: models, store: st, history: 10, knowledge: 3}
}

const systemPromptTemplate = `You are the virtual concierge of a hotel. Answer guest questions helpfully and concisely. If you are not sure, say so rather than inventing details.
%s
After your reply, on a final separate line, state your confidence in the answer as "CONFIDENCE: <0.0-1.0>".`

func (r *AIResponder) Generate(ctx context.Context, conversation *store.Conversation, inbound *store.Message, gc *GuestContext) (*Response, error) {
	provider := r.models.ActiveCompletionProvider()
	if provider == nil {
		return nil, errors.New("no active language model provider")
	}

	messages := []apps.CompletionMessage{{
		Role:    "system",
		Content: fmt.Sprintf(systemPromptTemplate, r.promptContext(ctx, inbound.Content, gc)),
	}}
	messages = append(messages, r.recentTurns(ctx, conversation)...)
	messages = append(messages, apps.CompletionMessage{Role: "user", Content: inbound.Content})

	completion, err := provider.Complete(ctx, &apps.CompletionRequest{
		Messages:    messages,
		MaxTokens:   500,
		Temperature: 0.7,
	})
	if err != nil {
		return nil, errors.Wrap(err, "completion failed")
	}

	content, confidence := splitConfidence(completion.Content)
	return &Response{
		Content:    content,
		Confidence: confidence,
		Metadata: map[string]any{
			"inputTokens":  completion.Usage.InputTokens,
			"outputTokens": completion.Usage.OutputTokens,
		},
	}, nil
}

// promptContext renders the guest snapshot and knowledge matches into the
// system prompt. Failures degrade to a thinner prompt, never an error.
func (r *AIResponder) promptContext(ctx context.Context, inbound string, gc *GuestContext) string {
	var b strings.Builder
	if gc != nil && gc.Guest != nil {
		fmt.Fprintf(&b, "\nGuest: %s.", gc.Guest.FullName())
		if gc.Guest.IsVIP() {
			b.WriteString(" This guest is a VIP.")
		}
	}
	if gc != nil && gc.Reservation != nil {
		res := gc.Reservation
		fmt.Fprintf(&b, "\nReservation: status %s, arrival %s, departure %s.", res.Status, res.ArrivalDate, res.DepartureDate)
		if res.RoomNumber != "" {
			fmt.Fprintf(&b, " Room %s.", res.RoomNumber)
		}
	}
	if entries := r.relevantKnowledge(ctx, inbound); len(entries) > 0 {
		b.WriteString("\nHotel information:")
		for _, e := range entries {
			fmt.Fprintf(&b, "\n- %s: %s", e.Title, e.Content)
		}
	}
	return b.String()
}

func (r *AIResponder) relevantKnowledge(ctx context.Context, inbound string) []*store.KnowledgeEntry {
	embedder := r.models.ActiveEmbeddingProvider()
	if embedder == nil {
		return nil
	}
	embedding, err := embedder.Embed(ctx, inbound)
	if err != nil {
		return nil
	}
	matches, err := r.store.SearchKnowledge(ctx, embedding, r.knowledge)
	if err != nil {
		return nil
	}
	var entries []*store.KnowledgeEntry
	for _, m := range matches {
		if m.Similarity >= 0.75 {
			entries = append(entries, m.Entry)
		}
	}
	return entries
}

// recentTurns replays the last few exchanges so the model keeps thread
// context. Oldest first, per the completion contract.
func (r *AIResponder) recentTurns(ctx context.Context, conversation *store.Conversation) []apps.CompletionMessage {
	if conversation == nil {
		return nil
	}
	limit := r.history
	msgs, err := r.store.ListMessages(ctx, &store.FindMessage{
		ConversationID: &conversation.ID,
		OrderDesc:      true,
		Limit:          &limit,
	})
	if err != nil {
		return nil
	}
	turns := make([]apps.CompletionMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		role := "assistant"
		if msgs[i].Direction == store.MessageInbound {
			role = "user"
		}
		turns = append(turns, apps.CompletionMessage{Role: role, Content: msgs[i].Content})
	}
	return turns
}

// splitConfidence peels the trailing CONFIDENCE line off a completion. A
// missing or malformed line defaults to 0.7 so an otherwise good answer is
// not forced into escalation.
func splitConfidence(content string) (string, float64) {
	trimmed := strings.TrimRight(content, "\n ")
	idx := strings.LastIndex(trimmed, "CONFIDENCE:")
	if idx < 0 {
		return trimmed, 0.7
	}
	var confidence float64
	if _, err := fmt.Sscanf(trimmed[idx:], "CONFIDENCE: %f", &confidence); err != nil {
		return trimmed, 0.7
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return strings.TrimRight(trimmed[:idx], "\n "), confidence
}

// EchoResponder is the zero-dependency fallback used when no language model
// is configured. It acknowledges the message with low confidence, which
// routes most conversations to staff.
type EchoResponder struct{}

func (EchoResponder) Generate(_ context.Context, _ *store.Conversation, inbound *store.Message, _ *GuestContext) (*Response, error) {
	return &Response{
		Content:    "Thank you for your message. A member of our team will get back to you shortly.",
		Confidence: 0.5,
		Metadata:   map[string]any{"responder": "echo"},
	}, nil
}
