// Package pipeline turns a raw channel message into persisted state and an
// outbound reply: guest, conversation, both message rows, and a possible
// escalation, in a fixed order.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/escalation"
	"github.com/hrygo/butler/events"
	"github.com/hrygo/butler/internal/errs"
	"github.com/hrygo/butler/internal/util"
	"github.com/hrygo/butler/metrics"
	"github.com/hrygo/butler/store"
)

const (
	maxContentLength = 4000
	responderTimeout = 30 * time.Second
)

// Inbound is one channel-agnostic incoming message.
type Inbound struct {
	Channel store.ChannelType
	// ChannelID is the channel-specific sender identifier: phone number,
	// email address or chat session token.
	ChannelID        string
	Content          string
	ContentType      string
	ChannelMessageID string
	Timestamp        time.Time
}

// Outbound is the pipeline result handed back to the transport.
type Outbound struct {
	Message      *store.Message
	Conversation *store.Conversation
	Guest        *store.Guest
	Escalated    bool
	// Deliver is false when the reply must not go out on the channel,
	// e.g. a canned apology after a responder failure.
	Deliver bool
}

// Pipeline is safe for concurrent use from independent transports.
type Pipeline struct {
	store      *store.Store
	bus        *events.Bus
	responder  Responder
	escalation *escalation.Engine
	metrics    *metrics.Metrics
}

func New(st *store.Store, bus *events.Bus, responder Responder) *Pipeline {
	p := &Pipeline{store: st, bus: bus, responder: responder}
	p.escalation = escalation.NewEngine(&historyReader{store: st}, escalation.DefaultOptions())
	return p
}

// WithMetrics attaches the process-wide collectors. A nil receiver of the
// collectors is tolerated everywhere so tests stay lean.
func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// Process runs the full inbound contract. Identity and context failures
// degrade; persistence failures abort.
func (p *Pipeline) Process(ctx context.Context, in *Inbound) (*Outbound, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, errs.New(errs.Validation, "message content is empty")
	}
	if len(content) > maxContentLength {
		return nil, errs.Newf(errs.Validation, "message content exceeds %d characters", maxContentLength)
	}

	guest := p.resolveGuest(ctx, in)
	conversation, err := p.resolveConversation(ctx, in, guest)
	if err != nil {
		p.countFailure(in.Channel)
		return nil, err
	}
	gc := p.hydrateContext(ctx, in.Channel, guest)
	if gc.Reservation != nil && conversation.ReservationID == "" {
		p.attach(ctx, conversation, gc.Reservation)
	}

	inbound, err := p.store.CreateMessage(ctx, &store.Message{
		ID:               util.GenID("msg"),
		ConversationID:   conversation.ID,
		Direction:        store.MessageInbound,
		SenderType:       store.SenderGuest,
		Content:          content,
		ContentType:      defaultContentType(in.ContentType),
		ChannelMessageID: in.ChannelMessageID,
		DeliveryStatus:   store.DeliveryDelivered,
	})
	if err != nil {
		p.countFailure(in.Channel)
		return nil, errors.Wrap(err, "failed to persist inbound message")
	}
	p.emitMessage(events.MessageReceived, inbound)

	started := time.Now()
	response, respErr := p.generate(ctx, conversation, inbound, gc)
	if p.metrics != nil {
		p.metrics.ResponderLatency.Observe(time.Since(started).Seconds())
	}
	deliver := true
	if respErr != nil {
		slog.Error("responder failed, sending canned apology",
			"conversation", conversation.ID, "error", respErr)
		response = cannedApology(ctx, respErr)
		deliver = false
	}

	// A responder failure already produced the apology; the escalation
	// check only runs on real responses.
	var decision escalation.Decision
	if respErr == nil {
		decision = p.escalation.Evaluate(ctx, escalation.Input{
			Conversation: conversation,
			Guest:        gc.Guest,
			Reservation:  gc.Reservation,
			Inbound:      content,
			Confidence:   response.Confidence,
		})
		if decision.Escalate {
			conversation = p.escalate(ctx, conversation, decision)
			response = acknowledgement(decision, response)
			if p.metrics != nil {
				p.metrics.Escalations.WithLabelValues(string(decision.Priority)).Inc()
			}
		}
	}

	confidence := response.Confidence
	outbound, err := p.store.CreateMessage(ctx, &store.Message{
		ID:             util.GenID("msg"),
		ConversationID: conversation.ID,
		Direction:      store.MessageOutbound,
		SenderType:     store.SenderAI,
		Content:        response.Content,
		ContentType:    "text/plain",
		Confidence:     &confidence,
		Intent:         response.Intent,
		Entities:       response.Entities,
		Metadata:       response.Metadata,
		DeliveryStatus: store.DeliveryPending,
	})
	if err != nil {
		p.countFailure(in.Channel)
		return nil, errors.Wrap(err, "failed to persist outbound message")
	}
	p.emitMessage(events.MessageSent, outbound)

	if p.metrics != nil {
		p.metrics.MessagesProcessed.WithLabelValues(string(in.Channel)).Inc()
	}
	return &Outbound{
		Message:      outbound,
		Conversation: conversation,
		Guest:        gc.Guest,
		Escalated:    decision.Escalate,
		Deliver:      deliver,
	}, nil
}

func (p *Pipeline) countFailure(channel store.ChannelType) {
	if p.metrics != nil {
		p.metrics.MessageFailures.WithLabelValues(string(channel)).Inc()
	}
}

// resolveGuest upserts the sender identity. Failures are logged and yield a
// nil guest: the pipeline continues with reduced context.
func (p *Pipeline) resolveGuest(ctx context.Context, in *Inbound) *store.Guest {
	var guest *store.Guest
	var err error
	switch in.Channel {
	case store.ChannelSMS, store.ChannelWhatsApp:
		phone := CanonicalPhone(in.ChannelID)
		if phone == "" {
			return nil
		}
		existing, lookupErr := p.store.GetGuest(ctx, &store.FindGuest{Phone: &phone})
		guest, err = p.store.UpsertGuestByPhone(ctx, &store.Guest{
			ID:        util.GenID("gst"),
			FirstName: "Guest",
			LastName:  phoneLastFour(phone),
			Phone:     phone,
		})
		if err == nil && lookupErr == nil && existing == nil {
			p.bus.Emit(events.GuestCreated, guest)
		}
	case store.ChannelTelegram:
		// Chat ids are numeric but are not phone numbers; keying them on
		// the phone column would collide with real subscriber numbers.
		guest, err = p.resolveExternalGuest(ctx, "telegram", in.ChannelID)
	case store.ChannelEmail:
		email := strings.ToLower(strings.TrimSpace(in.ChannelID))
		if email == "" {
			return nil
		}
		existing, lookupErr := p.store.GetGuest(ctx, &store.FindGuest{Email: &email})
		guest, err = p.store.UpsertGuestByEmail(ctx, &store.Guest{
			ID:        util.GenID("gst"),
			FirstName: "Guest",
			Email:     email,
		})
		if err == nil && lookupErr == nil && existing == nil {
			p.bus.Emit(events.GuestCreated, guest)
		}
	default:
		// Webchat carries no durable identity.
		return nil
	}
	if err != nil {
		slog.Warn("guest resolution degraded", "channel", in.Channel, "error", err)
		return nil
	}
	return guest
}

// resolveExternalGuest keys identity on a per-channel external id stored in
// the guest's external-id mapping, creating a placeholder on first contact.
func (p *Pipeline) resolveExternalGuest(ctx context.Context, source, externalID string) (*store.Guest, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, nil
	}
	existing, err := p.store.GetGuest(ctx, &store.FindGuest{
		ExternalSource: &source,
		ExternalID:     &externalID,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	guest, err := p.store.CreateGuest(ctx, &store.Guest{
		ID:          util.GenID("gst"),
		FirstName:   "Guest",
		LastName:    phoneLastFour(externalID),
		ExternalIDs: map[string]string{source: externalID},
	})
	if err != nil {
		return nil, err
	}
	p.bus.Emit(events.GuestCreated, guest)
	return guest, nil
}

// resolveConversation finds or creates the conversation and advances
// new -> active.
func (p *Pipeline) resolveConversation(ctx context.Context, in *Inbound, guest *store.Guest) (*store.Conversation, error) {
	existing, err := p.store.GetConversation(ctx, &store.FindConversation{
		ChannelType: &in.Channel,
		ChannelID:   &in.ChannelID,
	})
	if err != nil {
		slog.Warn("conversation lookup degraded", "channel", in.Channel, "error", err)
	}

	guestID := ""
	if guest != nil {
		guestID = guest.ID
	}
	conversation, err := p.store.UpsertConversation(ctx, &store.Conversation{
		ID:          util.GenID("conv"),
		ChannelType: in.Channel,
		ChannelID:   in.ChannelID,
		GuestID:     guestID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve conversation")
	}
	if existing == nil {
		p.bus.Emit(events.ConversationCreated, conversation)
	}

	if conversation.State == store.ConversationNew {
		active := store.ConversationActive
		update := &store.UpdateConversation{ID: conversation.ID, State: &active}
		if guestID != "" && conversation.GuestID == "" {
			update.GuestID = &guestID
		}
		updated, err := p.store.UpdateConversation(ctx, update)
		if err != nil {
			slog.Warn("conversation activation degraded", "conversation", conversation.ID, "error", err)
		} else {
			conversation = updated
			p.bus.Emit(events.ConversationUpdated, conversation)
		}
	}
	return conversation, nil
}

// hydrateContext locates the stay snapshot for phone/email channels.
func (p *Pipeline) hydrateContext(ctx context.Context, channel store.ChannelType, guest *store.Guest) *GuestContext {
	gc := &GuestContext{Guest: guest}
	if guest == nil || channel == store.ChannelWebchat {
		return gc
	}
	today := time.Now().UTC().Format("2006-01-02")
	limit := 1
	reservations, err := p.store.ListReservations(ctx, &store.FindReservation{
		GuestID:            &guest.ID,
		Statuses:           []store.ReservationStatus{store.ReservationInHouse, store.ReservationConfirmed},
		DepartureOnOrAfter: &today,
		Limit:              &limit,
	})
	if err != nil {
		slog.Warn("context hydration degraded", "guest", guest.ID, "error", err)
		return gc
	}
	if len(reservations) > 0 {
		gc.Reservation = reservations[0]
	}
	return gc
}

func (p *Pipeline) attach(ctx context.Context, conversation *store.Conversation, res *store.Reservation) {
	updated, err := p.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:            conversation.ID,
		ReservationID: &res.ID,
	})
	if err != nil {
		slog.Warn("failed to attach reservation", "conversation", conversation.ID, "error", err)
		return
	}
	*conversation = *updated
}

func (p *Pipeline) generate(ctx context.Context, conversation *store.Conversation, inbound *store.Message, gc *GuestContext) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, responderTimeout)
	defer cancel()
	response, err := p.responder.Generate(ctx, conversation, inbound, gc)
	if err != nil {
		return nil, err
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return nil, errors.New("responder returned empty content")
	}
	return response, nil
}

// escalate flips the conversation state and broadcasts the handover.
func (p *Pipeline) escalate(ctx context.Context, conversation *store.Conversation, decision escalation.Decision) *store.Conversation {
	if conversation.State == store.ConversationEscalated {
		return conversation
	}
	escalated := store.ConversationEscalated
	updated, err := p.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:       conversation.ID,
		State:    &escalated,
		Priority: &decision.Priority,
	})
	if err != nil {
		slog.Error("failed to escalate conversation", "conversation", conversation.ID, "error", err)
		return conversation
	}
	p.bus.Emit(events.ConversationEscalated, &events.EscalationPayload{
		ConversationID: updated.ID,
		GuestID:        updated.GuestID,
		Priority:       decision.Priority,
		Reasons:        decision.Reasons,
	})
	return updated
}

func (p *Pipeline) emitMessage(t events.EventType, msg *store.Message) {
	p.bus.Emit(t, &events.MessagePayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Direction:      string(msg.Direction),
		SenderType:     string(msg.SenderType),
	})
}

// acknowledgement overwrites the outbound with the handover wording for the
// decided priority, keeping escalation detail in metadata.
func acknowledgement(decision escalation.Decision, response *Response) *Response {
	var content string
	switch decision.Priority {
	case escalation.PriorityUrgent:
		content = "I'm connecting you with our team right away. A staff member will be with you momentarily."
	case escalation.PriorityHigh:
		content = "I've notified our staff and someone will assist you shortly."
	default:
		content = "I've passed your request along to our team. Someone will follow up with you soon."
	}
	metadata := response.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["escalated"] = true
	metadata["escalationPriority"] = decision.Priority
	metadata["escalationReasons"] = decision.Reasons
	return &Response{
		Content:    content,
		Confidence: response.Confidence,
		Intent:     response.Intent,
		Entities:   response.Entities,
		Metadata:   metadata,
	}
}

// cannedApology is the outbound persisted when the responder fails. It is
// stored but never delivered on the channel.
func cannedApology(ctx context.Context, cause error) *Response {
	errTag := "responder_failed"
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		errTag = "upstream_timeout"
	}
	return &Response{
		Content:    "I apologize, I'm having trouble responding right now. A member of our team will follow up with you shortly.",
		Confidence: 0,
		Metadata:   map[string]any{"error": errTag},
	}
}

func defaultContentType(ct string) string {
	if ct == "" {
		return "text/plain"
	}
	return ct
}

// historyReader adapts the message repository to the narrow read capability
// the escalation engine accepts. The escalation check runs after the current
// inbound is persisted, so the newest row is the message under evaluation
// and is dropped before handing history to the engine.
type historyReader struct {
	store *store.Store
}

func (h *historyReader) RecentGuestMessages(ctx context.Context, conversationID string, limit int) ([]string, error) {
	direction := store.MessageInbound
	fetch := limit + 1
	msgs, err := h.store.ListMessages(ctx, &store.FindMessage{
		ConversationID: &conversationID,
		Direction:      &direction,
		OrderDesc:      true,
		Limit:          &fetch,
	})
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		msgs = msgs[1:]
	}
	contents := make([]string, 0, len(msgs))
	for _, m := range msgs {
		contents = append(contents, m.Content)
	}
	return contents, nil
}
