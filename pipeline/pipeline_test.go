package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/butler/escalation"
	"github.com/hrygo/butler/events"
	"github.com/hrygo/butler/internal/errs"
	"github.com/hrygo/butler/internal/profile"
	"github.com/hrygo/butler/store"
	"github.com/hrygo/butler/store/db"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	p := &profile.Profile{Mode: "dev", Data: dir, DSN: filepath.Join(dir, "butler_test.db")}
	driver, err := db.NewDBDriver(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type stubResponder struct {
	content    string
	confidence float64
	err        error
}

func (s *stubResponder) Generate(context.Context, *store.Conversation, *store.Message, *GuestContext) (*Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Content: s.content, Confidence: s.confidence}, nil
}

func newTestPipeline(t *testing.T, responder Responder) (*Pipeline, *store.Store, *events.Bus) {
	t.Helper()
	st := newTestStore(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return New(st, bus, responder), st, bus
}

func TestProcessFirstContact(t *testing.T) {
	p, st, _ := newTestPipeline(t, &stubResponder{content: "Checkout is at 11am.", confidence: 0.9})
	ctx := context.Background()

	out, err := p.Process(ctx, &Inbound{
		Channel:   store.ChannelSMS,
		ChannelID: "+15551112222",
		Content:   "Hi, what time is checkout?",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	require.NotNil(t, out.Guest)
	assert.Equal(t, "+15551112222", out.Guest.Phone)
	assert.Equal(t, "Guest", out.Guest.FirstName)
	assert.Equal(t, "2222", out.Guest.LastName)

	require.NotNil(t, out.Conversation)
	assert.Equal(t, store.ConversationActive, out.Conversation.State)

	count, err := st.CountMessages(ctx, out.Conversation.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	assert.False(t, out.Escalated)
	assert.True(t, out.Deliver)
	assert.NotEmpty(t, out.Message.Content)
	require.NotNil(t, out.Message.Confidence)
	assert.GreaterOrEqual(t, *out.Message.Confidence, 0.6)
}

func TestProcessExplicitEscalation(t *testing.T) {
	p, _, bus := newTestPipeline(t, &stubResponder{content: "Of course.", confidence: 0.9})
	ctx := context.Background()

	escalations := make(chan events.Event, 1)
	bus.Subscribe(func(evt events.Event) { escalations <- evt }, events.ConversationEscalated)

	_, err := p.Process(ctx, &Inbound{
		Channel:   store.ChannelSMS,
		ChannelID: "+15551112222",
		Content:   "Hello, I have a question about my stay",
	})
	require.NoError(t, err)

	out, err := p.Process(ctx, &Inbound{
		Channel:   store.ChannelSMS,
		ChannelID: "+15551112222",
		Content:   "Please let me talk to a manager!!",
	})
	require.NoError(t, err)

	assert.True(t, out.Escalated)
	assert.Equal(t, store.ConversationEscalated, out.Conversation.State)
	assert.Equal(t, escalation.PriorityHigh, out.Conversation.Priority)
	assert.True(t, strings.HasPrefix(out.Message.Content, "I've notified our staff"))

	// Metadata rows round-trip through JSON, so the reasons come back as
	// []any.
	reasons, ok := out.Message.Metadata["escalationReasons"].([]any)
	require.True(t, ok)
	assert.Contains(t, reasons, "Guest requested human assistance")

	select {
	case evt := <-escalations:
		payload, ok := evt.Payload.(*events.EscalationPayload)
		require.True(t, ok)
		assert.Equal(t, out.Conversation.ID, payload.ConversationID)
		assert.Equal(t, escalation.PriorityHigh, payload.Priority)
	case <-time.After(time.Second):
		t.Fatal("no conversation.escalated event")
	}
}

func TestProcessResponderFailure(t *testing.T) {
	p, st, _ := newTestPipeline(t, &stubResponder{err: errors.New("model unavailable")})
	ctx := context.Background()

	out, err := p.Process(ctx, &Inbound{
		Channel:   store.ChannelSMS,
		ChannelID: "+15551113333",
		Content:   "Is the pool open?",
	})
	require.NoError(t, err)

	assert.False(t, out.Deliver)
	assert.Contains(t, out.Message.Content, "I apologize")
	assert.Equal(t, "responder_failed", out.Message.Metadata["error"])

	// Both the inbound and the apology are persisted.
	count, err := st.CountMessages(ctx, out.Conversation.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	// The conversation still advanced normally, no escalation on a
	// responder failure.
	assert.Equal(t, store.ConversationActive, out.Conversation.State)
}

func TestProcessContentValidation(t *testing.T) {
	p, _, _ := newTestPipeline(t, &stubResponder{content: "ok", confidence: 0.9})
	ctx := context.Background()

	_, err := p.Process(ctx, &Inbound{Channel: store.ChannelSMS, ChannelID: "+15551112222", Content: "   "})
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.CodeOf(err))

	_, err = p.Process(ctx, &Inbound{
		Channel:   store.ChannelSMS,
		ChannelID: "+15551112222",
		Content:   strings.Repeat("a", maxContentLength+1),
	})
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.CodeOf(err))
}

func TestProcessWebchatHasNoGuest(t *testing.T) {
	p, _, _ := newTestPipeline(t, &stubResponder{content: "Welcome!", confidence: 0.9})

	out, err := p.Process(context.Background(), &Inbound{
		Channel:   store.ChannelWebchat,
		ChannelID: "sess_abc123",
		Content:   "Hello there",
	})
	require.NoError(t, err)
	assert.Nil(t, out.Guest)
	assert.Empty(t, out.Conversation.GuestID)
	assert.Equal(t, store.ConversationActive, out.Conversation.State)
}

func TestProcessTelegramGuestKeyedOnExternalID(t *testing.T) {
	p, st, _ := newTestPipeline(t, &stubResponder{content: "Happy to help.", confidence: 0.9})
	ctx := context.Background()

	// A chat id that digit-for-digit matches a real US phone number.
	out, err := p.Process(ctx, &Inbound{
		Channel:   store.ChannelTelegram,
		ChannelID: "5551112222",
		Content:   "Can I get a wake-up call?",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Guest)
	assert.Empty(t, out.Guest.Phone, "chat ids must not be stored as phone numbers")
	assert.Equal(t, "5551112222", out.Guest.ExternalIDs["telegram"])
	assert.Equal(t, "Guest", out.Guest.FirstName)
	assert.Equal(t, "2222", out.Guest.LastName)

	// An SMS from the phone number the chat id happens to spell gets its
	// own identity.
	smsOut, err := p.Process(ctx, &Inbound{
		Channel:   store.ChannelSMS,
		ChannelID: "+15551112222",
		Content:   "What time is checkout?",
	})
	require.NoError(t, err)
	require.NotNil(t, smsOut.Guest)
	assert.NotEqual(t, out.Guest.ID, smsOut.Guest.ID)
	assert.Equal(t, "+15551112222", smsOut.Guest.Phone)

	// A second telegram message resolves to the first guest, no duplicate.
	again, err := p.Process(ctx, &Inbound{
		Channel:   store.ChannelTelegram,
		ChannelID: "5551112222",
		Content:   "Also extra towels please",
	})
	require.NoError(t, err)
	require.NotNil(t, again.Guest)
	assert.Equal(t, out.Guest.ID, again.Guest.ID)

	guests, err := st.ListGuests(ctx, &store.FindGuest{})
	require.NoError(t, err)
	assert.Len(t, guests, 2)
}

func TestProcessHydratesReservationContext(t *testing.T) {
	p, st, _ := newTestPipeline(t, &stubResponder{content: "Your room is ready.", confidence: 0.9})
	ctx := context.Background()

	guest, err := st.UpsertGuestByPhone(ctx, &store.Guest{
		ID:        "gst_fixture",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Phone:     "+15551114444",
	})
	require.NoError(t, err)

	arrival := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	departure := time.Now().UTC().AddDate(0, 0, 2).Format("2006-01-02")
	res, err := st.CreateReservation(ctx, &store.Reservation{
		ID:                 "rsv_fixture",
		GuestID:            guest.ID,
		ConfirmationNumber: "CONF123",
		RoomNumber:         "412",
		ArrivalDate:        arrival,
		DepartureDate:      departure,
		Status:             store.ReservationInHouse,
	})
	require.NoError(t, err)

	out, err := p.Process(ctx, &Inbound{
		Channel:   store.ChannelSMS,
		ChannelID: "+15551114444",
		Content:   "Could I book a spa appointment for tomorrow morning?",
	})
	require.NoError(t, err)
	assert.Equal(t, guest.ID, out.Guest.ID)
	assert.Equal(t, res.ID, out.Conversation.ReservationID)
}

func TestCanonicalPhoneIdempotent(t *testing.T) {
	inputs := []string{
		"+15551112222",
		"555-111-2222",
		"(555) 111-2222",
		"1 555 111 2222",
		"+44 20 7946 0958",
	}
	for _, in := range inputs {
		once := CanonicalPhone(in)
		assert.Equal(t, once, CanonicalPhone(once), "canonicalization must be idempotent for %q", in)
		assert.True(t, strings.HasPrefix(once, "+"))
	}
	assert.Equal(t, "+15551112222", CanonicalPhone("555-111-2222"))
	assert.Equal(t, "+15551112222", CanonicalPhone("1 555 111 2222"))
	assert.Equal(t, "+15551112222", CanonicalPhone("+15551112222"))
}
