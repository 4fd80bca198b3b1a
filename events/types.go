// Package events provides the in-process publish/subscribe bus that decouples
// domain producers (pipeline, repositories, automations) from the push channel
// used by the staff console.
package events

import "time"

// EventType is the closed set of domain event types.
type EventType string

const (
	MessageReceived       EventType = "message.received"
	MessageSent           EventType = "message.sent"
	ConversationCreated   EventType = "conversation.created"
	ConversationUpdated   EventType = "conversation.updated"
	ConversationEscalated EventType = "conversation.escalated"
	ConversationResolved  EventType = "conversation.resolved"
	TaskCreated           EventType = "task.created"
	TaskAssigned          EventType = "task.assigned"
	TaskCompleted         EventType = "task.completed"
	GuestCreated          EventType = "guest.created"
	GuestUpdated          EventType = "guest.updated"
	ApprovalQueued        EventType = "approval.queued"
	ApprovalDecided       EventType = "approval.decided"
	ApprovalExecuted      EventType = "approval.executed"
	ModelDownloadProgress EventType = "model.download.progress"
	ReservationCreated    EventType = "reservation.created"
	ReservationUpdated    EventType = "reservation.updated"
	StaffNotification     EventType = "staff.notification"
)

// Event is one domain occurrence published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// EscalationPayload accompanies conversation.escalated.
type EscalationPayload struct {
	ConversationID string   `json:"conversationId"`
	GuestID        string   `json:"guestId,omitempty"`
	Priority       string   `json:"priority"`
	Reasons        []string `json:"reasons"`
}

// MessagePayload accompanies message.received and message.sent.
type MessagePayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Direction      string `json:"direction"`
	SenderType     string `json:"senderType"`
}

// NotificationPayload accompanies staff.notification.
type NotificationPayload struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Severity string `json:"severity,omitempty"`
}
