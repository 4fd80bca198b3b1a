package store

import (
	"context"
	"time"
)

type MessageDirection string

const (
	MessageInbound  MessageDirection = "inbound"
	MessageOutbound MessageDirection = "outbound"
)

type SenderType string

const (
	SenderGuest  SenderType = "guest"
	SenderAI     SenderType = "ai"
	SenderStaff  SenderType = "staff"
	SenderSystem SenderType = "system"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

type Message struct {
	ID             string
	ConversationID string
	Direction      MessageDirection
	SenderType     SenderType
	Content        string
	ContentType    string // text/plain unless the channel says otherwise
	Confidence     *float64
	Intent         string
	Entities       map[string]any
	Metadata       map[string]any
	DeliveryStatus DeliveryStatus
	// ChannelMessageID is the provider-side identifier, used by delivery
	// status callbacks.
	ChannelMessageID string
	CreatedAt        time.Time
}

type FindMessage struct {
	ID               *string
	ConversationID   *string
	Direction        *MessageDirection
	ChannelMessageID *string
	// OrderDesc returns newest first.
	OrderDesc bool
	Limit     *int
	Offset    *int
}

type UpdateMessage struct {
	ID               string
	DeliveryStatus   *DeliveryStatus
	ChannelMessageID *string
}

func (s *Store) CreateMessage(ctx context.Context, create *Message) (*Message, error) {
	return s.driver.CreateMessage(ctx, create)
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

func (s *Store) GetMessage(ctx context.Context, find *FindMessage) (*Message, error) {
	list, err := s.driver.ListMessages(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateMessage(ctx context.Context, update *UpdateMessage) (*Message, error) {
	return s.driver.UpdateMessage(ctx, update)
}

func (s *Store) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	return s.driver.CountMessages(ctx, conversationID)
}
