package store

import (
	"context"
	"time"
)

type ConversationState string

const (
	ConversationNew       ConversationState = "new"
	ConversationActive    ConversationState = "active"
	ConversationEscalated ConversationState = "escalated"
	ConversationResolved  ConversationState = "resolved"
	ConversationClosed    ConversationState = "closed"
)

type ChannelType string

const (
	ChannelSMS      ChannelType = "sms"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelEmail    ChannelType = "email"
	ChannelWebchat  ChannelType = "webchat"
	ChannelTelegram ChannelType = "telegram"
)

// stateRank orders conversation states; transitions may only move forward.
var stateRank = map[ConversationState]int{
	ConversationNew:       0,
	ConversationActive:    1,
	ConversationEscalated: 2,
	ConversationResolved:  2,
	ConversationClosed:    3,
}

// CanTransition reports whether a conversation may move from one state to
// another. Closed is terminal; escalated and resolved are siblings and cannot
// replace each other.
func CanTransition(from, to ConversationState) bool {
	if from == to {
		return true
	}
	if from == ConversationClosed {
		return false
	}
	fr, ok := stateRank[from]
	if !ok {
		return false
	}
	tr, ok := stateRank[to]
	if !ok {
		return false
	}
	if fr == tr {
		// escalated <-> resolved is not a forward move.
		return false
	}
	return tr > fr
}

type Conversation struct {
	ID            string
	ChannelType   ChannelType
	ChannelID     string // phone, email address or chat session token
	GuestID       string // empty when unresolved (webchat)
	ReservationID string
	State         ConversationState
	Priority      string // routing priority once escalated
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type FindConversation struct {
	ID          *string
	ChannelType *ChannelType
	ChannelID   *string
	GuestID     *string
	State       *ConversationState
	Limit       *int
	Offset      *int
}

type UpdateConversation struct {
	ID            string
	GuestID       *string
	ReservationID *string
	State         *ConversationState
	Priority      *string
	Metadata      map[string]any
}

func (s *Store) CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error) {
	return s.driver.CreateConversation(ctx, create)
}

func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

func (s *Store) GetConversation(ctx context.Context, find *FindConversation) (*Conversation, error) {
	list, err := s.driver.ListConversations(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// UpdateConversation applies an update, enforcing forward-only state
// transitions. An invalid transition yields ErrInvalidTransition.
func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	if update.State != nil {
		current, err := s.GetConversation(ctx, &FindConversation{ID: &update.ID})
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ErrNotFound
		}
		if !CanTransition(current.State, *update.State) {
			return nil, ErrInvalidTransition
		}
	}
	return s.driver.UpdateConversation(ctx, update)
}

// UpsertConversation looks up a conversation by (channel, channelID) or
// creates a new one in state "new".
func (s *Store) UpsertConversation(ctx context.Context, create *Conversation) (*Conversation, error) {
	return s.driver.UpsertConversation(ctx, create)
}

// ConversationStats is the live-counter snapshot pushed to the staff console.
type ConversationStats struct {
	Active        int64 `json:"active"`
	Escalated     int64 `json:"escalated"`
	ResolvedToday int64 `json:"resolvedToday"`
	Total         int64 `json:"total"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *Store) GetConversationStats(ctx context.Context) (*ConversationStats, error) {
	return s.driver.GetConversationStats(ctx)
}
