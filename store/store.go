package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/internal/profile"
)

// Sentinel errors surfaced by the facade's invariant checks.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// Driver is an interface for store driver. It contains all methods that store
// database driver should implement.
type Driver interface {
	Close() error
	Migrate(ctx context.Context) error

	// Guest
	CreateGuest(ctx context.Context, create *Guest) (*Guest, error)
	ListGuests(ctx context.Context, find *FindGuest) ([]*Guest, error)
	UpdateGuest(ctx context.Context, update *UpdateGuest) (*Guest, error)
	UpsertGuestByPhone(ctx context.Context, create *Guest) (*Guest, error)
	UpsertGuestByEmail(ctx context.Context, create *Guest) (*Guest, error)

	// Reservation
	CreateReservation(ctx context.Context, create *Reservation) (*Reservation, error)
	ListReservations(ctx context.Context, find *FindReservation) ([]*Reservation, error)
	UpdateReservation(ctx context.Context, update *UpdateReservation) (*Reservation, error)
	UpsertReservationByConfirmation(ctx context.Context, create *Reservation) (*Reservation, error)

	// Conversation
	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)
	UpsertConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	GetConversationStats(ctx context.Context) (*ConversationStats, error)

	// Message
	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	UpdateMessage(ctx context.Context, update *UpdateMessage) (*Message, error)
	CountMessages(ctx context.Context, conversationID string) (int64, error)

	// Task
	CreateTask(ctx context.Context, create *Task) (*Task, error)
	ListTasks(ctx context.Context, find *FindTask) ([]*Task, error)
	UpdateTask(ctx context.Context, update *UpdateTask) (*Task, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)

	// Automation
	CreateAutomationRule(ctx context.Context, create *AutomationRule) (*AutomationRule, error)
	ListAutomationRules(ctx context.Context, find *FindAutomationRule) ([]*AutomationRule, error)
	UpdateAutomationRule(ctx context.Context, update *UpdateAutomationRule) (*AutomationRule, error)
	CreateAutomationExecution(ctx context.Context, create *AutomationExecution) (*AutomationExecution, error)
	ListAutomationExecutions(ctx context.Context, find *FindAutomationExecution) ([]*AutomationExecution, error)
	UpdateAutomationExecution(ctx context.Context, update *UpdateAutomationExecution) (*AutomationExecution, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*AutomationExecution, error)
	ClaimAutomationExecution(ctx context.Context, id string) (bool, error)

	// Extension config
	UpsertExtensionConfig(ctx context.Context, upsert *ExtensionConfig) (*ExtensionConfig, error)
	ListExtensionConfigs(ctx context.Context, find *FindExtensionConfig) ([]*ExtensionConfig, error)

	// Audit
	CreateAuditEntry(ctx context.Context, create *AuditEntry) (*AuditEntry, error)
	ListAuditEntries(ctx context.Context, find *FindAuditEntry) ([]*AuditEntry, error)

	// Knowledge
	CreateKnowledgeEntry(ctx context.Context, create *KnowledgeEntry) (*KnowledgeEntry, error)
	ListKnowledgeEntries(ctx context.Context, find *FindKnowledgeEntry) ([]*KnowledgeEntry, error)
	DeleteKnowledgeEntry(ctx context.Context, id string) error
	SearchKnowledge(ctx context.Context, embedding []float64, topK int) ([]*KnowledgeMatch, error)

	// Approval
	CreateApproval(ctx context.Context, create *Approval) (*Approval, error)
	ListApprovals(ctx context.Context, find *FindApproval) ([]*Approval, error)
	UpdateApproval(ctx context.Context, update *UpdateApproval) (*Approval, error)
	GetApprovalStats(ctx context.Context) (*ApprovalStats, error)
}
