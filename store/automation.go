package store

import (
	"context"
	"time"
)

type TriggerType string

const (
	TriggerBeforeArrival   TriggerType = "before_arrival"
	TriggerAfterArrival    TriggerType = "after_arrival"
	TriggerBeforeDeparture TriggerType = "before_departure"
	TriggerAfterDeparture  TriggerType = "after_departure"
	TriggerScheduled       TriggerType = "scheduled"
	TriggerEvent           TriggerType = "event"
)

// Trigger describes when a rule fires. Time-based triggers evaluate against
// reservation dates; event-based triggers are fanned out from the event bus.
type Trigger struct {
	Type TriggerType `json:"type"`
	// OffsetDays applies to before_/after_ triggers.
	OffsetDays int `json:"offsetDays,omitempty"`
	// Time is the local time of day (HH:MM) for time-based triggers.
	Time string `json:"time,omitempty"`
	// EventType applies to event triggers.
	EventType string `json:"eventType,omitempty"`
}

type ActionType string

const (
	ActionSendMessage ActionType = "send_message"
	ActionCreateTask  ActionType = "create_task"
	ActionNotifyStaff ActionType = "notify_staff"
	ActionWebhook     ActionType = "webhook"
)

type ActionCondition string

const (
	CondAlways          ActionCondition = "always"
	CondPreviousSuccess ActionCondition = "previous_success"
	CondPreviousFailed  ActionCondition = "previous_failed"
	CondExpression      ActionCondition = "expression"
)

// Action is one step of a rule's chain.
type Action struct {
	ID              string          `json:"id"`
	Type            ActionType      `json:"type"`
	Config          map[string]any  `json:"config"`
	Order           int             `json:"order"`
	ContinueOnError bool            `json:"continueOnError"`
	Condition       ActionCondition `json:"condition,omitempty"`
	// Expression is evaluated when Condition is "expression".
	Expression string `json:"expression,omitempty"`
}

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

type RetryPolicy struct {
	Enabled        bool        `json:"enabled"`
	MaxAttempts    int         `json:"maxAttempts"`
	InitialDelayMs int64       `json:"initialDelayMs"`
	MaxDelayMs     int64       `json:"maxDelayMs"`
	BackoffType    BackoffType `json:"backoffType"`
}

type AutomationRule struct {
	ID                  string
	Name                string
	Description         string
	Trigger             Trigger
	Actions             []Action
	Enabled             bool
	RunCount            int64
	ConsecutiveFailures int
	LastRunAt           *time.Time
	LastError           string
	Retry               *RetryPolicy
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type FindAutomationRule struct {
	ID          *string
	Enabled     *bool
	TriggerType *TriggerType
	EventType   *string
	Limit       *int
}

type UpdateAutomationRule struct {
	ID                  string
	Name                *string
	Description         *string
	Trigger             *Trigger
	Actions             []Action
	Enabled             *bool
	RunCount            *int64
	ConsecutiveFailures *int
	LastRunAt           *time.Time
	LastError           *string
	Retry               *RetryPolicy
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionPartial   ExecutionStatus = "partial"
)

// AutomationExecution is one attempt (or retry attempt) of a rule firing.
type AutomationExecution struct {
	ID            string
	RuleID        string
	Status        ExecutionStatus
	AttemptNumber int
	TriggerData   map[string]any
	// NextRetryAt is non-nil only while Status is pending.
	NextRetryAt   *time.Time
	ActionResults []byte // serialized per-action results
	DurationMs    int64
	Error         string
	TriggeredAt   time.Time
	CompletedAt   *time.Time
}

type FindAutomationExecution struct {
	ID     *string
	RuleID *string
	Status *ExecutionStatus
	Limit  *int
}

type UpdateAutomationExecution struct {
	ID            string
	Status        *ExecutionStatus
	AttemptNumber *int
	TriggerData   map[string]any
	NextRetryAt   *time.Time
	ClearRetryAt  bool
	ActionResults []byte
	DurationMs    *int64
	Error         *string
	CompletedAt   *time.Time
}

func (s *Store) CreateAutomationRule(ctx context.Context, create *AutomationRule) (*AutomationRule, error) {
	return s.driver.CreateAutomationRule(ctx, create)
}

func (s *Store) ListAutomationRules(ctx context.Context, find *FindAutomationRule) ([]*AutomationRule, error) {
	return s.driver.ListAutomationRules(ctx, find)
}

func (s *Store) GetAutomationRule(ctx context.Context, id string) (*AutomationRule, error) {
	list, err := s.driver.ListAutomationRules(ctx, &FindAutomationRule{ID: &id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateAutomationRule(ctx context.Context, update *UpdateAutomationRule) (*AutomationRule, error) {
	return s.driver.UpdateAutomationRule(ctx, update)
}

func (s *Store) CreateAutomationExecution(ctx context.Context, create *AutomationExecution) (*AutomationExecution, error) {
	return s.driver.CreateAutomationExecution(ctx, create)
}

func (s *Store) ListAutomationExecutions(ctx context.Context, find *FindAutomationExecution) ([]*AutomationExecution, error) {
	return s.driver.ListAutomationExecutions(ctx, find)
}

func (s *Store) UpdateAutomationExecution(ctx context.Context, update *UpdateAutomationExecution) (*AutomationExecution, error) {
	return s.driver.UpdateAutomationExecution(ctx, update)
}

// ListDueRetries returns pending executions whose nextRetryAt has passed,
// oldest first, capped at limit.
func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*AutomationExecution, error) {
	return s.driver.ListDueRetries(ctx, now, limit)
}

// ClaimAutomationExecution atomically moves an execution from pending to
// running. Returns false when another worker already claimed it.
func (s *Store) ClaimAutomationExecution(ctx context.Context, id string) (bool, error) {
	return s.driver.ClaimAutomationExecution(ctx, id)
}
