package store

import (
	"context"
	"time"
)

type TaskSource string

const (
	TaskSourceManual     TaskSource = "manual"
	TaskSourceAuto       TaskSource = "auto"
	TaskSourceAutomation TaskSource = "automation"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

type TaskPriority string

const (
	PriorityUrgent   TaskPriority = "urgent"
	PriorityHigh     TaskPriority = "high"
	PriorityStandard TaskPriority = "standard"
	PriorityLow      TaskPriority = "low"
)

type Task struct {
	ID             string
	Title          string
	Description    string
	Source         TaskSource
	Status         TaskStatus
	Priority       TaskPriority
	Department     string
	ConversationID string
	GuestID        string
	AssigneeID     string
	DueAt          *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type FindTask struct {
	ID             *string
	Status         *TaskStatus
	Priority       *TaskPriority
	GuestID        *string
	ConversationID *string
	AssigneeID     *string
	Limit          *int
	Offset         *int
}

type UpdateTask struct {
	ID          string
	Title       *string
	Description *string
	Status      *TaskStatus
	Priority    *TaskPriority
	AssigneeID  *string
	DueAt       *time.Time
}

func (s *Store) CreateTask(ctx context.Context, create *Task) (*Task, error) {
	return s.driver.CreateTask(ctx, create)
}

func (s *Store) ListTasks(ctx context.Context, find *FindTask) ([]*Task, error) {
	return s.driver.ListTasks(ctx, find)
}

func (s *Store) GetTask(ctx context.Context, find *FindTask) (*Task, error) {
	list, err := s.driver.ListTasks(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// UpdateTask applies an update. startedAt is stamped the first time a task
// moves to in_progress; completedAt is stamped iff the task completes.
func (s *Store) UpdateTask(ctx context.Context, update *UpdateTask) (*Task, error) {
	return s.driver.UpdateTask(ctx, update)
}

// TaskStats is the live-counter snapshot pushed to the staff console.
type TaskStats struct {
	Pending        int64     `json:"pending"`
	Assigned       int64     `json:"assigned"`
	InProgress     int64     `json:"inProgress"`
	CompletedToday int64     `json:"completedToday"`
	Urgent         int64     `json:"urgent"`
	Timestamp      time.Time `json:"timestamp"`
}

func (s *Store) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	return s.driver.GetTaskStats(ctx)
}
