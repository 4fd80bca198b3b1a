package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/store"
)

const ruleFields = "id, name, description, trigger, actions, enabled, run_count, consecutive_failures, last_run_at, last_error, retry, created_at, updated_at"

func scanRule(row interface{ Scan(...any) error }) (*store.AutomationRule, error) {
	var r store.AutomationRule
	var trigger, actions string
	var retry, lastRunAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(
		&r.ID,
		&r.Name,
		&r.Description,
		&trigger,
		&actions,
		&r.Enabled,
		&r.RunCount,
		&r.ConsecutiveFailures,
		&lastRunAt,
		&r.LastError,
		&retry,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trigger), &r.Trigger); err != nil {
		return nil, errors.Wrap(err, "failed to decode trigger")
	}
	if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
		return nil, errors.Wrap(err, "failed to decode actions")
	}
	if retry.Valid {
		var policy store.RetryPolicy
		if err := json.Unmarshal([]byte(retry.String), &policy); err != nil {
			return nil, errors.Wrap(err, "failed to decode retry policy")
		}
		r.Retry = &policy
	}
	r.LastRunAt = parseTimePtr(lastRunAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func (d *DB) CreateAutomationRule(ctx context.Context, create *store.AutomationRule) (*store.AutomationRule, error) {
	now := formatTime(time.Now())
	trigger, err := json.Marshal(create.Trigger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode trigger")
	}
	actions, err := json.Marshal(create.Actions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode actions")
	}
	var retry any
	if create.Retry != nil {
		b, err := json.Marshal(create.Retry)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode retry policy")
		}
		retry = string(b)
	}
	stmt := `
		INSERT INTO automation_rule (` + ruleFields + `)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, NULL, '', ?, ?, ?)
		RETURNING ` + ruleFields
	rule, err := scanRule(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.Name,
		create.Description,
		string(trigger),
		string(actions),
		create.Enabled,
		retry,
		now,
		now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create automation rule")
	}
	return rule, nil
}

func (d *DB) ListAutomationRules(ctx context.Context, find *store.FindAutomationRule) ([]*store.AutomationRule, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Enabled != nil {
		where, args = append(where, "enabled = ?"), append(args, *find.Enabled)
	}
	if find.TriggerType != nil {
		where, args = append(where, "json_extract(trigger, '$.type') = ?"), append(args, *find.TriggerType)
	}
	if find.EventType != nil {
		where, args = append(where, "json_extract(trigger, '$.eventType') = ?"), append(args, *find.EventType)
	}

	query := `SELECT ` + ruleFields + ` FROM automation_rule WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at ASC`
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list automation rules")
	}
	defer rows.Close()

	var rules []*store.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan automation rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (d *DB) UpdateAutomationRule(ctx context.Context, update *store.UpdateAutomationRule) (*store.AutomationRule, error) {
	set, args := []string{"updated_at = ?"}, []any{formatTime(time.Now())}

	if update.Name != nil {
		set, args = append(set, "name = ?"), append(args, *update.Name)
	}
	if update.Description != nil {
		set, args = append(set, "description = ?"), append(args, *update.Description)
	}
	if update.Trigger != nil {
		b, err := json.Marshal(update.Trigger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode trigger")
		}
		set, args = append(set, "trigger = ?"), append(args, string(b))
	}
	if update.Actions != nil {
		b, err := json.Marshal(update.Actions)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode actions")
		}
		set, args = append(set, "actions = ?"), append(args, string(b))
	}
	if update.Enabled != nil {
		set, args = append(set, "enabled = ?"), append(args, *update.Enabled)
	}
	if update.RunCount != nil {
		set, args = append(set, "run_count = ?"), append(args, *update.RunCount)
	}
	if update.ConsecutiveFailures != nil {
		set, args = append(set, "consecutive_failures = ?"), append(args, *update.ConsecutiveFailures)
	}
	if update.LastRunAt != nil {
		set, args = append(set, "last_run_at = ?"), append(args, formatTime(*update.LastRunAt))
	}
	if update.LastError != nil {
		set, args = append(set, "last_error = ?"), append(args, *update.LastError)
	}
	if update.Retry != nil {
		b, err := json.Marshal(update.Retry)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode retry policy")
		}
		set, args = append(set, "retry = ?"), append(args, string(b))
	}
	args = append(args, update.ID)

	stmt := `UPDATE automation_rule SET ` + strings.Join(set, ", ") + ` WHERE id = ? RETURNING ` + ruleFields
	rule, err := scanRule(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to update automation rule")
	}
	return rule, nil
}

const executionFields = "id, rule_id, status, attempt_number, trigger_data, next_retry_at, action_results, duration_ms, error, triggered_at, completed_at"

func scanExecution(row interface{ Scan(...any) error }) (*store.AutomationExecution, error) {
	var e store.AutomationExecution
	var triggerData string
	var nextRetryAt, actionResults, completedAt sql.NullString
	var triggeredAt string
	if err := row.Scan(
		&e.ID,
		&e.RuleID,
		&e.Status,
		&e.AttemptNumber,
		&triggerData,
		&nextRetryAt,
		&actionResults,
		&e.DurationMs,
		&e.Error,
		&triggeredAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	e.TriggerData = unmarshalMap(triggerData)
	e.NextRetryAt = parseTimePtr(nextRetryAt)
	if actionResults.Valid {
		e.ActionResults = []byte(actionResults.String)
	}
	e.TriggeredAt = parseTime(triggeredAt)
	e.CompletedAt = parseTimePtr(completedAt)
	return &e, nil
}

func (d *DB) CreateAutomationExecution(ctx context.Context, create *store.AutomationExecution) (*store.AutomationExecution, error) {
	if create.Status == "" {
		create.Status = store.ExecutionPending
	}
	if create.AttemptNumber == 0 {
		create.AttemptNumber = 1
	}
	triggeredAt := create.TriggeredAt
	if triggeredAt.IsZero() {
		triggeredAt = time.Now()
	}
	var actionResults any
	if create.ActionResults != nil {
		actionResults = string(create.ActionResults)
	}
	stmt := `
		INSERT INTO automation_execution (` + executionFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		RETURNING ` + executionFields
	e, err := scanExecution(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.RuleID,
		create.Status,
		create.AttemptNumber,
		marshalJSON(create.TriggerData),
		formatTimePtr(create.NextRetryAt),
		actionResults,
		create.DurationMs,
		create.Error,
		formatTime(triggeredAt),
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create automation execution")
	}
	return e, nil
}

func (d *DB) ListAutomationExecutions(ctx context.Context, find *store.FindAutomationExecution) ([]*store.AutomationExecution, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.RuleID != nil {
		where, args = append(where, "rule_id = ?"), append(args, *find.RuleID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}

	query := `SELECT ` + executionFields + ` FROM automation_execution WHERE ` + strings.Join(where, " AND ") + ` ORDER BY triggered_at DESC`
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list automation executions")
	}
	defer rows.Close()

	var executions []*store.AutomationExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan automation execution")
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func (d *DB) UpdateAutomationExecution(ctx context.Context, update *store.UpdateAutomationExecution) (*store.AutomationExecution, error) {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.AttemptNumber != nil {
		set, args = append(set, "attempt_number = ?"), append(args, *update.AttemptNumber)
	}
	if update.TriggerData != nil {
		set, args = append(set, "trigger_data = ?"), append(args, marshalJSON(update.TriggerData))
	}
	if update.NextRetryAt != nil {
		set, args = append(set, "next_retry_at = ?"), append(args, formatTime(*update.NextRetryAt))
	} else if update.ClearRetryAt {
		set = append(set, "next_retry_at = NULL")
	}
	if update.ActionResults != nil {
		set, args = append(set, "action_results = ?"), append(args, string(update.ActionResults))
	}
	if update.DurationMs != nil {
		set, args = append(set, "duration_ms = ?"), append(args, *update.DurationMs)
	}
	if update.Error != nil {
		set, args = append(set, "error = ?"), append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		set, args = append(set, "completed_at = ?"), append(args, formatTime(*update.CompletedAt))
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	args = append(args, update.ID)

	stmt := `UPDATE automation_execution SET ` + strings.Join(set, ", ") + ` WHERE id = ? RETURNING ` + executionFields
	e, err := scanExecution(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to update automation execution")
	}
	return e, nil
}

func (d *DB) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*store.AutomationExecution, error) {
	stmt := `
		SELECT ` + executionFields + `
		FROM automation_execution
		WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?`
	rows, err := d.db.QueryContext(ctx, stmt, formatTime(now), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due retries")
	}
	defer rows.Close()

	var executions []*store.AutomationExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan automation execution")
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// ClaimAutomationExecution performs the guarded pending -> running transition.
// The conditional UPDATE is atomic, so an execution row is never processed
// twice even when two scheduler ticks overlap.
func (d *DB) ClaimAutomationExecution(ctx context.Context, id string) (bool, error) {
	result, err := d.db.ExecContext(ctx,
		"UPDATE automation_execution SET status = 'running', next_retry_at = NULL WHERE id = ? AND status = 'pending'", id)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim automation execution")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return affected == 1, nil
}
