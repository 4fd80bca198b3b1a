package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/events"
	"github.com/hrygo/butler/internal/util"
	"github.com/hrygo/butler/metrics"
	"github.com/hrygo/butler/store"
)

const (
	defaultTickInterval  = 60 * time.Second
	defaultRetryInterval = 10 * time.Second
	defaultRetryBatch    = 10
	// disableCeiling is how many consecutive failed firings a rule
	// survives before it is switched off and staff are notified.
	disableCeiling = 5
)

// Engine owns rule firing: event fanout from the bus, the time-trigger
// tick, and the retry queue. One logical worker per concern; an execution
// row is never processed twice thanks to the pending->running claim.
type Engine struct {
	store    *store.Store
	bus      *events.Bus
	executor *Executor
	now      func() time.Time

	tickInterval  time.Duration
	retryInterval time.Duration
	retryBatch    int
	metrics       *metrics.Metrics
}

func NewEngine(st *store.Store, bus *events.Bus, dispatcher Dispatcher) *Engine {
	e := &Engine{
		store:         st,
		bus:           bus,
		executor:      NewExecutor(dispatcher),
		now:           time.Now,
		tickInterval:  defaultTickInterval,
		retryInterval: defaultRetryInterval,
		retryBatch:    defaultRetryBatch,
	}
	bus.SubscribeAll(e.handleEvent)
	return e
}

// WithMetrics attaches the process-wide collectors.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// Start runs the two scheduler loops until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.loop(ctx, e.tickInterval, func(c context.Context) {
		e.EvaluateTimeTriggers(c, e.now())
	})
	go e.loop(ctx, e.retryInterval, func(c context.Context) {
		if err := e.RunDueRetries(c); err != nil {
			slog.Error("retry scheduler pass failed", "error", err)
		}
	})
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// handleEvent fans a bus event out to every enabled rule listening for it.
func (e *Engine) handleEvent(evt events.Event) {
	// Executions are not cancellable mid-chain; detach from the bus
	// dispatcher's lifetime.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	enabled := true
	triggerType := store.TriggerEvent
	eventType := string(evt.Type)
	rules, err := e.store.ListAutomationRules(ctx, &store.FindAutomationRule{
		Enabled:     &enabled,
		TriggerType: &triggerType,
		EventType:   &eventType,
	})
	if err != nil {
		slog.Error("failed to list event rules", "event", evt.Type, "error", err)
		return
	}
	if len(rules) == 0 {
		return
	}

	payload := eventPayloadMap(evt)
	for _, rule := range rules {
		ec := &Context{RuleID: rule.ID, RuleName: rule.Name, Event: payload}
		e.hydrateFromEvent(ctx, ec, payload)
		e.Fire(ctx, rule, ec)
	}
}

// Fire creates an execution row and runs the rule's chain to completion.
func (e *Engine) Fire(ctx context.Context, rule *store.AutomationRule, ec *Context) {
	exec, err := e.store.CreateAutomationExecution(ctx, &store.AutomationExecution{
		ID:            util.GenID("exec"),
		RuleID:        rule.ID,
		Status:        store.ExecutionRunning,
		AttemptNumber: 1,
		TriggerData:   triggerData(ec),
		TriggeredAt:   e.now().UTC(),
	})
	if err != nil {
		slog.Error("failed to record execution", "rule", rule.ID, "error", err)
		return
	}

	result := e.executor.Run(ctx, rule.Actions, ec)
	e.finalize(ctx, rule, exec, result)
}

// finalize writes the chain outcome and updates rule counters. Failed
// executions of retry-enabled rules go back to pending with a backoff.
func (e *Engine) finalize(ctx context.Context, rule *store.AutomationRule, exec *store.AutomationExecution, result *ChainResult) {
	now := e.now().UTC()
	duration := now.Sub(exec.TriggeredAt).Milliseconds()
	serialized := result.Serialize()

	if result.Status == store.ExecutionFailed {
		// No retry policy means no retries.
		var policy store.RetryPolicy
		if rule.Retry != nil {
			policy = *rule.Retry
			if policy.MaxAttempts <= 0 {
				policy.MaxAttempts = defaultRetryPolicy().MaxAttempts
			}
		}
		if policy.Enabled && exec.AttemptNumber < policy.MaxAttempts {
			next := now.Add(retryDelay(policy, exec.AttemptNumber))
			status := store.ExecutionPending
			chainErr := chainError(result)
			if _, err := e.store.UpdateAutomationExecution(ctx, &store.UpdateAutomationExecution{
				ID:            exec.ID,
				Status:        &status,
				NextRetryAt:   &next,
				ActionResults: serialized,
				DurationMs:    &duration,
				Error:         &chainErr,
			}); err != nil {
				slog.Error("failed to schedule retry", "execution", exec.ID, "error", err)
			}
			return
		}
		e.permanentFailure(ctx, rule, exec, serialized, duration, chainError(result))
		return
	}

	// completed or partial: terminal and counted as a successful firing.
	completedAt := now
	empty := ""
	if _, err := e.store.UpdateAutomationExecution(ctx, &store.UpdateAutomationExecution{
		ID:            exec.ID,
		Status:        &result.Status,
		ActionResults: serialized,
		DurationMs:    &duration,
		CompletedAt:   &completedAt,
		ClearRetryAt:  true,
		Error:         &empty,
	}); err != nil {
		slog.Error("failed to record execution outcome", "execution", exec.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.AutomationRuns.WithLabelValues(string(result.Status)).Inc()
	}

	runCount := rule.RunCount + 1
	zero := 0
	if _, err := e.store.UpdateAutomationRule(ctx, &store.UpdateAutomationRule{
		ID:                  rule.ID,
		RunCount:            &runCount,
		ConsecutiveFailures: &zero,
		LastRunAt:           &completedAt,
		LastError:           &empty,
	}); err != nil {
		slog.Error("failed to update rule counters", "rule", rule.ID, "error", err)
	}
}

// permanentFailure marks the execution failed for good and bumps the rule's
// consecutive-failure counter, disabling the rule at the ceiling.
func (e *Engine) permanentFailure(ctx context.Context, rule *store.AutomationRule, exec *store.AutomationExecution, serialized []byte, duration int64, chainErr string) {
	now := e.now().UTC()
	failed := store.ExecutionFailed
	if _, err := e.store.UpdateAutomationExecution(ctx, &store.UpdateAutomationExecution{
		ID:            exec.ID,
		Status:        &failed,
		ActionResults: serialized,
		DurationMs:    &duration,
		CompletedAt:   &now,
		ClearRetryAt:  true,
		Error:         &chainErr,
	}); err != nil {
		slog.Error("failed to record execution failure", "execution", exec.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.AutomationRuns.WithLabelValues(string(store.ExecutionFailed)).Inc()
	}

	failures := rule.ConsecutiveFailures + 1
	update := &store.UpdateAutomationRule{
		ID:                  rule.ID,
		ConsecutiveFailures: &failures,
		LastRunAt:           &now,
		LastError:           &chainErr,
	}
	if failures >= disableCeiling {
		disabled := false
		update.Enabled = &disabled
	}
	if _, err := e.store.UpdateAutomationRule(ctx, update); err != nil {
		slog.Error("failed to update rule failure counters", "rule", rule.ID, "error", err)
		return
	}
	if failures >= disableCeiling {
		slog.Warn("rule auto-disabled after repeated failures", "rule", rule.ID, "failures", failures)
		e.bus.Emit(events.StaffNotification, &events.NotificationPayload{
			Title:    "Automation rule disabled",
			Body:     fmt.Sprintf("Rule %q was disabled after %d consecutive failures: %s", rule.Name, failures, chainErr),
			Severity: "warning",
		})
	}
}

// RunDueRetries drains one batch of the retry queue. An empty queue
// performs zero writes.
func (e *Engine) RunDueRetries(ctx context.Context) error {
	due, err := e.store.ListDueRetries(ctx, e.now().UTC(), e.retryBatch)
	if err != nil {
		return errors.Wrap(err, "failed to list due retries")
	}
	for _, exec := range due {
		claimed, err := e.store.ClaimAutomationExecution(ctx, exec.ID)
		if err != nil {
			slog.Error("failed to claim execution", "execution", exec.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		if e.metrics != nil {
			e.metrics.AutomationRetries.Inc()
		}
		e.retry(ctx, exec)
	}
	return nil
}

// retry re-runs one claimed execution.
func (e *Engine) retry(ctx context.Context, exec *store.AutomationExecution) {
	rule, err := e.store.GetAutomationRule(ctx, exec.RuleID)
	if err != nil || rule == nil || !rule.Enabled {
		msg := "rule missing or disabled"
		if err != nil {
			msg = err.Error()
		}
		e.abandonExecution(ctx, exec, msg)
		return
	}

	attempt := exec.AttemptNumber + 1
	if _, err := e.store.UpdateAutomationExecution(ctx, &store.UpdateAutomationExecution{
		ID:            exec.ID,
		AttemptNumber: &attempt,
	}); err != nil {
		slog.Error("failed to bump attempt number", "execution", exec.ID, "error", err)
	}
	exec.AttemptNumber = attempt

	ec := e.rebuildContext(ctx, rule, exec)
	actions := e.rehydrateActions(ctx, rule, exec)
	result := e.executor.Run(ctx, actions, ec)
	e.finalize(ctx, rule, exec, result)
}

func (e *Engine) abandonExecution(ctx context.Context, exec *store.AutomationExecution, reason string) {
	now := e.now().UTC()
	failed := store.ExecutionFailed
	if _, err := e.store.UpdateAutomationExecution(ctx, &store.UpdateAutomationExecution{
		ID:           exec.ID,
		Status:       &failed,
		CompletedAt:  &now,
		ClearRetryAt: true,
		Error:        &reason,
	}); err != nil {
		slog.Error("failed to abandon execution", "execution", exec.ID, "error", err)
	}
}

// rebuildContext reconstructs the chain context from the stored trigger
// snapshot.
func (e *Engine) rebuildContext(ctx context.Context, rule *store.AutomationRule, exec *store.AutomationExecution) *Context {
	ec := &Context{RuleID: rule.ID, RuleName: rule.Name}
	if exec.TriggerData == nil {
		return ec
	}
	if event, ok := exec.TriggerData["event"].(map[string]any); ok {
		ec.Event = event
	}
	if guestID, ok := exec.TriggerData["guestId"].(string); ok && guestID != "" {
		guest, err := e.store.GetGuest(ctx, &store.FindGuest{ID: &guestID})
		if err == nil && guest != nil {
			ec.Guest = guest
		}
	}
	if resID, ok := exec.TriggerData["reservationId"].(string); ok && resID != "" {
		res, err := e.store.GetReservation(ctx, &store.FindReservation{ID: &resID})
		if err == nil && res != nil {
			ec.Reservation = res
		}
	}
	return ec
}

// rehydrateActions returns the chain to re-run. Legacy executions recorded a
// single {actionType, actionConfig} pair instead of a chain; those convert
// to a one-element chain whose generated id is written back into the
// snapshot so later retries see a stable id.
func (e *Engine) rehydrateActions(ctx context.Context, rule *store.AutomationRule, exec *store.AutomationExecution) []store.Action {
	if len(rule.Actions) > 0 {
		return rule.Actions
	}
	data := exec.TriggerData
	if data == nil {
		return nil
	}
	actionType, ok := data["actionType"].(string)
	if !ok || actionType == "" {
		return nil
	}

	id, _ := data["actionId"].(string)
	if id == "" {
		id = fmt.Sprintf("action_%d", e.now().UnixMilli())
		data["actionId"] = id
		if _, err := e.store.UpdateAutomationExecution(ctx, &store.UpdateAutomationExecution{
			ID:          exec.ID,
			TriggerData: data,
		}); err != nil {
			slog.Warn("failed to persist legacy action id", "execution", exec.ID, "error", err)
		}
	}

	config, _ := data["actionConfig"].(map[string]any)
	return []store.Action{{
		ID:     id,
		Type:   store.ActionType(actionType),
		Config: config,
		Order:  0,
	}}
}

// EvaluateTimeTriggers fires time-based rules whose date arithmetic matches
// now. Each rule fires at most once per calendar day.
func (e *Engine) EvaluateTimeTriggers(ctx context.Context, now time.Time) {
	enabled := true
	rules, err := e.store.ListAutomationRules(ctx, &store.FindAutomationRule{Enabled: &enabled})
	if err != nil {
		slog.Error("failed to list rules for time triggers", "error", err)
		return
	}

	today := now.UTC().Format("2006-01-02")
	for _, rule := range rules {
		trigger := rule.Trigger
		if trigger.Type == store.TriggerEvent {
			continue
		}
		if !timeOfDayReached(trigger.Time, now) {
			continue
		}
		if rule.LastRunAt != nil && rule.LastRunAt.UTC().Format("2006-01-02") == today {
			continue
		}

		switch trigger.Type {
		case store.TriggerScheduled:
			e.Fire(ctx, rule, &Context{RuleID: rule.ID, RuleName: rule.Name})
		case store.TriggerBeforeArrival, store.TriggerAfterArrival,
			store.TriggerBeforeDeparture, store.TriggerAfterDeparture:
			for _, res := range e.matchingReservations(ctx, trigger, now) {
				ec := &Context{RuleID: rule.ID, RuleName: rule.Name, Reservation: res}
				if res.GuestID != "" {
					if guest, err := e.store.GetGuest(ctx, &store.FindGuest{ID: &res.GuestID}); err == nil {
						ec.Guest = guest
					}
				}
				e.Fire(ctx, rule, ec)
			}
		}
	}
}

// matchingReservations selects the reservations whose arrival or departure
// is exactly offsetDays away from today in the trigger's direction.
func (e *Engine) matchingReservations(ctx context.Context, trigger store.Trigger, now time.Time) []*store.Reservation {
	var target string
	offset := trigger.OffsetDays
	switch trigger.Type {
	case store.TriggerBeforeArrival, store.TriggerBeforeDeparture:
		target = now.UTC().AddDate(0, 0, offset).Format("2006-01-02")
	case store.TriggerAfterArrival, store.TriggerAfterDeparture:
		target = now.UTC().AddDate(0, 0, -offset).Format("2006-01-02")
	default:
		return nil
	}

	find := &store.FindReservation{
		Statuses: []store.ReservationStatus{store.ReservationConfirmed, store.ReservationInHouse},
	}
	if trigger.Type == store.TriggerAfterDeparture {
		find.Statuses = []store.ReservationStatus{store.ReservationCheckedOut}
	}
	reservations, err := e.store.ListReservations(ctx, find)
	if err != nil {
		slog.Error("failed to list reservations for trigger", "error", err)
		return nil
	}

	var matched []*store.Reservation
	for _, res := range reservations {
		switch trigger.Type {
		case store.TriggerBeforeArrival, store.TriggerAfterArrival:
			if res.ArrivalDate == target {
				matched = append(matched, res)
			}
		case store.TriggerBeforeDeparture, store.TriggerAfterDeparture:
			if res.DepartureDate == target {
				matched = append(matched, res)
			}
		}
	}
	return matched
}

// timeOfDayReached gates a trigger on its HH:MM wall-clock time; an unset
// time means "any tick".
func timeOfDayReached(hhmm string, now time.Time) bool {
	if hhmm == "" {
		return true
	}
	return now.Format("15:04") >= hhmm
}

// hydrateFromEvent pulls identifiable guest/reservation handles out of an
// event payload so templates work on event-triggered rules.
func (e *Engine) hydrateFromEvent(ctx context.Context, ec *Context, payload map[string]any) {
	if guestID, ok := payload["guestId"].(string); ok && guestID != "" {
		if guest, err := e.store.GetGuest(ctx, &store.FindGuest{ID: &guestID}); err == nil && guest != nil {
			ec.Guest = guest
		}
	}
}

func triggerData(ec *Context) map[string]any {
	data := map[string]any{}
	if ec.Guest != nil {
		data["guestId"] = ec.Guest.ID
	}
	if ec.Reservation != nil {
		data["reservationId"] = ec.Reservation.ID
	}
	if ec.Event != nil {
		data["event"] = ec.Event
	}
	return data
}

func eventPayloadMap(evt events.Event) map[string]any {
	payload := map[string]any{
		"type":      string(evt.Type),
		"timestamp": evt.Timestamp.Format(time.RFC3339),
	}
	if evt.Payload == nil {
		return payload
	}
	encoded, err := json.Marshal(evt.Payload)
	if err != nil {
		return payload
	}
	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return payload
	}
	for k, v := range fields {
		payload[k] = v
	}
	return payload
}
