// Package automation runs stored rules: trigger evaluation, action chains
// with conditions and templating, and retries with backoff.
package automation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/hrygo/butler/store"
)

// actionTimeout bounds one action dispatch, retries included.
const actionTimeout = 60 * time.Second

// Context carries everything a chain may reference while executing.
type Context struct {
	RuleID      string
	RuleName    string
	Guest       *store.Guest
	Reservation *store.Reservation
	// Event is the bus payload for event-triggered rules.
	Event map[string]any
}

// Result statuses for a single action.
const (
	ActionSuccess = "success"
	ActionFailed  = "failed"
	ActionSkipped = "skipped"
)

// ActionResult records one action's outcome inside a chain run.
type ActionResult struct {
	ActionID   string         `json:"actionId"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executedAt"`
	DurationMs int64          `json:"durationMs"`
}

// ChainResult is the aggregate outcome of one rule firing.
type ChainResult struct {
	Status  store.ExecutionStatus `json:"status"`
	Results []ActionResult        `json:"results"`
}

// Serialize renders the per-action results for the execution row.
func (r *ChainResult) Serialize() []byte {
	b, err := json.Marshal(r.Results)
	if err != nil {
		return nil
	}
	return b
}

// Dispatcher executes one action of a given type against the outside world.
type Dispatcher interface {
	Dispatch(ctx context.Context, action store.Action, config map[string]any, ec *Context) (map[string]any, error)
}

// Executor walks an action chain in order, evaluating conditions and
// substituting templates before each dispatch.
type Executor struct {
	dispatcher Dispatcher
	now        func() time.Time
}

func NewExecutor(dispatcher Dispatcher) *Executor {
	return &Executor{dispatcher: dispatcher, now: time.Now}
}

// Run executes the chain. It never returns an error: failures are captured
// per action and rolled up into the chain status.
func (e *Executor) Run(ctx context.Context, actions []store.Action, ec *Context) *ChainResult {
	ordered := make([]store.Action, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	byID := make(map[string]*ActionResult, len(ordered))
	result := &ChainResult{Results: make([]ActionResult, 0, len(ordered))}

	for _, action := range ordered {
		if !e.conditionHolds(action, byID, result.Results) {
			skipped := ActionResult{
				ActionID:   action.ID,
				Type:       string(action.Type),
				Status:     ActionSkipped,
				ExecutedAt: e.now().UTC(),
			}
			result.Results = append(result.Results, skipped)
			byID[action.ID] = &result.Results[len(result.Results)-1]
			continue
		}

		config := substituteConfig(action.Config, ec, byID)
		start := e.now()
		actionCtx, cancel := context.WithTimeout(ctx, actionTimeout)
		output, err := e.dispatcher.Dispatch(actionCtx, action, config, ec)
		cancel()

		res := ActionResult{
			ActionID:   action.ID,
			Type:       string(action.Type),
			Output:     output,
			ExecutedAt: start.UTC(),
			DurationMs: e.now().Sub(start).Milliseconds(),
		}
		if err != nil {
			res.Status = ActionFailed
			res.Error = err.Error()
		} else {
			res.Status = ActionSuccess
		}
		result.Results = append(result.Results, res)
		byID[action.ID] = &result.Results[len(result.Results)-1]

		if err != nil && !action.ContinueOnError {
			break
		}
	}

	result.Status = chainStatus(result.Results)
	return result
}

// chainStatus rolls per-action outcomes up: completed when nothing failed,
// failed when nothing succeeded, partial otherwise.
func chainStatus(results []ActionResult) store.ExecutionStatus {
	var successes, failures int
	for _, r := range results {
		switch r.Status {
		case ActionSuccess:
			successes++
		case ActionFailed:
			failures++
		}
	}
	switch {
	case failures == 0:
		return store.ExecutionCompleted
	case successes == 0:
		return store.ExecutionFailed
	default:
		return store.ExecutionPartial
	}
}

// conditionHolds decides whether an action runs. previous_success and
// previous_failed inspect the most recent non-skipped result; with no prior
// completed action, previous_success holds and previous_failed does not.
func (e *Executor) conditionHolds(action store.Action, byID map[string]*ActionResult, results []ActionResult) bool {
	switch action.Condition {
	case "", store.CondAlways:
		return true
	case store.CondPreviousSuccess:
		prev := lastCompleted(results)
		return prev == nil || prev.Status == ActionSuccess
	case store.CondPreviousFailed:
		prev := lastCompleted(results)
		return prev != nil && prev.Status == ActionFailed
	case store.CondExpression:
		return evalExpression(action.Expression, byID)
	default:
		slog.Warn("unknown action condition, defaulting to run", "condition", action.Condition, "action", action.ID)
		return true
	}
}

// chainError surfaces the most recent action failure message.
func chainError(result *ChainResult) string {
	for i := len(result.Results) - 1; i >= 0; i-- {
		if result.Results[i].Status == ActionFailed {
			return result.Results[i].Error
		}
	}
	return ""
}

func lastCompleted(results []ActionResult) *ActionResult {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Status != ActionSkipped {
			return &results[i]
		}
	}
	return nil
}
