package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/events"
	"github.com/hrygo/butler/internal/util"
	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/store"
)

// ChannelSource yields the active adapter for a channel type. Satisfied by
// the app registry.
type ChannelSource interface {
	ActiveChannel(channel store.ChannelType) apps.ChannelAdapter
}

// ActionDispatcher implements the four built-in action types.
type ActionDispatcher struct {
	store    *store.Store
	bus      *events.Bus
	channels ChannelSource
	client   *http.Client
}

func NewActionDispatcher(st *store.Store, bus *events.Bus, channels ChannelSource) *ActionDispatcher {
	return &ActionDispatcher{
		store:    st,
		bus:      bus,
		channels: channels,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *ActionDispatcher) Dispatch(ctx context.Context, action store.Action, config map[string]any, ec *Context) (map[string]any, error) {
	switch action.Type {
	case store.ActionSendMessage:
		return d.sendMessage(ctx, config, ec)
	case store.ActionCreateTask:
		return d.createTask(ctx, config, ec)
	case store.ActionNotifyStaff:
		return d.notifyStaff(config)
	case store.ActionWebhook:
		return d.webhook(ctx, config)
	default:
		return nil, errors.Errorf("unknown action type %q", action.Type)
	}
}

// sendMessage delivers templated content to the rule's guest over the
// configured channel.
func (d *ActionDispatcher) sendMessage(ctx context.Context, config map[string]any, ec *Context) (map[string]any, error) {
	content := stringValue(config, "content")
	if content == "" {
		return nil, errors.New("send_message requires content")
	}
	channel := store.ChannelType(stringValue(config, "channel"))
	if channel == "" {
		channel = store.ChannelSMS
	}

	to := stringValue(config, "to")
	if to == "" && ec.Guest != nil {
		switch channel {
		case store.ChannelEmail:
			to = ec.Guest.Email
		default:
			to = ec.Guest.Phone
		}
	}
	if to == "" {
		return nil, errors.New("send_message has no recipient")
	}

	adapter := d.channels.ActiveChannel(channel)
	if adapter == nil {
		return nil, errors.Errorf("no active %s channel adapter", channel)
	}
	result, err := adapter.Send(ctx, to, &apps.OutboundMessage{
		Content:     content,
		ContentType: "text/plain",
		Metadata:    map[string]any{"source": "automation", "ruleId": ec.RuleID},
	})
	if err != nil {
		return nil, errors.Wrap(err, "channel send failed")
	}
	if result.Status != "sent" {
		return nil, errors.Errorf("channel send failed: %s", result.Error)
	}
	return map[string]any{
		"channel":          string(channel),
		"to":               to,
		"channelMessageId": result.ChannelMessageID,
	}, nil
}

func (d *ActionDispatcher) createTask(ctx context.Context, config map[string]any, ec *Context) (map[string]any, error) {
	title := stringValue(config, "title")
	if title == "" {
		return nil, errors.New("create_task requires a title")
	}
	priority := store.TaskPriority(stringValue(config, "priority"))
	if priority == "" {
		priority = store.PriorityStandard
	}

	task := &store.Task{
		ID:          util.GenID("tsk"),
		Title:       title,
		Description: stringValue(config, "description"),
		Source:      store.TaskSourceAutomation,
		Status:      store.TaskPending,
		Priority:    priority,
		Department:  stringValue(config, "department"),
	}
	if ec.Guest != nil {
		task.GuestID = ec.Guest.ID
	}
	created, err := d.store.CreateTask(ctx, task)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create task")
	}
	d.bus.Emit(events.TaskCreated, created)
	return map[string]any{"taskId": created.ID}, nil
}

func (d *ActionDispatcher) notifyStaff(config map[string]any) (map[string]any, error) {
	body := stringValue(config, "message")
	if body == "" {
		body = stringValue(config, "body")
	}
	if body == "" {
		return nil, errors.New("notify_staff requires a message")
	}
	d.bus.Emit(events.StaffNotification, &events.NotificationPayload{
		Title:    stringValue(config, "title"),
		Body:     body,
		Severity: stringValue(config, "severity"),
	})
	return map[string]any{"notified": true}, nil
}

func (d *ActionDispatcher) webhook(ctx context.Context, config map[string]any) (map[string]any, error) {
	url := stringValue(config, "url")
	if url == "" {
		return nil, errors.New("webhook requires a url")
	}
	method := stringValue(config, "method")
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if payload, ok := config["body"]; ok && payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode webhook body")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "webhook request failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return map[string]any{"statusCode": resp.StatusCode}, nil
}

func stringValue(config map[string]any, key string) string {
	if v, ok := config[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}
