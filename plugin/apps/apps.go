// Package apps defines the adapter registry: manifests describing every
// integration the system knows how to run, and the live instances built from
// stored configurations.
package apps

import (
	"context"
	"time"

	"github.com/hrygo/butler/store"
)

// FieldType enumerates config schema field kinds rendered by the console.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldPassword FieldType = "password"
	FieldNumber   FieldType = "number"
	FieldBoolean  FieldType = "boolean"
	FieldSelect   FieldType = "select"
)

// ConfigField is one declarative entry in an app's configuration schema.
type ConfigField struct {
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Options     []string  `json:"options,omitempty"`
	Default     string    `json:"default,omitempty"`
	Placeholder string    `json:"placeholder,omitempty"`
}

// Capabilities declared in manifests.
const (
	CapCompletion = "completion"
	CapEmbedding  = "embedding"
	CapStreaming  = "streaming"
	CapInbound    = "inbound"
	CapOutbound   = "outbound"
	CapMedia      = "media"
	CapTemplates  = "templates"
	CapSync       = "sync"
)

// Manifest describes an installable app.
type Manifest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Category    store.AppCategory `json:"category"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	// ChannelType is set for category "channel" and names the transport
	// the adapter serves.
	ChannelType  store.ChannelType `json:"channelType,omitempty"`
	ConfigSchema []ConfigField     `json:"configSchema"`
	Capabilities []string          `json:"capabilities"`
}

// HasCapability reports whether the manifest declares cap.
func (m Manifest) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Status of a live instance.
type Status string

const (
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusError        Status = "error"
	StatusUnconfigured Status = "unconfigured"
)

// ConnectionTestResult is returned by every provider's self test.
type ConnectionTestResult struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	LatencyMs int64          `json:"latencyMs"`
}

// Provider is the minimal contract every live app instance satisfies.
type Provider interface {
	TestConnection(ctx context.Context) *ConnectionTestResult
	// Close releases provider resources. Called before replacing an
	// instance on configuration change.
	Close() error
}

// CompletionMessage is one turn of model input.
type CompletionMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

type CompletionRequest struct {
	Messages      []CompletionMessage
	MaxTokens     int
	Temperature   float32
	StopSequences []string
}

type CompletionUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

type CompletionResponse struct {
	Content    string
	Usage      CompletionUsage
	StopReason string
}

// LanguageModelProvider is implemented by AI apps.
type LanguageModelProvider interface {
	Provider
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	Embed(ctx context.Context, text string) ([]float64, error)
}

// OutboundMessage is the channel-agnostic payload handed to adapters.
type OutboundMessage struct {
	Content     string
	ContentType string
	Metadata    map[string]any
}

// SendResult reports one delivery attempt.
type SendResult struct {
	Status           string `json:"status"` // sent, failed
	ChannelMessageID string `json:"channelMessageId,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ChannelAdapter is implemented by messaging channel apps.
type ChannelAdapter interface {
	Provider
	Send(ctx context.Context, to string, msg *OutboundMessage) (*SendResult, error)
}

// NormalizedGuest is a PMS guest record mapped into our vocabulary.
type NormalizedGuest struct {
	FirstName  string
	LastName   string
	Phone      string
	Email      string
	VIPTier    string
	ExternalID string
	Source     string
}

// NormalizedReservation is a PMS reservation record mapped into our
// vocabulary, carrying its guest.
type NormalizedReservation struct {
	ConfirmationNumber string
	Status             store.ReservationStatus
	RoomNumber         string
	RoomType           string
	ArrivalDate        string
	DepartureDate      string
	Adults             int
	Children           int
	Notes              string
	Guest              NormalizedGuest
}

// PMSAdapter is implemented by property-management-system apps.
type PMSAdapter interface {
	Provider
	GetModifiedReservations(ctx context.Context, since time.Time) ([]*NormalizedReservation, error)
}

// Factory builds a live provider from a stored configuration.
type Factory func(config map[string]any) (Provider, error)

// Registration couples a manifest with its factory.
type Registration struct {
	Manifest Manifest
	Factory  Factory
}
