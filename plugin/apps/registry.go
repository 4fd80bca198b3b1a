package apps

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/mod/semver"

	"github.com/hrygo/butler/internal/errs"
	"github.com/hrygo/butler/store"
)

// connection tests must not hang a config save
const testTimeout = 10 * time.Second

// Instance is one live app: its manifest, the provider object built from the
// stored configuration, and the current health status.
type Instance struct {
	Manifest      Manifest
	Provider      Provider
	Status        Status
	StatusMessage string
}

// Registry holds every registered app definition and the live instances
// built from stored configurations. Reads vastly outnumber writes, so
// lookups take the read lock and configuration changes rebuild instances
// outside the exclusive section.
type Registry struct {
	store *store.Store

	mu   sync.RWMutex
	defs map[string]Registration
	live map[string]*Instance
}

func NewRegistry(st *store.Store) *Registry {
	return &Registry{
		store: st,
		defs:  make(map[string]Registration),
		live:  make(map[string]*Instance),
	}
}

// Register adds an app definition. Call during startup, before LoadAll.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[reg.Manifest.ID] = reg
	r.live[reg.Manifest.ID] = &Instance{
		Manifest: reg.Manifest,
		Status:   StatusUnconfigured,
	}
}

// Manifests returns all registered manifests, optionally filtered by
// category, sorted by id for stable listings.
func (r *Registry) Manifests(category store.AppCategory) []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	manifests := make([]Manifest, 0, len(r.defs))
	for _, reg := range r.defs {
		if category != "" && reg.Manifest.Category != category {
			continue
		}
		manifests = append(manifests, reg.Manifest)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests
}

// Get returns the live instance for an app id.
func (r *Registry) Get(appID string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.live[appID]
	return inst, ok
}

// LoadAll instantiates every app that has a stored, enabled configuration.
// Called once at startup; instantiation failures degrade the instance to
// error status instead of failing boot.
func (r *Registry) LoadAll(ctx context.Context) error {
	configs, err := r.store.ListExtensionConfigs(ctx, &store.FindExtensionConfig{})
	if err != nil {
		return errors.Wrap(err, "failed to load extension configs")
	}
	for _, cfg := range configs {
		if _, ok := r.definition(cfg.AppID); !ok {
			slog.Warn("stored config for unknown app, skipping", "app", cfg.AppID)
			continue
		}
		r.rebuild(ctx, cfg, false)
	}
	return nil
}

// ApplyConfig persists a configuration change, tears down the old instance,
// builds a new one, and runs its connection test. The stored row records the
// test outcome either way.
func (r *Registry) ApplyConfig(ctx context.Context, appID string, config map[string]any, enabled bool) (*Instance, error) {
	reg, ok := r.definition(appID)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "unknown app %q", appID)
	}
	if err := validateConfig(reg.Manifest, config); err != nil {
		return nil, err
	}

	cfg, err := r.store.UpsertExtensionConfig(ctx, &store.ExtensionConfig{
		AppID:         appID,
		Category:      reg.Manifest.Category,
		Config:        config,
		SchemaVersion: reg.Manifest.Version,
		Enabled:       enabled,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to persist config for %q", appID)
	}

	return r.rebuild(ctx, cfg, true), nil
}

// Test re-runs the connection test of an already-built instance and updates
// its status.
func (r *Registry) Test(ctx context.Context, appID string) (*ConnectionTestResult, error) {
	inst, ok := r.Get(appID)
	if !ok || inst.Provider == nil {
		return nil, errs.Newf(errs.NotFound, "app %q is not configured", appID)
	}
	result := r.runTest(ctx, inst.Provider)
	r.recordTest(ctx, appID, result)
	return result, nil
}

// rebuild replaces the live instance for cfg.AppID. The provider factory and
// connection test run outside the registry lock.
func (r *Registry) rebuild(ctx context.Context, cfg *store.ExtensionConfig, persistTest bool) *Instance {
	reg, _ := r.definition(cfg.AppID)

	r.mu.Lock()
	old := r.live[cfg.AppID]
	r.mu.Unlock()
	if old != nil && old.Provider != nil {
		if err := old.Provider.Close(); err != nil {
			slog.Warn("failed to close provider", "app", cfg.AppID, "error", err)
		}
	}

	next := &Instance{Manifest: reg.Manifest}
	switch {
	case !cfg.Enabled:
		next.Status = StatusInactive
	default:
		provider, err := reg.Factory(migrateConfig(reg.Manifest, cfg))
		if err != nil {
			next.Status = StatusError
			next.StatusMessage = err.Error()
			slog.Error("failed to instantiate app", "app", cfg.AppID, "error", err)
		} else {
			next.Provider = provider
			result := r.runTest(ctx, provider)
			if result.Success {
				next.Status = StatusActive
			} else {
				next.Status = StatusError
				next.StatusMessage = result.Message
			}
			if persistTest {
				r.recordTest(ctx, cfg.AppID, result)
			}
		}
	}

	r.mu.Lock()
	r.live[cfg.AppID] = next
	r.mu.Unlock()
	return next
}

func (r *Registry) runTest(ctx context.Context, p Provider) *ConnectionTestResult {
	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	start := time.Now()
	result := p.TestConnection(ctx)
	if result == nil {
		result = &ConnectionTestResult{Success: false, Message: "connection test returned no result"}
	}
	if result.LatencyMs == 0 {
		result.LatencyMs = time.Since(start).Milliseconds()
	}
	return result
}

func (r *Registry) recordTest(ctx context.Context, appID string, result *ConnectionTestResult) {
	cfg, err := r.store.GetExtensionConfig(ctx, appID)
	if err != nil || cfg == nil {
		return
	}
	now := time.Now().UTC()
	cfg.LastTestAt = &now
	cfg.LastTestOK = &result.Success
	cfg.LastTestMessage = result.Message
	if !result.Success {
		cfg.LastError = result.Message
	} else {
		cfg.LastError = ""
	}
	if _, err := r.store.UpsertExtensionConfig(ctx, cfg); err != nil {
		slog.Warn("failed to record connection test", "app", appID, "error", err)
	}

	if !result.Success {
		r.mu.Lock()
		if inst, ok := r.live[appID]; ok {
			inst.Status = StatusError
			inst.StatusMessage = result.Message
		}
		r.mu.Unlock()
	}
}

func (r *Registry) definition(appID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.defs[appID]
	return reg, ok
}

// validateConfig checks required fields declared in the manifest schema.
func validateConfig(m Manifest, config map[string]any) error {
	for _, field := range m.ConfigSchema {
		if !field.Required {
			continue
		}
		v, ok := config[field.Key]
		if !ok {
			return errs.Newf(errs.Validation, "missing required field %q", field.Key)
		}
		if s, isString := v.(string); isString && s == "" {
			return errs.Newf(errs.Validation, "missing required field %q", field.Key)
		}
	}
	return nil
}

// migrateConfig brings a payload written under an older schema version up to
// the current one: defaults declared in the manifest fill keys the old
// schema did not have. Versions compare as semver with a v prefix.
func migrateConfig(m Manifest, cfg *store.ExtensionConfig) map[string]any {
	config := cfg.Config
	if config == nil {
		config = map[string]any{}
	}
	if cfg.SchemaVersion != "" && semver.Compare("v"+cfg.SchemaVersion, "v"+m.Version) >= 0 {
		return config
	}
	for _, field := range m.ConfigSchema {
		if _, ok := config[field.Key]; !ok && field.Default != "" {
			config[field.Key] = field.Default
		}
	}
	return config
}

// Selection policy: at most one active provider per concern.

// ActiveCompletionProvider returns the AI instance designated for
// completions, or nil when none is active.
func (r *Registry) ActiveCompletionProvider() LanguageModelProvider {
	return r.activeModel(CapCompletion)
}

// ActiveEmbeddingProvider returns the AI instance designated for embeddings.
func (r *Registry) ActiveEmbeddingProvider() LanguageModelProvider {
	return r.activeModel(CapEmbedding)
}

func (r *Registry) activeModel(cap string) LanguageModelProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range sortedIDs(r.live) {
		inst := r.live[id]
		if inst.Status != StatusActive || inst.Manifest.Category != store.CategoryAI {
			continue
		}
		if !inst.Manifest.HasCapability(cap) {
			continue
		}
		if p, ok := inst.Provider.(LanguageModelProvider); ok {
			return p
		}
	}
	return nil
}

// ActiveChannel returns the active adapter serving the given channel type.
func (r *Registry) ActiveChannel(channel store.ChannelType) ChannelAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range sortedIDs(r.live) {
		inst := r.live[id]
		if inst.Status != StatusActive || inst.Manifest.Category != store.CategoryChannel {
			continue
		}
		if inst.Manifest.ChannelType != channel {
			continue
		}
		if a, ok := inst.Provider.(ChannelAdapter); ok {
			return a
		}
	}
	return nil
}

// ActivePMS returns the active property-management adapter, or nil.
func (r *Registry) ActivePMS() PMSAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range sortedIDs(r.live) {
		inst := r.live[id]
		if inst.Status != StatusActive || inst.Manifest.Category != store.CategoryPMS {
			continue
		}
		if a, ok := inst.Provider.(PMSAdapter); ok {
			return a
		}
	}
	return nil
}

func sortedIDs(live map[string]*Instance) []string {
	ids := make([]string, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
