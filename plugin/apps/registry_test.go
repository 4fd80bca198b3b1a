package apps

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/butler/internal/errs"
	"github.com/hrygo/butler/internal/profile"
	"github.com/hrygo/butler/store"
	"github.com/hrygo/butler/store/db"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	p := &profile.Profile{Mode: "dev", Data: dir, DSN: filepath.Join(dir, "butler_test.db")}
	driver, err := db.NewDBDriver(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type fakeProvider struct {
	testOK  bool
	testMsg string
	closed  bool
	config  map[string]any
}

func (f *fakeProvider) TestConnection(context.Context) *ConnectionTestResult {
	return &ConnectionTestResult{Success: f.testOK, Message: f.testMsg}
}
func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

type fakeChannel struct {
	fakeProvider
}

func (f *fakeChannel) Send(context.Context, string, *OutboundMessage) (*SendResult, error) {
	return &SendResult{Status: "sent"}, nil
}

type fakeModel struct {
	fakeProvider
}

func (f *fakeModel) Complete(context.Context, *CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{Content: "ok"}, nil
}
func (f *fakeModel) Embed(context.Context, string) ([]float64, error) {
	return []float64{0.1}, nil
}

func channelManifest(id string, channel store.ChannelType) Manifest {
	return Manifest{
		ID:          id,
		Name:        id,
		Category:    store.CategoryChannel,
		Version:     "1.0.0",
		ChannelType: channel,
		ConfigSchema: []ConfigField{
			{Key: "apiKey", Label: "API key", Type: FieldPassword, Required: true},
		},
		Capabilities: []string{CapInbound, CapOutbound},
	}
}

func registerChannel(r *Registry, id string, channel store.ChannelType, provider *fakeChannel) {
	r.Register(Registration{
		Manifest: channelManifest(id, channel),
		Factory: func(config map[string]any) (Provider, error) {
			provider.config = config
			return provider, nil
		},
	})
}

func TestRegisteredAppStartsUnconfigured(t *testing.T) {
	r := NewRegistry(newTestStore(t))
	registerChannel(r, "sms-fake", store.ChannelSMS, &fakeChannel{fakeProvider{testOK: true}})

	inst, ok := r.Get("sms-fake")
	require.True(t, ok)
	assert.Equal(t, StatusUnconfigured, inst.Status)
	assert.Nil(t, r.ActiveChannel(store.ChannelSMS))
}

func TestApplyConfigActivatesInstance(t *testing.T) {
	st := newTestStore(t)
	r := NewRegistry(st)
	provider := &fakeChannel{fakeProvider{testOK: true, testMsg: "connected"}}
	registerChannel(r, "sms-fake", store.ChannelSMS, provider)

	inst, err := r.ApplyConfig(context.Background(), "sms-fake", map[string]any{"apiKey": "k1"}, true)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, inst.Status)
	assert.NotNil(t, r.ActiveChannel(store.ChannelSMS))

	cfg, err := st.GetExtensionConfig(context.Background(), "sms-fake")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.Enabled)
	require.NotNil(t, cfg.LastTestOK)
	assert.True(t, *cfg.LastTestOK)
	assert.Equal(t, "connected", cfg.LastTestMessage)
}

func TestApplyConfigRejectsMissingRequiredField(t *testing.T) {
	r := NewRegistry(newTestStore(t))
	registerChannel(r, "sms-fake", store.ChannelSMS, &fakeChannel{fakeProvider{testOK: true}})

	_, err := r.ApplyConfig(context.Background(), "sms-fake", map[string]any{"apiKey": ""}, true)
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.CodeOf(err))

	_, err = r.ApplyConfig(context.Background(), "unknown-app", map[string]any{}, true)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestFailedConnectionTestDegradesToError(t *testing.T) {
	st := newTestStore(t)
	r := NewRegistry(st)
	provider := &fakeChannel{fakeProvider{testOK: false, testMsg: "auth rejected"}}
	registerChannel(r, "sms-fake", store.ChannelSMS, provider)

	inst, err := r.ApplyConfig(context.Background(), "sms-fake", map[string]any{"apiKey": "bad"}, true)
	require.NoError(t, err)
	assert.Equal(t, StatusError, inst.Status)
	assert.Equal(t, "auth rejected", inst.StatusMessage)
	assert.Nil(t, r.ActiveChannel(store.ChannelSMS), "error instances are never selected")

	cfg, err := st.GetExtensionConfig(context.Background(), "sms-fake")
	require.NoError(t, err)
	assert.Equal(t, "auth rejected", cfg.LastError)
}

func TestDisablingConfigClosesOldProvider(t *testing.T) {
	r := NewRegistry(newTestStore(t))
	provider := &fakeChannel{fakeProvider{testOK: true}}
	registerChannel(r, "sms-fake", store.ChannelSMS, provider)

	_, err := r.ApplyConfig(context.Background(), "sms-fake", map[string]any{"apiKey": "k1"}, true)
	require.NoError(t, err)

	inst, err := r.ApplyConfig(context.Background(), "sms-fake", map[string]any{"apiKey": "k1"}, false)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, inst.Status)
	assert.True(t, provider.closed, "replaced provider must be closed")
	assert.Nil(t, r.ActiveChannel(store.ChannelSMS))
}

func TestLoadAllRestoresStoredConfigs(t *testing.T) {
	st := newTestStore(t)

	first := NewRegistry(st)
	registerChannel(first, "sms-fake", store.ChannelSMS, &fakeChannel{fakeProvider{testOK: true}})
	_, err := first.ApplyConfig(context.Background(), "sms-fake", map[string]any{"apiKey": "k1"}, true)
	require.NoError(t, err)

	// A fresh registry over the same store, as after a restart.
	second := NewRegistry(st)
	restored := &fakeChannel{fakeProvider{testOK: true}}
	registerChannel(second, "sms-fake", store.ChannelSMS, restored)
	require.NoError(t, second.LoadAll(context.Background()))

	inst, ok := second.Get("sms-fake")
	require.True(t, ok)
	assert.Equal(t, StatusActive, inst.Status)
	assert.Equal(t, "k1", restored.config["apiKey"])
}

func TestLoadAllSkipsUnknownApps(t *testing.T) {
	st := newTestStore(t)
	_, err := st.UpsertExtensionConfig(context.Background(), &store.ExtensionConfig{
		AppID:    "retired-app",
		Category: store.CategoryChannel,
		Config:   map[string]any{"apiKey": "k"},
		Enabled:  true,
	})
	require.NoError(t, err)

	r := NewRegistry(st)
	require.NoError(t, r.LoadAll(context.Background()))
	_, ok := r.Get("retired-app")
	assert.False(t, ok)
}

func TestActiveChannelMatchesChannelType(t *testing.T) {
	r := NewRegistry(newTestStore(t))
	sms := &fakeChannel{fakeProvider{testOK: true}}
	wa := &fakeChannel{fakeProvider{testOK: true}}
	registerChannel(r, "sms-fake", store.ChannelSMS, sms)
	registerChannel(r, "wa-fake", store.ChannelWhatsApp, wa)

	_, err := r.ApplyConfig(context.Background(), "sms-fake", map[string]any{"apiKey": "k1"}, true)
	require.NoError(t, err)
	_, err = r.ApplyConfig(context.Background(), "wa-fake", map[string]any{"apiKey": "k2"}, true)
	require.NoError(t, err)

	assert.Same(t, sms, r.ActiveChannel(store.ChannelSMS))
	assert.Same(t, wa, r.ActiveChannel(store.ChannelWhatsApp))
	assert.Nil(t, r.ActiveChannel(store.ChannelTelegram))
}

func TestActiveCompletionProviderRequiresCapability(t *testing.T) {
	r := NewRegistry(newTestStore(t))
	model := &fakeModel{fakeProvider{testOK: true}}
	r.Register(Registration{
		Manifest: Manifest{
			ID:       "llm-fake",
			Category: store.CategoryAI,
			Version:  "1.0.0",
			ConfigSchema: []ConfigField{
				{Key: "apiKey", Type: FieldPassword, Required: true},
			},
			Capabilities: []string{CapCompletion},
		},
		Factory: func(map[string]any) (Provider, error) { return model, nil },
	})

	assert.Nil(t, r.ActiveCompletionProvider())

	_, err := r.ApplyConfig(context.Background(), "llm-fake", map[string]any{"apiKey": "sk-1"}, true)
	require.NoError(t, err)
	assert.NotNil(t, r.ActiveCompletionProvider())
	assert.Nil(t, r.ActiveEmbeddingProvider(), "embedding capability not declared")
}

func TestMigrateConfigFillsNewDefaults(t *testing.T) {
	st := newTestStore(t)

	// Stored under an older schema, before the "region" field existed.
	_, err := st.UpsertExtensionConfig(context.Background(), &store.ExtensionConfig{
		AppID:         "sms-fake",
		Category:      store.CategoryChannel,
		Config:        map[string]any{"apiKey": "k1"},
		SchemaVersion: "0.9.0",
		Enabled:       true,
	})
	require.NoError(t, err)

	r := NewRegistry(st)
	provider := &fakeChannel{fakeProvider{testOK: true}}
	m := channelManifest("sms-fake", store.ChannelSMS)
	m.ConfigSchema = append(m.ConfigSchema, ConfigField{Key: "region", Type: FieldText, Default: "us-east"})
	r.Register(Registration{
		Manifest: m,
		Factory: func(config map[string]any) (Provider, error) {
			provider.config = config
			return provider, nil
		},
	})
	require.NoError(t, r.LoadAll(context.Background()))

	assert.Equal(t, "k1", provider.config["apiKey"])
	assert.Equal(t, "us-east", provider.config["region"], "defaults backfill older payloads")
}

func TestManifestsFiltersByCategory(t *testing.T) {
	r := NewRegistry(newTestStore(t))
	registerChannel(r, "sms-fake", store.ChannelSMS, &fakeChannel{})
	registerChannel(r, "wa-fake", store.ChannelWhatsApp, &fakeChannel{})

	all := r.Manifests("")
	require.Len(t, all, 2)
	assert.Equal(t, "sms-fake", all[0].ID, "listing is sorted by id")

	assert.Len(t, r.Manifests(store.CategoryChannel), 2)
	assert.Empty(t, r.Manifests(store.CategoryAI))
}
