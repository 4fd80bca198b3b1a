package store

import (
	"context"
	"time"
)

type AppCategory string

const (
	CategoryAI      AppCategory = "ai"
	CategoryChannel AppCategory = "channel"
	CategoryPMS     AppCategory = "pms"
)

// ExtensionConfig is the stored configuration for one app (adapter). The
// config payload is versioned: SchemaVersion names the config schema the
// payload was written with, and the registry migrates old payloads forward
// on read.
type ExtensionConfig struct {
	AppID           string
	Category        AppCategory
	Config          map[string]any
	SchemaVersion   string
	Enabled         bool
	LastTestAt      *time.Time
	LastTestOK      *bool
	LastTestMessage string
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type FindExtensionConfig struct {
	AppID    *string
	Category *AppCategory
	Enabled  *bool
}

func (s *Store) UpsertExtensionConfig(ctx context.Context, upsert *ExtensionConfig) (*ExtensionConfig, error) {
	return s.driver.UpsertExtensionConfig(ctx, upsert)
}

func (s *Store) ListExtensionConfigs(ctx context.Context, find *FindExtensionConfig) ([]*ExtensionConfig, error) {
	return s.driver.ListExtensionConfigs(ctx, find)
}

func (s *Store) GetExtensionConfig(ctx context.Context, appID string) (*ExtensionConfig, error) {
	list, err := s.driver.ListExtensionConfigs(ctx, &FindExtensionConfig{AppID: &appID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}
