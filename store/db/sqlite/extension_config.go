package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/store"
)

const extensionConfigFields = "app_id, category, config, schema_version, enabled, last_test_at, last_test_ok, last_test_message, last_error, created_at, updated_at"

func scanExtensionConfig(row interface{ Scan(...any) error }) (*store.ExtensionConfig, error) {
	var c store.ExtensionConfig
	var config string
	var lastTestAt sql.NullString
	var lastTestOK sql.NullBool
	var createdAt, updatedAt string
	if err := row.Scan(
		&c.AppID,
		&c.Category,
		&config,
		&c.SchemaVersion,
		&c.Enabled,
		&lastTestAt,
		&lastTestOK,
		&c.LastTestMessage,
		&c.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	c.Config = unmarshalMap(config)
	c.LastTestAt = parseTimePtr(lastTestAt)
	if lastTestOK.Valid {
		c.LastTestOK = &lastTestOK.Bool
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (d *DB) UpsertExtensionConfig(ctx context.Context, upsert *store.ExtensionConfig) (*store.ExtensionConfig, error) {
	now := formatTime(time.Now())
	if upsert.SchemaVersion == "" {
		upsert.SchemaVersion = "1.0.0"
	}
	var lastTestOK any
	if upsert.LastTestOK != nil {
		lastTestOK = *upsert.LastTestOK
	}
	stmt := `
		INSERT INTO extension_config (` + extensionConfigFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (app_id) DO UPDATE SET
			category = excluded.category,
			config = excluded.config,
			schema_version = excluded.schema_version,
			enabled = excluded.enabled,
			last_test_at = excluded.last_test_at,
			last_test_ok = excluded.last_test_ok,
			last_test_message = excluded.last_test_message,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		RETURNING ` + extensionConfigFields
	c, err := scanExtensionConfig(d.db.QueryRowContext(ctx, stmt,
		upsert.AppID,
		upsert.Category,
		marshalJSON(upsert.Config),
		upsert.SchemaVersion,
		upsert.Enabled,
		formatTimePtr(upsert.LastTestAt),
		lastTestOK,
		upsert.LastTestMessage,
		upsert.LastError,
		now,
		now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert extension config")
	}
	return c, nil
}

func (d *DB) ListExtensionConfigs(ctx context.Context, find *store.FindExtensionConfig) ([]*store.ExtensionConfig, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.AppID != nil {
		where, args = append(where, "app_id = ?"), append(args, *find.AppID)
	}
	if find.Category != nil {
		where, args = append(where, "category = ?"), append(args, *find.Category)
	}
	if find.Enabled != nil {
		where, args = append(where, "enabled = ?"), append(args, *find.Enabled)
	}

	query := `SELECT ` + extensionConfigFields + ` FROM extension_config WHERE ` + strings.Join(where, " AND ") + ` ORDER BY app_id ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list extension configs")
	}
	defer rows.Close()

	var configs []*store.ExtensionConfig
	for rows.Next() {
		c, err := scanExtensionConfig(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan extension config")
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}
