package sqlite

import (
	"context"

	"github.com/pkg/errors"
)

// schema is idempotent: every statement is IF NOT EXISTS, so Migrate can run
// on every boot.
const schema = `
CREATE TABLE IF NOT EXISTS guest (
	id TEXT PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	phone TEXT,
	email TEXT,
	vip_tier TEXT NOT NULL DEFAULT '',
	loyalty_tier TEXT NOT NULL DEFAULT '',
	external_ids TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_guest_phone ON guest (phone) WHERE phone IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_guest_email ON guest (email) WHERE email IS NOT NULL;

CREATE TABLE IF NOT EXISTS reservation (
	id TEXT PRIMARY KEY,
	guest_id TEXT NOT NULL REFERENCES guest (id),
	confirmation_number TEXT NOT NULL,
	room_number TEXT NOT NULL DEFAULT '',
	room_type TEXT NOT NULL DEFAULT '',
	arrival_date TEXT NOT NULL,
	departure_date TEXT NOT NULL,
	status TEXT NOT NULL,
	adults INTEGER NOT NULL DEFAULT 1,
	children INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK (departure_date >= arrival_date)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_reservation_confirmation ON reservation (confirmation_number);
CREATE INDEX IF NOT EXISTS idx_reservation_guest ON reservation (guest_id);

CREATE TABLE IF NOT EXISTS conversation (
	id TEXT PRIMARY KEY,
	channel_type TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	guest_id TEXT REFERENCES guest (id),
	reservation_id TEXT REFERENCES reservation (id),
	state TEXT NOT NULL DEFAULT 'new',
	priority TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_channel ON conversation (channel_type, channel_id);
CREATE INDEX IF NOT EXISTS idx_conversation_state ON conversation (state);

CREATE TABLE IF NOT EXISTS message (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversation (id),
	direction TEXT NOT NULL,
	sender_type TEXT NOT NULL,
	content TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT 'text/plain',
	confidence REAL,
	intent TEXT NOT NULL DEFAULT '',
	entities TEXT NOT NULL DEFAULT '{}',
	metadata TEXT NOT NULL DEFAULT '{}',
	delivery_status TEXT NOT NULL DEFAULT 'pending',
	channel_message_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_conversation ON message (conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_message_channel_id ON message (channel_message_id);

CREATE TABLE IF NOT EXISTS task (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority TEXT NOT NULL DEFAULT 'standard',
	department TEXT NOT NULL DEFAULT '',
	conversation_id TEXT,
	guest_id TEXT,
	assignee_id TEXT NOT NULL DEFAULT '',
	due_at TEXT,
	started_at TEXT,
	completed_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_status ON task (status);

CREATE TABLE IF NOT EXISTS automation_rule (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	trigger TEXT NOT NULL,
	actions TEXT NOT NULL DEFAULT '[]',
	enabled INTEGER NOT NULL DEFAULT 1,
	run_count INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_run_at TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	retry TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_execution (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL REFERENCES automation_rule (id),
	status TEXT NOT NULL DEFAULT 'pending',
	attempt_number INTEGER NOT NULL DEFAULT 1,
	trigger_data TEXT NOT NULL DEFAULT '{}',
	next_retry_at TEXT,
	action_results TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	triggered_at TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_execution_retry ON automation_execution (status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_execution_rule ON automation_execution (rule_id);

CREATE TABLE IF NOT EXISTS extension_config (
	app_id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '{}',
	schema_version TEXT NOT NULL DEFAULT '1.0.0',
	enabled INTEGER NOT NULL DEFAULT 0,
	last_test_at TEXT,
	last_test_ok INTEGER,
	last_test_message TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	actor_type TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '{}',
	client_ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS knowledge_entry (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	embedding TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS approval (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'queued',
	requested_by TEXT NOT NULL DEFAULT '',
	decided_by TEXT NOT NULL DEFAULT '',
	decided_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_status ON approval (status);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}
