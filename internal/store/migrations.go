package store

// migrations are applied in order; each entry records its version in
// schema_version inside the same script so partial application is visible.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT 'general',
	priority TEXT NOT NULL DEFAULT 'medium',
	status TEXT NOT NULL DEFAULT 'pending',
	due_at TIMESTAMP,
	snooze_until TIMESTAMP,
	recurrence_rule TEXT NOT NULL DEFAULT '',
	recur_parent_id TEXT REFERENCES tasks(id) ON DELETE SET NULL,
	mesh_notify INTEGER NOT NULL DEFAULT 0,
	last_notified_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_due_at ON tasks(due_at);
CREATE INDEX IF NOT EXISTS idx_tasks_snooze ON tasks(status, snooze_until);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(recur_parent_id);

CREATE TABLE IF NOT EXISTS notification_prefs (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	min_priority TEXT NOT NULL DEFAULT 'low',
	categories TEXT,          -- JSON array; NULL matches all
	quiet_start TEXT,         -- "HH:MM", local
	quiet_end TEXT,
	config TEXT NOT NULL DEFAULT '{}',  -- JSON object, channel-specific
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_messages (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL,
	destination TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	claimed_at TIMESTAMP,
	alert_log_id TEXT,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_due ON queue_messages(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_queue_dest ON queue_messages(destination, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_event ON queue_messages(event_id);

CREATE TABLE IF NOT EXISTS alert_log (
	id TEXT PRIMARY KEY,
	task_id TEXT,
	channel TEXT NOT NULL,
	message TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT 'pending',
	reason TEXT,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_alert_log_created ON alert_log(created_at);
CREATE INDEX IF NOT EXISTS idx_alert_log_task ON alert_log(task_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
