package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
//
// Version 1 matches the layout of databases created by earlier releases,
// so opening such a file only applies the later versions.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS emails (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id   TEXT NOT NULL,
	from_address TEXT NOT NULL,
	to_address   TEXT NOT NULL,
	subject      TEXT NOT NULL,
	message      TEXT NOT NULL,
	received_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	is_read      BOOLEAN DEFAULT 0,
	label        TEXT DEFAULT 'inbox'
);

CREATE INDEX IF NOT EXISTS idx_from_address ON emails(from_address);
CREATE INDEX IF NOT EXISTS idx_message_id ON emails(message_id);
CREATE INDEX IF NOT EXISTS idx_to_address ON emails(to_address);
CREATE INDEX IF NOT EXISTS idx_label ON emails(label);
CREATE INDEX IF NOT EXISTS idx_received_at ON emails(received_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		// Provider ids become unique: keep the first ingested copy of
		// every duplicate, then enforce uniqueness for future upserts.
		version: 2,
		sql: `
DELETE FROM emails
WHERE id NOT IN (SELECT MIN(id) FROM emails GROUP BY message_id);

DROP INDEX IF EXISTS idx_message_id;
CREATE UNIQUE INDEX IF NOT EXISTS idx_message_id ON emails(message_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS rule_runs (
	id              TEXT PRIMARY KEY,
	started_at      DATETIME NOT NULL,
	finished_at     DATETIME NOT NULL,
	messages        INTEGER NOT NULL DEFAULT 0,
	matches         INTEGER NOT NULL DEFAULT 0,
	actions_applied INTEGER NOT NULL DEFAULT 0,
	failures        INTEGER NOT NULL DEFAULT 0,
	dry_run         INTEGER NOT NULL DEFAULT 0 CHECK(dry_run IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_rule_runs_started ON rule_runs(started_at);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
