package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite/sqlitemigration"
)

// appID marks files created by this tool ("rgph"), so a foreign SQLite
// file is refused instead of migrated.
const appID int32 = 0x72677068

// migrations is append-only. Entries are never edited or removed once
// released; each one only adds structure.
var migrations = []string{
	// 1: core tables.
	`CREATE TABLE IF NOT EXISTS experiments (
		id            TEXT PRIMARY KEY,
		parent_id     TEXT REFERENCES experiments(id),
		status        TEXT NOT NULL DEFAULT 'running',
		finding_count INTEGER NOT NULL DEFAULT 0,
		average_score REAL,
		accuracy      REAL,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS repositories (
		id              INTEGER PRIMARY KEY,
		experiment_id   TEXT NOT NULL REFERENCES experiments(id),
		name            TEXT NOT NULL,
		remote_url      TEXT NOT NULL DEFAULT '',
		kind            TEXT NOT NULL DEFAULT 'infrastructure',
		file_count      INTEGER NOT NULL DEFAULT 0,
		iac_file_count  INTEGER NOT NULL DEFAULT 0,
		code_file_count INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		UNIQUE (experiment_id, name)
	);
	CREATE TABLE IF NOT EXISTS resources (
		id                INTEGER PRIMARY KEY,
		experiment_id     TEXT NOT NULL REFERENCES experiments(id),
		repository_id     INTEGER REFERENCES repositories(id),
		parent_id         INTEGER REFERENCES resources(id),
		name              TEXT NOT NULL,
		type              TEXT NOT NULL,
		provider          TEXT NOT NULL DEFAULT '',
		region            TEXT NOT NULL DEFAULT '',
		source_file       TEXT NOT NULL DEFAULT '',
		source_line_start INTEGER,
		source_line_end   INTEGER,
		status            TEXT NOT NULL DEFAULT 'active',
		first_seen        TEXT NOT NULL,
		last_seen         TEXT NOT NULL,
		UNIQUE (experiment_id, type, name),
		CHECK (parent_id IS NULL OR parent_id <> id)
	);
	CREATE TABLE IF NOT EXISTS resource_properties (
		id                   INTEGER PRIMARY KEY,
		resource_id          INTEGER NOT NULL REFERENCES resources(id),
		property_key         TEXT NOT NULL,
		property_value       TEXT NOT NULL,
		value_type           TEXT NOT NULL DEFAULT 'string',
		category             TEXT NOT NULL DEFAULT 'general',
		is_security_relevant INTEGER NOT NULL DEFAULT 0,
		recorded_at          TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS resource_connections (
		id               INTEGER PRIMARY KEY,
		experiment_id    TEXT NOT NULL REFERENCES experiments(id),
		source_id        INTEGER NOT NULL REFERENCES resources(id),
		target_id        INTEGER NOT NULL REFERENCES resources(id),
		type             TEXT NOT NULL,
		protocol         TEXT NOT NULL DEFAULT '',
		port             INTEGER,
		auth_method      TEXT NOT NULL DEFAULT '',
		cross_repository INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		UNIQUE (experiment_id, source_id, target_id, type)
	);
	CREATE TABLE IF NOT EXISTS findings (
		id             INTEGER PRIMARY KEY,
		experiment_id  TEXT NOT NULL REFERENCES experiments(id),
		resource_id    INTEGER REFERENCES resources(id),
		title          TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		category       TEXT NOT NULL DEFAULT '',
		severity_score INTEGER,
		base_severity  TEXT NOT NULL DEFAULT '',
		overall_score  TEXT NOT NULL DEFAULT '',
		evidence       TEXT NOT NULL DEFAULT '',
		source_file    TEXT NOT NULL DEFAULT '',
		document_path  TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'open',
		created_at     TEXT NOT NULL
	);`,

	// 2: lookup indexes.
	`CREATE INDEX IF NOT EXISTS idx_resources_experiment ON resources(experiment_id);
	CREATE INDEX IF NOT EXISTS idx_resources_parent ON resources(parent_id);
	CREATE INDEX IF NOT EXISTS idx_properties_resource_key ON resource_properties(resource_id, property_key);
	CREATE INDEX IF NOT EXISTS idx_connections_source ON resource_connections(source_id);
	CREATE INDEX IF NOT EXISTS idx_connections_target ON resource_connections(target_id);
	CREATE INDEX IF NOT EXISTS idx_findings_experiment ON findings(experiment_id);
	CREATE INDEX IF NOT EXISTS idx_findings_resource ON findings(resource_id);
	CREATE INDEX IF NOT EXISTS idx_findings_score ON findings(severity_score);`,

	// 3: findings remember which kind of source authored them.
	`ALTER TABLE findings ADD COLUMN source TEXT NOT NULL DEFAULT 'cloud';
	CREATE INDEX IF NOT EXISTS idx_findings_source ON findings(source);`,
}

func (s *Store) migrate(ctx context.Context) error {
	schema := sqlitemigration.Schema{
		AppID:      appID,
		Migrations: migrations,
	}
	if err := sqlitemigration.Migrate(ctx, s.conn, schema); err != nil {
		return fmt.Errorf("failed to migrate store schema: %w", err)
	}
	s.log.Debug("Schema is current.", zap.Int("version", len(migrations)))
	return nil
}
