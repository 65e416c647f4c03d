package sqlite

import "github.com/steveyegge/bountyd/internal/storage/migrations"

const schemaV1 = `
-- Master issue records, keyed by tracker URL
CREATE TABLE IF NOT EXISTS issues (
    issue_id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    creator TEXT NOT NULL DEFAULT '',
    main_language TEXT NOT NULL DEFAULT '',
    repo_stars INTEGER NOT NULL DEFAULT 0,
    budget_guess INTEGER NOT NULL DEFAULT 0,
    budget INTEGER CHECK(budget IS NULL OR budget >= 0),
    assignees TEXT,
    linked_pr TEXT,
    tracker_status TEXT,
    review_status TEXT NOT NULL DEFAULT 'queue' CHECK(review_status IN ('queue', 'approve', 'decline')),
    budget_approved INTEGER NOT NULL DEFAULT 0,
    date_assigned TEXT,
    date_approved TEXT,
    date_declined TEXT,
    date_budget_approved TEXT,
    last_comment_at TEXT,
    last_comment_author TEXT NOT NULL DEFAULT '',
    last_comment_body TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    CHECK(budget_approved = 0 OR (budget IS NOT NULL AND review_status = 'approve'))
);

CREATE INDEX IF NOT EXISTS idx_issues_project ON issues(project_id);
CREATE INDEX IF NOT EXISTS idx_issues_review_status ON issues(review_status);
CREATE INDEX IF NOT EXISTS idx_issues_date_approved ON issues(date_approved);

-- Master project records, keyed by repository URL
CREATE TABLE IF NOT EXISTS projects (
    project_id TEXT PRIMARY KEY,
    logo TEXT NOT NULL DEFAULT '',
    main_language TEXT NOT NULL DEFAULT '',
    repo_stars INTEGER NOT NULL DEFAULT 0,
    description TEXT NOT NULL DEFAULT '',
    readme TEXT NOT NULL DEFAULT '',
    issues_list TEXT NOT NULL DEFAULT '[]',
    participants_list TEXT NOT NULL DEFAULT '[]',
    total_budget_allocated INTEGER NOT NULL DEFAULT 0,
    total_budget_used INTEGER NOT NULL DEFAULT 0,
    issue_count INTEGER NOT NULL DEFAULT 0,
    queued_count INTEGER NOT NULL DEFAULT 0,
    approved_count INTEGER NOT NULL DEFAULT 0,
    declined_count INTEGER NOT NULL DEFAULT 0,
    metadata_fetched_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Raw staged events awaiting merge. merged_at is cleared whenever a put changes the payload.
CREATE TABLE IF NOT EXISTS staging_events (
    kind TEXT NOT NULL CHECK(kind IN ('open', 'assign_comment', 'closed', 'pull_request')),
    key TEXT NOT NULL,
    payload TEXT NOT NULL,
    staged_at TEXT NOT NULL,
    merged_at TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (kind, key)
);

CREATE INDEX IF NOT EXISTS idx_staging_merged ON staging_events(kind, merged_at);

-- Enrichment output
CREATE TABLE IF NOT EXISTS summaries (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK(kind IN ('issue', 'project')),
    summary TEXT NOT NULL DEFAULT '',
    keyword_tags TEXT NOT NULL DEFAULT '[]',
    indexed INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    indexed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_summaries_pending ON summaries(indexed, id);

-- Notification ledger: one row per (issue, kind) ever posted
CREATE TABLE IF NOT EXISTS notifications (
    issue_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    sent_at TEXT NOT NULL,
    PRIMARY KEY (issue_id, kind)
);

-- Ingestion progress
CREATE TABLE IF NOT EXISTS run_state (
    id INTEGER PRIMARY KEY CHECK(id = 1),
    boundary TEXT,
    pending_end TEXT,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cursor_checkpoints (
    window_start TEXT NOT NULL,
    window_end TEXT NOT NULL,
    kind TEXT NOT NULL,
    cursor TEXT NOT NULL DEFAULT '',
    pages INTEGER NOT NULL DEFAULT 0,
    done INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (window_start, window_end, kind)
);

-- Cross-process run guard
CREATE TABLE IF NOT EXISTS run_lease (
    name TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    run_id TEXT NOT NULL,
    acquired_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const vectorsV1_1 = `
CREATE TABLE IF NOT EXISTS vector_collections (
    name TEXT PRIMARY KEY,
    dimensions INTEGER NOT NULL CHECK(dimensions > 0),
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vectors (
    collection TEXT NOT NULL REFERENCES vector_collections(name) ON DELETE CASCADE,
    id TEXT NOT NULL,
    vector BLOB NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    updated_at TEXT NOT NULL,
    PRIMARY KEY (collection, id)
);
`

func newMigrations() *migrations.Manager {
	m := migrations.NewManager()
	m.Register(migrations.Migration{
		Version:     "v1.0.0",
		Description: "master records, staging, summaries, ledger, run state",
		Up:          schemaV1,
		Down: `
			DROP TABLE IF EXISTS config;
			DROP TABLE IF EXISTS run_lease;
			DROP TABLE IF EXISTS cursor_checkpoints;
			DROP TABLE IF EXISTS run_state;
			DROP TABLE IF EXISTS notifications;
			DROP TABLE IF EXISTS summaries;
			DROP TABLE IF EXISTS staging_events;
			DROP TABLE IF EXISTS projects;
			DROP TABLE IF EXISTS issues;
		`,
	})
	m.Register(migrations.Migration{
		Version:     "v1.1.0",
		Description: "local vector store",
		Up:          vectorsV1_1,
		Down: `
			DROP TABLE IF EXISTS vectors;
			DROP TABLE IF EXISTS vector_collections;
		`,
	})
	m.Register(migrations.Migration{
		Version:     "v1.2.0",
		Description: "cursor failure counts",
		Up:          `ALTER TABLE cursor_checkpoints ADD COLUMN failures INTEGER NOT NULL DEFAULT 0;`,
		Down:        `ALTER TABLE cursor_checkpoints DROP COLUMN failures;`,
	})
	return m
}
