package storage

import (
	"context"
	"time"

	"github.com/steveyegge/bountyd/internal/storage/sqlite"
	"github.com/steveyegge/bountyd/internal/types"
)

// ErrLeaseHeld is returned when another live run holds the run lease
var ErrLeaseHeld = types.ErrLeaseHeld

// Storage defines the interface for bountyd storage backends
type Storage interface {
	// Issues
	GetIssue(ctx context.Context, id string) (*types.IssueRecord, error)
	SaveIssue(ctx context.Context, issue *types.IssueRecord) error
	MutateIssue(ctx context.Context, id string, fn func(existing *types.IssueRecord) (*types.IssueRecord, error)) (*types.IssueRecord, error)
	ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.IssueRecord, error)
	CountIssues(ctx context.Context, filter types.IssueFilter) (int, error)
	IssueProjectIDs(ctx context.Context) ([]string, error)
	SyncProjectFields(ctx context.Context, project *types.ProjectRecord) (int, error)

	// Projects
	GetProject(ctx context.Context, id string) (*types.ProjectRecord, error)
	EnsureProjects(ctx context.Context, ids []string) (int, error)
	SaveProjectMetadata(ctx context.Context, md types.RepoMetadata, fetchedAt time.Time) error
	ProjectsMissingMetadata(ctx context.Context, limit int) ([]string, error)
	SaveProjectTotals(ctx context.Context, projectID string, t types.ProjectTotals) error
	UpdateProjectTotals(ctx context.Context, projectID string, compute func(issues []*types.IssueRecord) types.ProjectTotals) (types.ProjectTotals, error)
	ListProjects(ctx context.Context, filter types.ProjectFilter) ([]*types.ProjectRecord, error)

	// Staging
	PutStaged(ctx context.Context, ev types.StagingEvent, merge types.EventMerger) error
	ListStaged(ctx context.Context, kind types.EventKind, afterKey string, limit int) ([]*types.StagedEvent, error)
	ListAllStaged(ctx context.Context, kind types.EventKind) ([]*types.StagedEvent, error)
	MarkStagedMerged(ctx context.Context, kind types.EventKind, key, payload string) error
	MarkStagedFailed(ctx context.Context, kind types.EventKind, key, reason string) (int, error)
	PurgeStaged(ctx context.Context, kind types.EventKind, keys []string, force bool) (int, error)
	PurgeMergedStaged(ctx context.Context, kind types.EventKind) (int, error)
	PurgeExhaustedStaged(ctx context.Context, maxAttempts int) ([]*types.StagedEvent, error)
	CountStaged(ctx context.Context, kind types.EventKind) (pending, total int, err error)

	// Summaries
	SaveSummary(ctx context.Context, rec *types.SummaryRecord) (bool, error)
	GetSummary(ctx context.Context, id string) (*types.SummaryRecord, error)
	DeleteSummary(ctx context.Context, id string) error
	IssuesMissingSummary(ctx context.Context, limit int) ([]*types.IssueRecord, error)
	ProjectsMissingSummary(ctx context.Context, limit int) ([]*types.ProjectRecord, error)
	ListUnindexedSummaries(ctx context.Context, limit int) ([]*types.SummaryRecord, error)
	MarkSummaryIndexed(ctx context.Context, id string) error
	SearchSummariesByKeywords(ctx context.Context, tags []string, limit int) ([]*types.SummaryRecord, error)
	CountSummaries(ctx context.Context) (total, indexed int, err error)

	// Notification ledger
	HasNotification(ctx context.Context, issueID string, kind types.NotificationKind) (bool, error)
	RecordNotification(ctx context.Context, issueID string, kind types.NotificationKind, sentAt time.Time) (bool, error)
	ListNotifications(ctx context.Context, issueID string) ([]types.NotificationEntry, error)

	// Run state and pagination checkpoints
	GetRunState(ctx context.Context) (types.RunState, error)
	SaveRunState(ctx context.Context, state types.RunState) error
	GetCursor(ctx context.Context, w types.Window, kind types.EventKind) (*types.CursorCheckpoint, error)
	SaveCursor(ctx context.Context, cp types.CursorCheckpoint) error
	DeleteCursorsThrough(ctx context.Context, end time.Time) (int, error)

	LeaseStore

	// Statistics
	GetStatistics(ctx context.Context) (*types.Statistics, error)

	// Config
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// LeaseStore is the subset of storage the run lease needs
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder, runID string, ttl time.Duration) (*types.Lease, bool, error)
	TakeOverLease(ctx context.Context, name, staleRunID, holder, runID string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, runID string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, name, runID string) error
	GetLease(ctx context.Context, name string) (*types.Lease, error)
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: ".bountyd/bountyd.db"
	Path string
}

// DefaultPath is where the database lives when no path is configured
const DefaultPath = ".bountyd/bountyd.db"

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: DefaultPath,
	}
}

// NewStorage creates a new SQLite storage backend
func NewStorage(ctx context.Context, cfg *Config) (*sqlite.SQLiteStorage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	return sqlite.New(cfg.Path)
}

var _ Storage = (*sqlite.SQLiteStorage)(nil)
