package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/questrunner/pkg/types"
)

// ErrNotFound is returned when a profile has no row.
var ErrNotFound = errors.New("not found")

// Storage defines the persistence interface for quest progress.
type Storage interface {
	// Per-profile quest flags
	CreateIfAbsent(ctx context.Context, profile int, address string) error
	GetByProfile(ctx context.Context, profile int) (*types.AccountStatus, error)
	SetQuestDone(ctx context.Context, profile int, quest types.QuestID) error
	QuestDone(ctx context.Context, profile int, quest types.QuestID) (bool, error)
	CompletedProfiles(ctx context.Context) ([]int, error)

	// Reporting
	ListAccounts(ctx context.Context, limit, offset int) (*PaginatedAccounts, error)
	Summary(ctx context.Context) (*types.QuestSummary, error)

	// Run history
	RecordRun(ctx context.Context, run *types.AccountRun) error
	ListRuns(ctx context.Context, profile int, limit int) ([]types.AccountRun, error)

	// Lifecycle
	Close() error
}
