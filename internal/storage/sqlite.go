package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/questrunner/pkg/types"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the status API and MCP server read while workers write
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db, now: time.Now}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_number INTEGER NOT NULL UNIQUE,
		address TEXT NOT NULL,
		quest_1_status INTEGER NOT NULL DEFAULT 0,
		quest_2_status INTEGER NOT NULL DEFAULT 0,
		quest_3_status INTEGER NOT NULL DEFAULT 0,
		quest_4_status INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS account_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_number INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		outcome TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_account_runs_profile ON account_runs(profile_number, started_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Databases created by older releases lack updated_at.
	if !s.columnExists("accounts", "updated_at") {
		if _, err := s.db.Exec("ALTER TABLE accounts ADD COLUMN updated_at DATETIME"); err != nil {
			return fmt.Errorf("add updated_at: %w", err)
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Note: table and column names are validated to prevent SQL injection.
// SQLite identifiers only allow alphanumeric chars and underscore.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateIfAbsent inserts a row for profile unless one exists. An existing
// row keeps its flags and address.
func (s *SQLiteStorage) CreateIfAbsent(ctx context.Context, profile int, address string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (profile_number, address, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(profile_number) DO NOTHING
	`, profile, address, s.now().UTC())
	return err
}

const accountColumns = `profile_number, address,
	quest_1_status, quest_2_status, quest_3_status, quest_4_status,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*types.AccountStatus, error) {
	var (
		st        types.AccountStatus
		updatedAt sql.NullTime
	)
	err := row.Scan(&st.ProfileNumber, &st.Address,
		&st.Quests[0], &st.Quests[1], &st.Quests[2], &st.Quests[3],
		&updatedAt)
	if err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		st.UpdatedAt = updatedAt.Time
	}
	return &st, nil
}

// GetByProfile returns the row for profile or ErrNotFound.
func (s *SQLiteStorage) GetByProfile(ctx context.Context, profile int) (*types.AccountStatus, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE profile_number = ?", profile)
	st, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %d: %w", profile, ErrNotFound)
	}
	return st, err
}

// SetQuestDone marks quest complete for profile. Flags never go back to false.
func (s *SQLiteStorage) SetQuestDone(ctx context.Context, profile int, quest types.QuestID) error {
	col, ok := questColumn(quest)
	if !ok {
		return fmt.Errorf("unknown quest %d", int(quest))
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET "+col+" = 1, updated_at = ? WHERE profile_number = ?",
		s.now().UTC(), profile)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("profile %d: %w", profile, ErrNotFound)
	}
	return nil
}

// QuestDone reports whether quest is complete for profile. A missing row
// reads as not done.
func (s *SQLiteStorage) QuestDone(ctx context.Context, profile int, quest types.QuestID) (bool, error) {
	col, ok := questColumn(quest)
	if !ok {
		return false, fmt.Errorf("unknown quest %d", int(quest))
	}
	var done bool
	err := s.db.QueryRowContext(ctx, "SELECT "+col+" FROM accounts WHERE profile_number = ?", profile).Scan(&done)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return done, err
}

// CompletedProfiles returns profiles with every quest flag set.
func (s *SQLiteStorage) CompletedProfiles(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_number FROM accounts
		WHERE quest_1_status = 1 AND quest_2_status = 1 AND quest_3_status = 1 AND quest_4_status = 1
		ORDER BY profile_number
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// ListAccounts returns a page of rows ordered by profile number.
func (s *SQLiteStorage) ListAccounts(ctx context.Context, limit, offset int) (*PaginatedAccounts, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts ORDER BY profile_number LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []types.AccountStatus{}
	for rows.Next() {
		st, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedAccounts{
		Accounts: accounts,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	}, nil
}

// Summary counts profiles and completed quests.
func (s *SQLiteStorage) Summary(ctx context.Context) (*types.QuestSummary, error) {
	var (
		sum            types.QuestSummary
		q1, q2, q3, q4 sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			SUM(quest_1_status), SUM(quest_2_status), SUM(quest_3_status), SUM(quest_4_status),
			COALESCE(SUM(quest_1_status AND quest_2_status AND quest_3_status AND quest_4_status), 0)
		FROM accounts
	`).Scan(&sum.Accounts, &q1, &q2, &q3, &q4, &sum.Completed)
	if err != nil {
		return nil, err
	}
	sum.PerQuest = map[types.QuestID]int{
		types.QuestZeroLiquidity: int(q1.Int64),
		types.QuestSupply:        int(q2.Int64),
		types.QuestNileLiquidity: int(q3.Int64),
		types.QuestStake:         int(q4.Int64),
	}
	return &sum, nil
}

// RecordRun appends a run history entry and sets run.ID.
func (s *SQLiteStorage) RecordRun(ctx context.Context, run *types.AccountRun) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO account_runs (profile_number, started_at, finished_at, outcome, attempts, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ProfileNumber, run.StartedAt.UTC(), run.FinishedAt.UTC(), string(run.Outcome), run.Attempts, nullString(run.Error))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

// ListRuns returns the most recent runs, newest first. A zero profile lists
// every profile.
func (s *SQLiteStorage) ListRuns(ctx context.Context, profile int, limit int) ([]types.AccountRun, error) {
	query := `SELECT id, profile_number, started_at, finished_at, outcome, attempts, error_message FROM account_runs`
	args := []any{}
	if profile != 0 {
		query += " WHERE profile_number = ?"
		args = append(args, profile)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []types.AccountRun{}
	for rows.Next() {
		var (
			r       types.AccountRun
			outcome string
			errMsg  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ProfileNumber, &r.StartedAt, &r.FinishedAt, &outcome, &r.Attempts, &errMsg); err != nil {
			return nil, err
		}
		r.Outcome = types.RunOutcome(outcome)
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// nullString converts empty strings to NULL.
func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
