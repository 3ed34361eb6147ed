package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/questrunner/pkg/types"
)

func TestNullString(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
	}{
		{name: "empty returns invalid", input: "", wantValid: false},
		{name: "text returns valid", input: "boom", wantValid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nullString(tt.input)
			if got.Valid != tt.wantValid {
				t.Errorf("nullString(%q).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			}
			if got.Valid && got.String != tt.input {
				t.Errorf("nullString(%q).String = %q", tt.input, got.String)
			}
		})
	}
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"accounts", true},
		{"quest_1_status", true},
		{"", false},
		{"x'; DROP TABLE accounts; --", false},
		{"a b", false},
	}
	for _, tt := range tests {
		if got := isValidIdentifier(tt.in); got != tt.want {
			t.Errorf("isValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestQuestColumn(t *testing.T) {
	for _, q := range types.AllQuests {
		col, ok := questColumn(q)
		if !ok {
			t.Fatalf("questColumn(%d) not found", q)
		}
		if !isValidIdentifier(col) {
			t.Errorf("questColumn(%d) = %q is not a valid identifier", q, col)
		}
	}
	if _, ok := questColumn(types.QuestID(0)); ok {
		t.Error("expected quest 0 to have no column")
	}
	if _, ok := questColumn(types.QuestID(5)); ok {
		t.Error("expected quest 5 to have no column")
	}
}

// createTestStorage creates a new SQLite storage with a temporary database.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "nested", "quests.sqlite3")
	storage, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := createTestStorage(t)
	if storage.db == nil {
		t.Fatal("expected db to be non-nil")
	}
	if !storage.columnExists("accounts", "updated_at") {
		t.Error("expected updated_at column")
	}
}

func TestNewSQLiteStorage_InvalidPath(t *testing.T) {
	// A regular file cannot act as the parent directory.
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewSQLiteStorage(filepath.Join(file, "quests.sqlite3"))
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestMigrateLegacySchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.sqlite3")

	raw, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	_, err = raw.Exec(`
		CREATE TABLE accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			profile_number INTEGER NOT NULL UNIQUE,
			address TEXT NOT NULL,
			quest_1_status INTEGER NOT NULL DEFAULT 0,
			quest_2_status INTEGER NOT NULL DEFAULT 0,
			quest_3_status INTEGER NOT NULL DEFAULT 0,
			quest_4_status INTEGER NOT NULL DEFAULT 0
		);
		INSERT INTO accounts (profile_number, address, quest_2_status) VALUES (9, '0xabc', 1);
	`)
	if err != nil {
		t.Fatal(err)
	}
	raw.Close()

	storage, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	defer storage.Close()

	st, err := storage.GetByProfile(context.Background(), 9)
	if err != nil {
		t.Fatalf("GetByProfile failed: %v", err)
	}
	if !st.Done(types.QuestSupply) || st.Done(types.QuestStake) {
		t.Errorf("unexpected flags %v", st.Quests)
	}
	if !st.UpdatedAt.IsZero() {
		t.Errorf("expected zero UpdatedAt for legacy row, got %v", st.UpdatedAt)
	}
}

func TestCreateIfAbsent(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	if err := storage.CreateIfAbsent(ctx, 1, "0x01"); err != nil {
		t.Fatalf("CreateIfAbsent failed: %v", err)
	}
	if err := storage.SetQuestDone(ctx, 1, types.QuestSupply); err != nil {
		t.Fatalf("SetQuestDone failed: %v", err)
	}
	// A second insert must not reset flags or address.
	if err := storage.CreateIfAbsent(ctx, 1, "0x02"); err != nil {
		t.Fatalf("CreateIfAbsent failed: %v", err)
	}

	st, err := storage.GetByProfile(ctx, 1)
	if err != nil {
		t.Fatalf("GetByProfile failed: %v", err)
	}
	if st.Address != "0x01" {
		t.Errorf("Address = %q, want 0x01", st.Address)
	}
	if !st.Done(types.QuestSupply) {
		t.Error("expected quest 2 to stay done")
	}
	if st.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}
}

func TestGetByProfile_NotFound(t *testing.T) {
	storage := createTestStorage(t)

	_, err := storage.GetByProfile(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetQuestDone(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	if err := storage.CreateIfAbsent(ctx, 5, "0x05"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		profile int
		quest   types.QuestID
		wantErr error
		anyErr  bool
	}{
		{name: "first quest", profile: 5, quest: types.QuestZeroLiquidity},
		{name: "repeat is idempotent", profile: 5, quest: types.QuestZeroLiquidity},
		{name: "stake", profile: 5, quest: types.QuestStake},
		{name: "missing profile", profile: 6, quest: types.QuestStake, wantErr: ErrNotFound},
		{name: "invalid quest", profile: 5, quest: types.QuestID(7), anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storage.SetQuestDone(ctx, tt.profile, tt.quest)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
			case tt.anyErr:
				if err == nil {
					t.Error("expected error")
				}
			default:
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		})
	}

	st, err := storage.GetByProfile(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	want := [types.QuestCount]bool{true, false, false, true}
	if st.Quests != want {
		t.Errorf("Quests = %v, want %v", st.Quests, want)
	}
}

func TestQuestDone(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	if err := storage.CreateIfAbsent(ctx, 1, "0x01"); err != nil {
		t.Fatal(err)
	}
	if err := storage.SetQuestDone(ctx, 1, types.QuestNileLiquidity); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		profile int
		quest   types.QuestID
		want    bool
	}{
		{"done", 1, types.QuestNileLiquidity, true},
		{"not done", 1, types.QuestSupply, false},
		{"missing row reads false", 99, types.QuestSupply, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := storage.QuestDone(ctx, tt.profile, tt.quest)
			if err != nil {
				t.Fatalf("QuestDone failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("QuestDone = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := storage.QuestDone(ctx, 1, types.QuestID(0)); err == nil {
		t.Error("expected error for invalid quest")
	}
}

func seedProfiles(t *testing.T, storage *SQLiteStorage) {
	t.Helper()
	ctx := context.Background()
	done := map[int][]types.QuestID{
		1: types.AllQuests,
		2: {types.QuestSupply},
		3: types.AllQuests,
		4: nil,
	}
	for profile := 1; profile <= 4; profile++ {
		if err := storage.CreateIfAbsent(ctx, profile, "0x0"+string(rune('0'+profile))); err != nil {
			t.Fatal(err)
		}
		for _, q := range done[profile] {
			if err := storage.SetQuestDone(ctx, profile, q); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestCompletedProfiles(t *testing.T) {
	storage := createTestStorage(t)
	seedProfiles(t, storage)

	got, err := storage.CompletedProfiles(context.Background())
	if err != nil {
		t.Fatalf("CompletedProfiles failed: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("CompletedProfiles = %v, want [1 3]", got)
	}
}

func TestListAccounts(t *testing.T) {
	storage := createTestStorage(t)
	seedProfiles(t, storage)
	ctx := context.Background()

	tests := []struct {
		name         string
		limit        int
		offset       int
		wantProfiles []int
	}{
		{"first page", 2, 0, []int{1, 2}},
		{"second page", 2, 2, []int{3, 4}},
		{"past the end", 2, 10, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := storage.ListAccounts(ctx, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("ListAccounts failed: %v", err)
			}
			if page.Total != 4 {
				t.Errorf("Total = %d, want 4", page.Total)
			}
			if len(page.Accounts) != len(tt.wantProfiles) {
				t.Fatalf("got %d accounts, want %d", len(page.Accounts), len(tt.wantProfiles))
			}
			for i, p := range tt.wantProfiles {
				if page.Accounts[i].ProfileNumber != p {
					t.Errorf("Accounts[%d].ProfileNumber = %d, want %d", i, page.Accounts[i].ProfileNumber, p)
				}
			}
		})
	}
}

func TestSummary(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	empty, err := storage.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary on empty db failed: %v", err)
	}
	if empty.Accounts != 0 || empty.Completed != 0 {
		t.Errorf("unexpected empty summary %+v", empty)
	}

	seedProfiles(t, storage)
	sum, err := storage.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if sum.Accounts != 4 {
		t.Errorf("Accounts = %d, want 4", sum.Accounts)
	}
	if sum.Completed != 2 {
		t.Errorf("Completed = %d, want 2", sum.Completed)
	}
	want := map[types.QuestID]int{
		types.QuestZeroLiquidity: 2,
		types.QuestSupply:        3,
		types.QuestNileLiquidity: 2,
		types.QuestStake:         2,
	}
	for q, n := range want {
		if sum.PerQuest[q] != n {
			t.Errorf("PerQuest[%v] = %d, want %d", q, sum.PerQuest[q], n)
		}
	}
}

func TestRecordAndListRuns(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	runs := []*types.AccountRun{
		{ProfileNumber: 1, StartedAt: base, FinishedAt: base.Add(time.Minute), Outcome: types.OutcomeCompleted, Attempts: 1},
		{ProfileNumber: 2, StartedAt: base.Add(time.Hour), FinishedAt: base.Add(2 * time.Hour), Outcome: types.OutcomeFailed, Attempts: 3, Error: "insufficient funds"},
		{ProfileNumber: 1, StartedAt: base.Add(3 * time.Hour), FinishedAt: base.Add(4 * time.Hour), Outcome: types.OutcomeSkipped, Attempts: 0},
	}
	for _, r := range runs {
		if err := storage.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun failed: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected ID to be assigned")
		}
	}

	all, err := storage.ListRuns(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d runs, want 3", len(all))
	}
	if all[0].ID != runs[2].ID {
		t.Errorf("expected newest run first, got id %d", all[0].ID)
	}
	if all[1].Error != "insufficient funds" || all[1].Outcome != types.OutcomeFailed || all[1].Attempts != 3 {
		t.Errorf("unexpected run %+v", all[1])
	}
	if !all[2].StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", all[2].StartedAt, base)
	}

	mine, err := storage.ListRuns(ctx, 1, 1)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(mine) != 1 || mine[0].ProfileNumber != 1 || mine[0].Outcome != types.OutcomeSkipped {
		t.Errorf("unexpected filtered runs %+v", mine)
	}
}
