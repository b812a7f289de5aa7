package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wattwise/metergrid-core/internal/infrastructure/database"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "meta.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := NewSQLiteRepository(db)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	// Schema setup must be idempotent for post-recovery re-runs.
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() second call error = %v", err)
	}

	return repo
}

func TestRecordAndList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []*Entry{
		{Action: ActionLogin, Username: "alice", CreatedAt: base},
		{Action: ActionControl, Username: "alice", MeterID: "ESP_01",
			Details: map[string]any{"command": "ON"}, CreatedAt: base.Add(time.Minute)},
		{Action: ActionLogin, Username: "bob", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := repo.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s) error = %v", e.Action, err)
		}
		if e.ID == "" {
			t.Error("Record() did not assign an ID")
		}
	}

	res, err := repo.List(ctx, Filter{Username: "alice"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 2 || len(res.Entries) != 2 {
		t.Fatalf("List() total = %d, len = %d, want 2 and 2", res.Total, len(res.Entries))
	}
	// Most recent first.
	if res.Entries[0].Action != ActionControl {
		t.Errorf("List()[0].Action = %q, want %q", res.Entries[0].Action, ActionControl)
	}
	if got := res.Entries[0].Details["command"]; got != "ON" {
		t.Errorf("List()[0].Details[command] = %v, want ON", got)
	}
}

func TestListFilters(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for i, action := range []string{ActionLogin, ActionControl, ActionControl, ActionRename} {
		e := &Entry{
			Action:    action,
			Username:  "alice",
			CreatedAt: time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC),
		}
		if action != ActionLogin {
			e.MeterID = "ESP_01"
		}
		if err := repo.Record(ctx, e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by action", Filter{Username: "alice", Action: ActionControl}, 2},
		{"by meter", Filter{Username: "alice", MeterID: "ESP_01"}, 3},
		{"action and meter", Filter{Username: "alice", Action: ActionRename, MeterID: "ESP_01"}, 1},
		{"other user empty", Filter{Username: "bob"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.want {
				t.Errorf("List() total = %d, want %d", res.Total, tt.want)
			}
		})
	}

	t.Run("missing username rejected", func(t *testing.T) {
		if _, err := repo.List(ctx, Filter{}); err == nil {
			t.Error("List() without username did not error")
		}
	})
}

func TestListPagination(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := repo.Record(ctx, &Entry{
			Action:    ActionLogin,
			Username:  "alice",
			CreatedAt: time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	res, err := repo.List(ctx, Filter{Username: "alice", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 5 {
		t.Errorf("List() total = %d, want 5", res.Total)
	}
	if len(res.Entries) != 2 {
		t.Errorf("List() len = %d, want 2", len(res.Entries))
	}
	// Offset 2 of 5 descending entries lands on minute 2.
	if got := res.Entries[0].CreatedAt.Minute(); got != 2 {
		t.Errorf("List()[0] minute = %d, want 2", got)
	}
}
