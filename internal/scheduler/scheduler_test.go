package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/db"
)

func TestNextCleanupTime(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name    string
		cleanup string
		now     time.Time
		want    time.Time
	}{
		{"later today", "04:30", time.Date(2024, 5, 1, 1, 0, 0, 0, loc), time.Date(2024, 5, 1, 4, 30, 0, 0, loc)},
		{"already passed", "04:30", time.Date(2024, 5, 1, 5, 0, 0, 0, loc), time.Date(2024, 5, 2, 4, 30, 0, 0, loc)},
		{"exactly now", "04:30", time.Date(2024, 5, 1, 4, 30, 0, 0, loc), time.Date(2024, 5, 2, 4, 30, 0, 0, loc)},
		{"malformed", "soon", time.Date(2024, 5, 1, 1, 0, 0, 0, loc), time.Date(2024, 5, 1, 4, 0, 0, 0, loc)},
		{"out of range", "25:00", time.Date(2024, 5, 1, 1, 0, 0, 0, loc), time.Date(2024, 5, 1, 4, 0, 0, 0, loc)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Database.CleanupTime = tt.cleanup
			s := NewScheduler(cfg, nil)

			if got := s.nextCleanupTime(tt.now); !got.Equal(tt.want) {
				t.Errorf("nextCleanupTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPruneSessions(t *testing.T) {
	store, err := db.NewSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	for id, left := range map[string]time.Time{
		"old":    now.AddDate(0, 0, -8),
		"recent": now.AddDate(0, 0, -2),
	} {
		err := store.Insert(ctx, db.Session{ID: id, Username: "Alex", JoinedAt: left.Add(-time.Hour), LeftAt: left, Reason: "disconnected"})
		if err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.Database.RetentionDays = 7
	s := NewScheduler(cfg, store)
	s.now = func() time.Time { return now }

	n, err := s.PruneSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("PruneSessions() = %d, want 1", n)
	}

	left, err := store.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].ID != "recent" {
		t.Errorf("remaining sessions = %+v", left)
	}
}
