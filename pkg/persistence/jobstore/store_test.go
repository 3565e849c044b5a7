package jobstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jobwire/pkg/jobs"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stores(t *testing.T) map[string]AttemptStore {
	return map[string]AttemptStore{
		"sqlite": newSQLite(t),
		"memory": NewInMemoryStore(0),
	}
}

func TestUpsertKeepsSubmissionAndFillsOutcome(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Upsert(ctx, AttemptRecord{SessionID: "s1", Kind: "project", Attempt: 1, Status: "pending", SubmittedAtMs: 1000}))
			require.NoError(t, s.Upsert(ctx, AttemptRecord{SessionID: "s1", Kind: "project", Attempt: 1, Status: "succeeded", SubmittedAtMs: 5000, SettledAtMs: 2000, ResultRef: "p1"}))

			got, ok, err := s.Get(ctx, "s1", "project", 1)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, AttemptRecord{
				SessionID: "s1", Kind: "project", Attempt: 1, Status: "succeeded",
				SubmittedAtMs: 1000, SettledAtMs: 2000, ResultRef: "p1",
			}, got)

			_, ok, err = s.Get(ctx, "s1", "project", 2)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestUpsertRejectsIncompleteRecords(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.Error(t, s.Upsert(context.Background(), AttemptRecord{Kind: "project"}))
			require.Error(t, s.Upsert(context.Background(), AttemptRecord{Attempt: 1}))
		})
	}
}

func TestListNewestFirstAndFilteredByKind(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, r := range []AttemptRecord{
				{Kind: "project", Attempt: 1, Status: "timed_out", SubmittedAtMs: 100},
				{Kind: "hypothesis", Attempt: 1, Status: "succeeded", SubmittedAtMs: 200},
				{Kind: "project", Attempt: 2, Status: "succeeded", SubmittedAtMs: 300},
			} {
				r.SessionID = "s1"
				require.NoError(t, s.Upsert(ctx, r), "record %d", i)
			}

			all, err := s.List(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			require.Equal(t, int64(300), all[0].SubmittedAtMs)
			require.Equal(t, int64(100), all[2].SubmittedAtMs)

			projects, err := s.List(ctx, "project", 1)
			require.NoError(t, err)
			require.Len(t, projects, 1)
			require.Equal(t, uint64(2), projects[0].Attempt)
		})
	}
}

func TestInMemoryStoreEvictsOldest(t *testing.T) {
	s := NewInMemoryStore(2)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Upsert(ctx, AttemptRecord{Kind: "project", Attempt: uint64(i), Status: "pending", SubmittedAtMs: int64(i)}))
	}
	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, uint64(3), all[0].Attempt)
	require.Equal(t, uint64(2), all[1].Attempt)
}

func TestObserverJournalsTransitions(t *testing.T) {
	s := NewInMemoryStore(0)
	observe := Observer(s, "sess")
	submitted := time.UnixMilli(1_000)
	settled := time.UnixMilli(4_000)

	observe(jobs.State{Kind: "project", Status: jobs.StatusPending, Attempt: 1, SubmittedAt: submitted, Loading: true})
	observe(jobs.State{Kind: "project", Status: jobs.StatusTimedOut, Attempt: 1, SubmittedAt: submitted, SettledAt: settled, ErrorMessage: jobs.ProjectTimeoutMessage})
	observe(jobs.State{Kind: "project", Status: jobs.StatusIdle, Attempt: 1})

	got, ok, err := s.Get(context.Background(), "sess", "project", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "timed_out", got.Status)
	require.Equal(t, int64(1_000), got.SubmittedAtMs)
	require.Equal(t, int64(4_000), got.SettledAtMs)
	require.Equal(t, jobs.ProjectTimeoutMessage, got.Error)
}
