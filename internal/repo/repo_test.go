package repo_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow/internal/db"
	"jobflow/internal/domain"
	"jobflow/internal/migrate"
	"jobflow/internal/repo"
)

const now = "2024-05-10T09:00:00Z"

func setup(t *testing.T) (*sql.DB, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "jobflow.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn, repo.Repo{DB: conn}
}

func importRules(t *testing.T, conn *sql.DB, r repo.Repo, rs repo.RuleSet) repo.ImportStats {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	stats, err := r.ImportRulesTx(ctx, tx, rs, now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return stats
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, _ := setup(t)
	v1, err := migrate.Apply(context.Background(), conn)
	require.NoError(t, err)
	v2, err := migrate.Apply(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 2, v2)
}

func TestImportRulesDeactivatesOmittedEntries(t *testing.T) {
	conn, r := setup(t)
	ctx := context.Background()

	importRules(t, conn, r, repo.RuleSet{
		Statuses: []domain.Status{
			{Key: "A", Label: "A", SortOrder: 1, Active: true},
			{Key: "B", Label: "B", SortOrder: 2, Active: true},
		},
		Transitions: []domain.Transition{
			{FromStatus: "A", ToStatus: "B", AllowedRoles: []string{"ADMIN"}, Active: true},
			{FromStatus: domain.WildcardStatus, ToStatus: "A", AllowedRoles: []string{"ADMIN"}, RequiresNote: true, Active: true},
		},
		Criteria: []domain.Criterion{{Key: "q", MaxScore: 5, Weight: 1, Active: true}},
	})

	stats := importRules(t, conn, r, repo.RuleSet{
		Statuses:    []domain.Status{{Key: "A", Label: "Renamed", SortOrder: 1, Active: true}},
		Transitions: []domain.Transition{{FromStatus: domain.WildcardStatus, ToStatus: "A", AllowedRoles: []string{"ADMIN", "COORDINATOR"}, Active: true}},
	})
	assert.Equal(t, 1, stats.DeactivatedStatuses)
	assert.Equal(t, 1, stats.DeactivatedTransitions)
	assert.Equal(t, 1, stats.DeactivatedCriteria)

	rs, err := r.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rs.Statuses, 2)
	byKey := map[string]domain.Status{}
	for _, s := range rs.Statuses {
		byKey[s.Key] = s
	}
	assert.Equal(t, "Renamed", byKey["A"].Label)
	assert.True(t, byKey["A"].Active)
	assert.False(t, byKey["B"].Active)

	for _, tr := range rs.Transitions {
		if tr.FromStatus == domain.WildcardStatus {
			assert.True(t, tr.Active)
			assert.False(t, tr.RequiresNote)
			assert.Equal(t, []string{"ADMIN", "COORDINATOR"}, tr.AllowedRoles)
		} else {
			assert.False(t, tr.Active)
		}
	}
}

func TestUpdateJobStatusIsConditionalOnVersion(t *testing.T) {
	conn, r := setup(t)
	ctx := context.Background()
	importRules(t, conn, r, repo.RuleSet{Statuses: []domain.Status{
		{Key: "A", Label: "A", Active: true},
		{Key: "B", Label: "B", Active: true},
	}})

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.InsertJobTx(ctx, tx, domain.Job{ID: "j1", Code: "C-1", StatusKey: "A", Version: 1, CreatedAt: now, UpdatedAt: now}))
	v, err := r.UpdateJobStatusTx(ctx, tx, "j1", 1, "B", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	_, err = r.UpdateJobStatusTx(ctx, tx, "j1", 1, "A", now)
	assert.ErrorIs(t, err, repo.ErrStaleVersion)
	require.NoError(t, tx.Commit())

	job, err := r.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "B", job.StatusKey)
	assert.Equal(t, int64(2), job.Version)
	assert.Nil(t, job.CompletedAt)

	done := now
	assert.ErrorIs(t, r.SetCompletedAt(ctx, "j1", 1, &done, now), repo.ErrStaleVersion)
	job, err = r.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, job.CompletedAt)

	require.NoError(t, r.SetCompletedAt(ctx, "j1", 2, &done, now))
	job, err = r.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, int64(2), job.Version)
	assert.ErrorIs(t, r.SetCompletedAt(ctx, "missing", 1, nil, now), repo.ErrNotFound)

	_, err = r.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRecomputeQueueBookkeeping(t *testing.T) {
	conn, r := setup(t)
	ctx := context.Background()
	k := domain.PeriodKey{PersonnelID: "p1", Month: 5, Year: 2024}

	for i := 0; i < 2; i++ {
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, r.EnqueueRecomputeTx(ctx, tx, k, now))
		require.NoError(t, tx.Commit())
	}
	require.NoError(t, r.MarkRecomputeFailed(ctx, k, "disk full"))

	pending, err := r.PendingRecomputes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, k, pending[0].PeriodKey)
	assert.Equal(t, 1, pending[0].Attempts)
	require.NotNil(t, pending[0].LastError)
	assert.Equal(t, "disk full", *pending[0].LastError)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.ClearRecomputeTx(ctx, tx, k))
	require.NoError(t, tx.Commit())
	pending, err = r.PendingRecomputes(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAPIKeysAndPersonnel(t *testing.T) {
	_, r := setup(t)
	ctx := context.Background()

	key := domain.APIKey{ID: "k1", ActorID: "svc", Role: "COORDINATOR", KeyHash: repo.HashAPIKey("jf_secret"), CreatedAt: now}
	require.NoError(t, r.InsertAPIKey(ctx, key))
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" jf_secret "))
	require.NoError(t, err)
	assert.Equal(t, "COORDINATOR", got.Role)
	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), repo.ErrNotFound)

	created, err := r.UpsertPersonnel(ctx, domain.Personnel{ID: "p1", DisplayName: "Ana", Active: true}, now)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = r.UpsertPersonnel(ctx, domain.Personnel{ID: "p1", DisplayName: "Ana Lima", Active: false}, now)
	require.NoError(t, err)
	assert.False(t, created)

	active, err := r.ListPersonnel(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := r.ListPersonnel(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Ana Lima", all[0].DisplayName)
}
