package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow/internal/repo"
)

func TestOpenSeedsRulesOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := Open(ctx, Options{Workspace: dir, ActorID: "tester"})
	require.NoError(t, err)
	assert.Len(t, first.Engine.Statuses(), 8)
	require.NoError(t, first.Close(ctx))

	second, err := Open(ctx, Options{Workspace: dir})
	require.NoError(t, err)
	defer second.Close(ctx)
	assert.Len(t, second.Engine.Criteria(), 4)

	imports, err := second.Engine.ListAudit(ctx, repo.AuditFilters{Action: "IMPORT"})
	require.NoError(t, err)
	assert.Len(t, imports, 1)
}
