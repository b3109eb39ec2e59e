package repository

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/donorrecon/internal/joblog/domain"
	"github.com/smallbiznis/donorrecon/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestOrdersByRanAt(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	node := storetest.Node(t)
	repo := Provide()

	_, err := repo.Latest(ctx, db, domain.JobDuplicateMark)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	older := &domain.Run{ID: node.Generate(), JobName: domain.JobDuplicateMark, Status: domain.RunStatusSuccess, RanAt: base.Add(time.Hour)}
	newer := &domain.Run{ID: node.Generate(), JobName: domain.JobDuplicateMark, Status: domain.RunStatusPartial, RanAt: base.Add(2 * time.Hour)}
	other := &domain.Run{ID: node.Generate(), JobName: domain.JobHealthAlert, Status: domain.RunStatusSuccess, RanAt: base.Add(3 * time.Hour)}
	for _, run := range []*domain.Run{newer, older, other} {
		require.NoError(t, repo.Insert(ctx, db, run))
	}

	latest, err := repo.Latest(ctx, db, domain.JobDuplicateMark)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)
	assert.Empty(t, latest.Errors)
	assert.Empty(t, latest.DetailedLogs)
}

func TestUpdateUnknownRun(t *testing.T) {
	db := storetest.Open(t)
	node := storetest.Node(t)

	err := Provide().Update(context.Background(), db, &domain.Run{ID: node.Generate(), Status: domain.RunStatusSuccess})
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestListSinceExcludesOlderRuns(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	node := storetest.Node(t)
	repo := Provide()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := &domain.Run{ID: node.Generate(), JobName: domain.JobHealthAlert, Status: domain.RunStatusPartial, RanAt: base}
	recent := &domain.Run{
		ID:      node.Generate(),
		JobName: domain.JobHealthAlert,
		Status:  domain.RunStatusFailed,
		RanAt:   base.Add(2 * time.Hour),
		Input:   map[string]any{domain.InputAlertKey: "processor.live"},
	}
	other := &domain.Run{ID: node.Generate(), JobName: domain.JobDuplicateMark, Status: domain.RunStatusSuccess, RanAt: base.Add(3 * time.Hour)}
	for _, run := range []*domain.Run{old, recent, other} {
		require.NoError(t, repo.Insert(ctx, db, run))
	}

	runs, err := repo.ListSince(ctx, db, domain.JobHealthAlert, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, recent.ID, runs[0].ID)
	assert.Equal(t, "processor.live", runs[0].Input[domain.InputAlertKey])
}
