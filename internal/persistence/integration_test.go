package persistence_test

import (
	"context"
	"testing"

	"OptionLedger/internal/core"
	"OptionLedger/internal/persistence"
	"OptionLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgres_EventLogAndSnapshot(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx)
	require.NoError(t, err)

	var events []persistence.EventRow
	var journals []persistence.JournalRow
	for seq := int64(0); seq < 3; seq++ {
		row, js := persistence.RowsFromOutput(fundingOutput(t, seq))
		events = append(events, row)
		journals = append(journals, js...)
	}

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	w := persistence.NewEventLogWriter()
	require.NoError(t, w.WriteEventBatch(ctx, events, tx))
	require.NoError(t, w.WriteJournalBatch(ctx, journals, tx))
	require.NoError(t, tx.Commit())

	sm := persistence.NewSnapshotManager(db)
	seq, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	rows, err := sm.LoadEventsFrom(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, events[1].EventID, rows[0].EventID)

	ids, err := persistence.NewPostgresIdempotencyChecker(db).RecentEventIDs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	_, err = sm.SaveSnapshot(ctx, &core.SnapshotState{Sequence: 2, StateHash: common.BytesToHash(events[2].StateHash)})
	require.NoError(t, err)
	unverified, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, unverified, "unverified snapshots are not used for recovery")

	require.NoError(t, sm.MarkVerified(ctx, 2))
	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(2), loaded.Sequence)
}
