package persistence_test

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"OptionLedger/internal/core"
	"OptionLedger/internal/event"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/persistence"
	"OptionLedger/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*persistence.SnapshotManager, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return persistence.NewSnapshotManager(db), mock, func() { db.Close() }
}

func fundingOutput(t *testing.T, seq int64) core.CoreOutput {
	t.Helper()
	id := uuid.New()
	env, err := event.Seal(id, testutil.Alice, testutil.Now, &event.TokensMoved{
		Kind:   event.EventTypeTokensFunded,
		To:     testutil.Alice,
		Token:  testutil.USDC,
		Amount: "1000000",
	})
	require.NoError(t, err)
	env.Sequence = seq
	env.StateHash = common.HexToHash("0x01")

	gen := ledger.NewJournalGenerator(id, seq, int64(testutil.Now))
	gen.Fund(testutil.Alice, testutil.USDC, testutil.USDCAmount("1"))
	return core.CoreOutput{Envelope: env, Batch: gen.Batch()}
}

func TestRowsFromOutput(t *testing.T) {
	out := fundingOutput(t, 3)
	row, journals := persistence.RowsFromOutput(out)

	assert.Equal(t, int64(3), row.Sequence)
	assert.Equal(t, "tokens_funded", row.EventType)
	require.Len(t, journals, 1)
	assert.Equal(t, "1000000", journals[0].Amount)
	assert.Contains(t, journals[0].DebitAccount, "user:")
	assert.Contains(t, journals[0].CreditAccount, "external:")

	env, err := row.Envelope()
	require.NoError(t, err)
	assert.Equal(t, out.Envelope.EventID, env.EventID)
	assert.Equal(t, out.Envelope.StateHash, env.StateHash)
	assert.Equal(t, testutil.Alice, env.Actor)

	ev, err := env.Decode()
	require.NoError(t, err)
	assert.Equal(t, event.EventTypeTokensFunded, ev.EventType())
}

func TestWriter_WriteEventBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	row, _ := persistence.RowsFromOutput(fundingOutput(t, 0))
	mock.ExpectExec(`INSERT INTO event_log\.events`).
		WithArgs(
			int64(0),
			sqlmock.AnyArg(), // event id
			"tokens_funded",
			row.Actor,
			string(row.Payload),
			row.StateHash,
			row.PrevHash,
			row.Timestamp,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := persistence.NewEventLogWriter()
	require.NoError(t, w.WriteEventBatch(context.Background(), []persistence.EventRow{row}, db))
	require.NoError(t, w.WriteEventBatch(context.Background(), nil, db), "empty batch is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_FlushesOnClose(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	in := make(chan core.CoreOutput, 2)
	in <- fundingOutput(t, 0)
	in <- fundingOutput(t, 1)
	close(in)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO event_log\.events`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO event_log\.journal`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	w := persistence.NewPersistenceWorker(db, in, 50, time.Hour, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_RollsBackFailedWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	in := make(chan core.CoreOutput, 1)
	in <- fundingOutput(t, 0)
	close(in)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO event_log\.events`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	w := persistence.NewPersistenceWorker(db, in, 50, time.Hour, nil, zerolog.Nop())
	// The final flush error is logged, not returned.
	require.NoError(t, w.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotManager_SaveAndLoad(t *testing.T) {
	sm, mock, done := newMock(t)
	defer done()

	snap := &core.SnapshotState{
		Sequence:  41,
		StateHash: common.HexToHash("0xabc"),
		Timestamp: testutil.Now,
		Balances: []ledger.BalanceEntry{
			{Account: ledger.WalletKey(testutil.Alice, testutil.USDC), Amount: testutil.USDCAmount("5")},
		},
		RecentBatchIDs: []uuid.UUID{uuid.New()},
	}

	mock.ExpectExec(`INSERT INTO event_log\.snapshots`).
		WithArgs(sqlmock.AnyArg(), int64(41), sqlmock.AnyArg(), snap.StateHash.Bytes(), 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	size, err := sm.SaveSnapshot(context.Background(), snap)
	require.NoError(t, err)
	assert.Positive(t, size)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT data, format_version FROM event_log\.snapshots`).
		WillReturnRows(sqlmock.NewRows([]string{"data", "format_version"}).AddRow(data, 1))

	loaded, err := sm.LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(41), loaded.Sequence)
	assert.Equal(t, snap.StateHash, loaded.StateHash)
	assert.Equal(t, snap.RecentBatchIDs, loaded.RecentBatchIDs)
	require.Len(t, loaded.Balances, 1)
	assert.Equal(t, "5000000", loaded.Balances[0].Amount.String())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotManager_ColdStart(t *testing.T) {
	sm, mock, done := newMock(t)
	defer done()

	mock.ExpectQuery(`SELECT data, format_version`).
		WillReturnRows(sqlmock.NewRows([]string{"data", "format_version"}))

	snap, err := sm.LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)

	mock.ExpectQuery(`SELECT MAX\(sequence\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	seq, err := sm.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), seq)
}

func TestSnapshotManager_LoadEventsFrom(t *testing.T) {
	sm, mock, done := newMock(t)
	defer done()

	out := fundingOutput(t, 7)
	row, _ := persistence.RowsFromOutput(out)

	mock.ExpectQuery(`FROM event_log\.events`).
		WithArgs(int64(7), 1000).
		WillReturnRows(sqlmock.NewRows([]string{
			"sequence", "event_id", "event_type", "actor", "payload", "state_hash", "prev_hash", "timestamp",
		}).AddRow(row.Sequence, row.EventID.String(), row.EventType, row.Actor, row.Payload, row.StateHash, row.PrevHash, row.Timestamp))

	events, err := sm.LoadEventsFrom(context.Background(), 7, 1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, row.EventID, events[0].EventID)

	env, err := events[0].Envelope()
	require.NoError(t, err)
	assert.Equal(t, event.EventTypeTokensFunded, env.EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	pic := persistence.NewPostgresIdempotencyChecker(db)

	seen, fresh := uuid.New(), uuid.New()
	mock.ExpectQuery(`SELECT 1 FROM event_log\.events`).
		WithArgs(seen.String()).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(`SELECT 1 FROM event_log\.events`).
		WithArgs(fresh.String()).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	dup, err := pic.IsDuplicate(seen)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = pic.IsDuplicate(fresh)
	require.NoError(t, err)
	assert.False(t, dup)

	mock.ExpectQuery(`SELECT event_id FROM`).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(seen.String()).AddRow(fresh.String()))
	ids, err := pic.RecentEventIDs(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{seen, fresh}, ids)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_UpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"000001_event_log.up.sql":   {Data: []byte("CREATE SCHEMA event_log;")},
		"000001_event_log.down.sql": {Data: []byte("DROP SCHEMA event_log;")},
		"000002_snapshots.up.sql":   {Data: []byte("CREATE TABLE event_log.snapshots ();")},
		"000002_snapshots.down.sql": {Data: []byte("DROP TABLE event_log.snapshots;")},
	}
	m := persistence.NewMigratorFS(db, fsys, zerolog.Nop())

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS public\.schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM public\.schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE event_log\.snapshots`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO public\.schema_migrations`).
		WithArgs("000002", "000002_snapshots.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ran, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_DownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"000002_snapshots.up.sql":   {Data: []byte("CREATE TABLE event_log.snapshots ();")},
		"000002_snapshots.down.sql": {Data: []byte("DROP TABLE event_log.snapshots;")},
	}
	m := persistence.NewMigratorFS(db, fsys, zerolog.Nop())

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version, filename`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000002", "000002_snapshots.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(`DROP TABLE event_log\.snapshots`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM public\.schema_migrations`).WithArgs("000002").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Down(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
