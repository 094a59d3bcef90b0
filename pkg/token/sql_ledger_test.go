package token

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/store/sqldb"
)

func sqliteLedger(t *testing.T) *SQLLedger {
	t.Helper()
	db, err := sqldb.Open(context.Background(), sqldb.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := NewSQLLedger(db, DefaultInfo(""))
	require.NoError(t, l.Init(context.Background()))
	return l
}

func TestSQLLedger_SQLiteContract(t *testing.T) {
	ledgerContract(t, sqliteLedger(t))
}

func TestSQLLedger_MatchesMemoryTxIDs(t *testing.T) {
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	mem := NewMemoryLedger(DefaultInfo(""))
	mem.now = func() time.Time { return at }
	sq := sqliteLedger(t)
	sq.now = func() time.Time { return at }

	ctx := context.Background()
	req := MintRequest{To: "addr-A", Amount: 5_000_000, StorageRef: "sha256:bb", IdempotencyKey: "CR-9"}
	a, err := mem.Mint(ctx, req)
	require.NoError(t, err)
	b, err := sq.Mint(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSQLLedger_MintWithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewSQLLedger(db, DefaultInfo(""))
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tx_id FROM token_journal WHERE idempotency_key").
		WithArgs("CR-1").
		WillReturnRows(sqlmock.NewRows([]string{"tx_id"}))
	mock.ExpectExec("INSERT INTO token_balances").
		WithArgs("addr-A", int64(40_500_000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT seq, tx_id FROM token_journal ORDER BY seq DESC LIMIT 1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "tx_id"}))
	mock.ExpectExec("INSERT INTO token_journal").
		WithArgs(int64(1), sqlmock.AnyArg(), string(GenesisTx), "mint", "", "addr-A", int64(40_500_000), "sha256:aa", "CR-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := l.Mint(ctx, MintRequest{To: "addr-A", Amount: 40_500_000, StorageRef: "sha256:aa", IdempotencyKey: "CR-1"})
	require.NoError(t, err)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, string(tx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_MintReplayWithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewSQLLedger(db, DefaultInfo(""))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tx_id FROM token_journal WHERE idempotency_key").
		WithArgs("CR-1").
		WillReturnRows(sqlmock.NewRows([]string{"tx_id"}).AddRow("0xabc"))
	mock.ExpectRollback()

	tx, err := l.Mint(context.Background(), MintRequest{To: "addr-A", Amount: 1, IdempotencyKey: "CR-1"})
	require.NoError(t, err)
	assert.Equal(t, TxID("0xabc"), tx)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_FailuresAreTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewSQLLedger(db, DefaultInfo(""))

	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))
	_, err = l.Mint(context.Background(), MintRequest{To: "addr-A", Amount: 1, IdempotencyKey: "CR-1"})
	require.ErrorIs(t, err, contracts.ErrLedgerUnavailable)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE token_balances SET amount = amount -").
		WithArgs(int64(5), "addr-A").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	_, err = l.Retire(context.Background(), "addr-A", 5, "")
	require.ErrorIs(t, err, contracts.ErrInsufficientBalance)
	assert.False(t, contracts.IsTransient(err))

	mock.ExpectQuery("SELECT amount FROM token_balances").
		WithArgs("addr-A").
		WillReturnError(errors.New("timeout"))
	_, err = l.BalanceOf(context.Background(), "addr-A")
	require.ErrorIs(t, err, contracts.ErrLedgerUnavailable)

	require.NoError(t, mock.ExpectationsWereMet())
}
