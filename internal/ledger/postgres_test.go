package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
)

var (
	balanceCols = []string{"available", "pending_hold", "updated_at"}
	txCols      = []string{"id", "user_id", "amount", "kind", "reference_id", "idempotency_key", "created_at"}
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	p := NewPostgres(mockDB)
	p.newID = func() string { return "tx-1" }
	return p, mock
}

func TestPostgresCreditCreatesBalance(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO balances\(user_id\) VALUES\(\$1\) ON CONFLICT`).
		WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT available, pending_hold, updated_at FROM balances WHERE user_id=\$1 FOR UPDATE`).
		WithArgs("alice").WillReturnRows(sqlmock.NewRows(balanceCols).AddRow(0, 0, now))
	mock.ExpectQuery(`FROM ledger_transactions WHERE idempotency_key=\$1`).
		WithArgs("paytr:1").WillReturnRows(sqlmock.NewRows(txCols))
	mock.ExpectQuery(`UPDATE balances`).
		WithArgs(int64(1000), int64(0), "alice").
		WillReturnRows(sqlmock.NewRows(balanceCols).AddRow(1000, 0, now))
	mock.ExpectQuery(`INSERT INTO ledger_transactions`).
		WithArgs("tx-1", "alice", int64(1000), "purchase", "order-1", "paytr:1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectCommit()

	res, err := p.Credit(context.Background(), Entry{
		UserID: "alice", Amount: 1000, Kind: KindPurchase, ReferenceID: "order-1", IdempotencyKey: "paytr:1",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "tx-1", res.Transaction.ID)
	assert.Equal(t, int64(1000), res.Balance.Available)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDebitInsufficientFundsRollsBack(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("alice").WillReturnRows(sqlmock.NewRows(balanceCols).AddRow(50, 0, time.Now()))
	mock.ExpectQuery(`FROM ledger_transactions WHERE idempotency_key=\$1`).
		WithArgs("offer:o1:sent").WillReturnRows(sqlmock.NewRows(txCols))
	mock.ExpectRollback()

	_, err := p.Debit(context.Background(), Entry{
		UserID: "alice", Amount: 200, Kind: KindOfferSent, ReferenceID: "o1", IdempotencyKey: "offer:o1:sent",
	})
	require.Error(t, err)
	e, ok := bizerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bizerr.InsufficientFunds, e.Code)
	assert.Equal(t, int64(50), e.Details["available"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDebitReplayReturnsOriginal(t *testing.T) {
	p, mock := newMockStore(t)
	created := time.Now().Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("alice").WillReturnRows(sqlmock.NewRows(balanceCols).AddRow(800, 200, time.Now()))
	mock.ExpectQuery(`FROM ledger_transactions WHERE idempotency_key=\$1`).
		WithArgs("offer:o1:sent").
		WillReturnRows(sqlmock.NewRows(txCols).AddRow("tx-orig", "alice", -200, "offer_sent", "o1", "offer:o1:sent", created))
	mock.ExpectRollback()

	res, err := p.Debit(context.Background(), Entry{
		UserID: "alice", Amount: 200, Kind: KindOfferSent, ReferenceID: "o1", IdempotencyKey: "offer:o1:sent",
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "tx-orig", res.Transaction.ID)
	assert.Equal(t, int64(800), res.Balance.Available)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConcurrentKeyInsertFallsBackToReplay(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO balances`).WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("bob").WillReturnRows(sqlmock.NewRows(balanceCols).AddRow(0, 0, now))
	mock.ExpectQuery(`WHERE idempotency_key=\$1`).WithArgs("k").WillReturnRows(sqlmock.NewRows(txCols))
	mock.ExpectQuery(`UPDATE balances`).WillReturnRows(sqlmock.NewRows(balanceCols).AddRow(10, 0, now))
	mock.ExpectQuery(`INSERT INTO ledger_transactions`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: idempotencyConstraint})
	mock.ExpectRollback()
	mock.ExpectQuery(`WHERE idempotency_key=\$1`).WithArgs("k").
		WillReturnRows(sqlmock.NewRows(txCols).AddRow("tx-other", "bob", 10, "bonus", "promo", "k", now))
	mock.ExpectQuery(`SELECT available, pending_hold, updated_at FROM balances WHERE user_id=\$1`).
		WithArgs("bob").WillReturnRows(sqlmock.NewRows(balanceCols).AddRow(10, 0, now))

	res, err := p.Credit(context.Background(), Entry{UserID: "bob", Amount: 10, Kind: KindBonus, ReferenceID: "promo", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "tx-other", res.Transaction.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreditReleasesOtherUsersHoldInLockOrder(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO balances`).WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("alice").WillReturnRows(sqlmock.NewRows(balanceCols).AddRow(800, 200, now))
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("bob").WillReturnRows(sqlmock.NewRows(balanceCols).AddRow(0, 0, now))
	mock.ExpectQuery(`WHERE idempotency_key=\$1`).WithArgs("offer:o1:accept").WillReturnRows(sqlmock.NewRows(txCols))
	mock.ExpectQuery(`UPDATE balances`).WithArgs(int64(190), int64(0), "bob").
		WillReturnRows(sqlmock.NewRows(balanceCols).AddRow(190, 0, now))
	mock.ExpectExec(`UPDATE balances SET pending_hold`).WithArgs(int64(-200), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO ledger_transactions`).
		WithArgs("tx-1", "bob", int64(190), "offer_accepted", "o1", "offer:o1:accept").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectCommit()

	_, err := p.Credit(context.Background(), Entry{
		UserID: "bob", Amount: 190, Kind: KindOfferAccepted, ReferenceID: "o1", IdempotencyKey: "offer:o1:accept",
		Hold: &HoldChange{UserID: "alice", Amount: -200},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetBalanceUnknownUser(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery(`FROM balances WHERE user_id=\$1`).WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	b, err := p.GetBalance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, Balance{UserID: "ghost"}, b)
}

func TestPostgresReconcile(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT b.available, COALESCE`).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"available", "sum"}).AddRow(800, 800))

	r, err := p.Reconcile(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, r.Consistent)
	assert.Equal(t, int64(800), r.LedgerSum)
}

func TestPostgresTransactionsNewestFirst(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(`FROM ledger_transactions WHERE user_id=\$1\s+ORDER BY created_at DESC, id DESC\s+LIMIT \$2`).
		WithArgs("alice", 2).
		WillReturnRows(sqlmock.NewRows(txCols).
			AddRow("tx-9", "alice", -100, "offer_sent", "o9", "offer:o9:debit", now).
			AddRow("tx-8", "alice", 500, "purchase", "ord8", "paytr:ord8", now.Add(-time.Minute)))

	txs, err := p.Transactions(context.Background(), "alice", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "tx-9", txs[0].ID)
	assert.Equal(t, KindPurchase, txs[1].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}
