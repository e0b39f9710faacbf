package offer

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var offerCols = []string{"id", "parent_id", "sender_id", "receiver_id", "amount", "state", "stage",
	"counter_count", "expires_at", "settled_at", "create_key", "created_at", "updated_at"}

func offerRow(id, state string, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(offerCols).
		AddRow(id, "", "alice", "bob", int64(200), state, "first_contact", 0, now.Add(24*time.Hour), nil, "", now, now)
}

func TestPostgresTransitionSwaps(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM offers WHERE id=\$1 FOR UPDATE`).WithArgs("o1").WillReturnRows(offerRow("o1", "PENDING", now))
	mock.ExpectExec(`UPDATE offers SET state=\$1, updated_at=\$2 WHERE id=\$3`).
		WithArgs("ACCEPTED", now, "o1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO offer_history`).
		WithArgs("o1", "PENDING", "ACCEPTED", "bob", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	o, swapped, err := NewPostgres(mockDB).Transition(context.Background(), "o1",
		[]State{StatePending, StateEscalated}, StateAccepted, "bob", now)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, StateAccepted, o.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionLosesRace(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("o1").WillReturnRows(offerRow("o1", "EXPIRED", now))
	mock.ExpectRollback()

	o, swapped, err := NewPostgres(mockDB).Transition(context.Background(), "o1",
		[]State{StatePending}, StateRejected, "bob", now)
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, StateExpired, o.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery(`FROM offers WHERE id=\$1`).WithArgs("nope").WillReturnRows(sqlmock.NewRows(offerCols))

	_, err = NewPostgres(mockDB).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertWritesHistory(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	now := time.Now()

	o := Offer{ID: "o1", SenderID: "alice", ReceiverID: "bob", Amount: 200, State: StatePending,
		Stage: "meetup", ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now, UpdatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO offers`).
		WithArgs("o1", sqlmock.AnyArg(), "alice", "bob", int64(200), "PENDING", "meetup", 0, o.ExpiresAt, sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO offer_history`).
		WithArgs("o1", "", "PENDING", "alice", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = NewPostgres(mockDB).Insert(context.Background(), o,
		History{OfferID: "o1", ToState: StatePending, TriggeredBy: "alice", Timestamp: now})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDueForExpiry(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	now := time.Now()

	mock.ExpectQuery(`WHERE state = ANY\(\$1\) AND expires_at < \$2`).
		WithArgs(sqlmock.AnyArg(), now, 50).
		WillReturnRows(offerRow("o1", "PENDING", now.Add(-48*time.Hour)))

	list, err := NewPostgres(mockDB).DueForExpiry(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "o1", list[0].ID)
	assert.Nil(t, list[0].SettledAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLastRejection(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	at := time.Now().Add(-10 * time.Minute)

	mock.ExpectQuery(`SELECT MAX\(updated_at\) FROM offers`).
		WithArgs("alice", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(at))
	mock.ExpectQuery(`SELECT MAX\(updated_at\) FROM offers`).
		WithArgs("alice", "carol").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	p := NewPostgres(mockDB)
	last, found, err := p.LastRejection(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, last.Equal(at))

	_, found, err = p.LastRejection(context.Background(), "alice", "carol")
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}
