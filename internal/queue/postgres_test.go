package queue

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	conclaveerrs "github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/stretchr/testify/require"
)

// TestPostgresStoreAppendSQLShape exercises Append's INSERT against a
// sqlmock-driven *sql.DB, matching the pack's convention of validating a
// store's SQL shape without a live database rather than asserting on
// scanned results (that's covered by the in-memory store's shared test
// cases).
func TestPostgresStoreAppendSQLShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &PostgresStore{db: db}

	mock.ExpectExec("INSERT INTO events").
		WithArgs(
			sqlmock.AnyArg(), "thread-1", "NEW_MESSAGE", []byte(`{}`), "pending",
			nil, nil, 0, nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	event := &models.Event{ThreadID: "thread-1", Type: models.EventNewMessage, Payload: []byte(`{}`)}
	require.NoError(t, store.Append(context.Background(), event))
	require.NotEmpty(t, event.ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStoreCompleteRequiresOwnedLease verifies Complete surfaces
// ErrLeaseNotOwned when the UPDATE affects zero rows (lease already expired
// or owned by a different worker) instead of silently succeeding.
func TestPostgresStoreCompleteRequiresOwnedLease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &PostgresStore{db: db}

	mock.ExpectExec("UPDATE events SET status = 'completed'").
		WithArgs(sqlmock.AnyArg(), "event-1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Complete(context.Background(), "event-1", "worker-1")
	require.ErrorIs(t, err, conclaveerrs.ErrLeaseNotOwned)

	require.NoError(t, mock.ExpectationsWereMet())
}
