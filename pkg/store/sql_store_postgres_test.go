package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLStore(db, DialectPostgres)
	s.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestPostgresRebind(t *testing.T) {
	s, _ := newMockPostgres(t)
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2", s.rebind("UPDATE t SET a = ? WHERE id = ?"))

	lite := NewSQLStore(nil, DialectSQLite)
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestPostgresInit(t *testing.T) {
	s, mock := newMockPostgres(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateStream(t *testing.T) {
	s, mock := newMockPostgres(t)
	st := newStream("stream_1", s.now())

	mock.ExpectExec(`INSERT INTO streams .* VALUES \(\$1, \$2, .*\$13\)`).
		WithArgs(st.ID, st.VaultID, nil, st.Beneficiary, st.TotalAmountSats, st.RateSatsPerSec,
			st.StartUnix, st.CliffUnix, st.RevocationPubkey, int64(0), "active",
			"2025-01-01T00:00:00.000000000Z", "2025-01-01T00:00:00.000000000Z").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.CreateStream(context.Background(), st))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateCommitment(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE streams\s+SET streamed_commitment_sats = \$1, status = COALESCE\(\$2, status\)`).
		WithArgs(int64(500), "completed", sqlmock.AnyArg(), "stream_1", int64(500), int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpdateCommitment(ctx, "stream_1", 500, StatusCompleted))

	// No row matched: the stream exists, so the update was a regression.
	mock.ExpectExec(`UPDATE streams`).
		WithArgs(int64(10), nil, sqlmock.AnyArg(), "stream_1", int64(10), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"id", "vault_id", "charm_id", "beneficiary", "total_amount_sats",
		"rate_sats_per_sec", "start_unix", "cliff_unix", "revocation_pubkey", "streamed_commitment_sats",
		"status", "created_at", "updated_at"}).
		AddRow("stream_1", nil, "charm_1", "b", int64(1000), int64(1), int64(0), int64(0), "02ab", int64(500),
			"completed", "2025-01-01T00:00:00.000000000Z", "2025-01-01T00:00:00.000000000Z")
	mock.ExpectQuery(`SELECT .* FROM streams WHERE id = \$1`).WithArgs("stream_1").WillReturnRows(rows)

	err := s.UpdateCommitment(ctx, "stream_1", 10, "")
	assert.ErrorIs(t, err, ErrCommitmentRegression)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockTakesAdvisoryLock(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`SELECT pg_advisory_lock\(hashtext\(\$1\)\)`).WithArgs("stream_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(hashtext\(\$1\)\)`).WithArgs("stream_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	unlock, err := s.Lock(context.Background(), "stream_1")
	require.NoError(t, err)
	unlock()
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 0, s.locks.Len())
}

func TestPostgresListClaimsNewestFirst(t *testing.T) {
	s, mock := newMockPostgres(t)
	rows := sqlmock.NewRows([]string{"id", "stream_id", "amount_sats", "proof", "verified", "created_at"}).
		AddRow("claim_2", "stream_1", int64(20), "{}", 1, "2025-01-01T00:00:02.000000000Z").
		AddRow("claim_1", "stream_1", int64(10), "{}", 0, "2025-01-01T00:00:01.000000000Z")
	mock.ExpectQuery(`SELECT id, stream_id, amount_sats, proof, verified, created_at\s+FROM claims WHERE stream_id = \$1 ORDER BY created_at DESC`).
		WithArgs("stream_1").WillReturnRows(rows)

	claims, err := s.ListClaims(context.Background(), "stream_1")
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, "claim_2", claims[0].ID)
	assert.True(t, claims[0].Verified)
	assert.False(t, claims[1].Verified)
	require.NoError(t, mock.ExpectationsWereMet())
}
