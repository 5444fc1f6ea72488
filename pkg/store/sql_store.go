package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and locking strategy.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		vault_id TEXT,
		charm_id TEXT,
		beneficiary TEXT NOT NULL,
		total_amount_sats BIGINT NOT NULL,
		rate_sats_per_sec BIGINT NOT NULL,
		start_unix BIGINT NOT NULL,
		cliff_unix BIGINT NOT NULL,
		revocation_pubkey TEXT NOT NULL,
		streamed_commitment_sats BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL REFERENCES streams(id),
		amount_sats BIGINT NOT NULL,
		proof TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS claims_stream_created ON claims (stream_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS vaults (
		id TEXT PRIMARY KEY,
		amount_sats BIGINT NOT NULL,
		beneficiary TEXT NOT NULL,
		policy TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
}

const streamColumns = `id, vault_id, charm_id, beneficiary, total_amount_sats, rate_sats_per_sec,
	start_unix, cliff_unix, revocation_pubkey, streamed_commitment_sats, status, created_at, updated_at`

// SQLStore implements Store over database/sql for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	locks   *KeyedMutex
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, locks: NewKeyedMutex(), now: time.Now}
}

// OpenSQLite opens (creating if needed) a SQLite database and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	s := NewSQLStore(db, DialectSQLite)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewSQLStore(db, DialectPostgres)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB exposes the handle for tables owned by other packages.
func (s *SQLStore) DB() *sql.DB { return s.db }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) stamp() string { return s.now().UTC().Format(timeLayout) }

func (s *SQLStore) CreateStream(ctx context.Context, st *Stream) error {
	query := s.rebind(`INSERT INTO streams (` + streamColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		st.ID, nullString(st.VaultID), nullString(st.CharmID), st.Beneficiary,
		st.TotalAmountSats, st.RateSatsPerSec, st.StartUnix, st.CliffUnix,
		st.RevocationPubkey, st.StreamedCommitmentSats, string(st.Status),
		formatTime(st.CreatedAt), formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert stream: %w", err)
	}
	return nil
}

func (s *SQLStore) GetStream(ctx context.Context, id string) (*Stream, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+streamColumns+` FROM streams WHERE id = ?`), id)
	st, err := scanStream(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return st, nil
}

func (s *SQLStore) ListStreams(ctx context.Context) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+streamColumns+` FROM streams ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateCommitment(ctx context.Context, id string, commitment int64, status Status) error {
	query := s.rebind(`UPDATE streams
		SET streamed_commitment_sats = ?, status = COALESCE(?, status), updated_at = ?
		WHERE id = ? AND streamed_commitment_sats <= ? AND total_amount_sats >= ?`)
	res, err := s.db.ExecContext(ctx, query, commitment, nullString(string(status)), s.stamp(), id, commitment, commitment)
	if err != nil {
		return fmt.Errorf("failed to update commitment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	st, err := s.GetStream(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %d -> %d (total %d)", ErrCommitmentRegression, st.StreamedCommitmentSats, commitment, st.TotalAmountSats)
}

func (s *SQLStore) AttachCharmID(ctx context.Context, id, charmID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE streams SET charm_id = ?, updated_at = ? WHERE id = ?`),
		charmID, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("failed to attach charm: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) AppendClaim(ctx context.Context, c ClaimRecord) error {
	verified := 0
	if c.Verified {
		verified = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO claims (id, stream_id, amount_sats, proof, verified, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		c.ID, c.StreamID, c.AmountSats, c.Proof, verified, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert claim: %w", err)
	}
	return nil
}

func (s *SQLStore) ListClaims(ctx context.Context, streamID string) ([]ClaimRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, stream_id, amount_sats, proof, verified, created_at
		FROM claims WHERE stream_id = ? ORDER BY created_at DESC`), streamID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []ClaimRecord{}
	for rows.Next() {
		var (
			c        ClaimRecord
			verified int
			created  string
		)
		if err := rows.Scan(&c.ID, &c.StreamID, &c.AmountSats, &c.Proof, &verified, &created); err != nil {
			return nil, err
		}
		c.Verified = verified != 0
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertVault(ctx context.Context, v VaultRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO vaults (id, amount_sats, beneficiary, policy, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount_sats = excluded.amount_sats,
			beneficiary = excluded.beneficiary,
			policy = excluded.policy`),
		v.ID, v.AmountSats, v.Beneficiary, v.Policy, formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert vault: %w", err)
	}
	return nil
}

// Lock serializes work on one stream within this process. On Postgres it
// also takes a session advisory lock so replicas sharing the database
// serialize too.
func (s *SQLStore) Lock(ctx context.Context, streamID string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if s.dialect != DialectPostgres {
		return unlock, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("advisory lock conn: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, streamID); err != nil {
		_ = conn.Close()
		unlock()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	return func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, streamID)
		_ = conn.Close()
		unlock()
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (*Stream, error) {
	var (
		st               Stream
		vaultID, charmID sql.NullString
		status           string
		created, updated string
	)
	err := row.Scan(&st.ID, &vaultID, &charmID, &st.Beneficiary, &st.TotalAmountSats, &st.RateSatsPerSec,
		&st.StartUnix, &st.CliffUnix, &st.RevocationPubkey, &st.StreamedCommitmentSats, &status, &created, &updated)
	if err != nil {
		return nil, err
	}
	st.VaultID = vaultID.String
	st.CharmID = charmID.String
	st.Status = Status(status)
	if st.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &st, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}
