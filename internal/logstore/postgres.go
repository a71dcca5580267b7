package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jameslbarnes/dshield/internal/logentry"
)

// PostgresStore persists signed log entries into Postgres, caching the
// latest sequence per functionId in memory to avoid a round trip on every
// append (re-derived from the table only on cold start or cache miss).
type PostgresStore struct {
	db *sql.DB

	mu       sync.Mutex
	lastSeq  map[string]int64
	warmedUp map[string]bool
}

// NewPostgresStore constructs a PostgresStore and ensures its table exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{
		db:       db,
		lastSeq:  make(map[string]int64),
		warmedUp: make(map[string]bool),
	}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureTable() error {
	const q = `
CREATE TABLE IF NOT EXISTS log_entries (
  function_id text NOT NULL,
  sequence bigint NOT NULL,
  kind text NOT NULL,
  invocation_id text NOT NULL,
  entry jsonb NOT NULL,
  signature text NOT NULL,
  ts timestamptz NOT NULL,
  stream_status text NOT NULL DEFAULT 'pending',
  stream_attempts int NOT NULL DEFAULT 0,
  last_stream_attempt_at timestamptz,
  last_stream_error text,
  s3_object_key text,
  s3_archived_at timestamptz,
  kafka_produced_at timestamptz,
  PRIMARY KEY (function_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_log_entries_stream_status ON log_entries (stream_status);
`
	_, err := s.db.Exec(q)
	return err
}

// Ping verifies connectivity to Postgres.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append implements Store. The row is inserted with the primary key
// (function_id, sequence), which fails on a duplicate sequence; that
// failure surfaces to the caller as a recoverable error (the Proxy treats
// it as fatal to the in-flight request it logs).
func (s *PostgresStore) Append(ctx context.Context, e logentry.Signed) error {
	entryJSON, err := json.Marshal(e.Entry)
	if err != nil {
		return fmt.Errorf("logstore: marshal entry: %w", err)
	}

	const q = `
INSERT INTO log_entries (function_id, sequence, kind, invocation_id, entry, signature, ts)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err = s.db.ExecContext(ctx, q,
		e.FunctionID, e.Sequence, string(e.Kind), e.InvocationID,
		entryJSON, e.Signature, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("logstore: insert entry: %w", err)
	}

	s.mu.Lock()
	if e.Sequence > s.lastSeq[e.FunctionID] {
		s.lastSeq[e.FunctionID] = e.Sequence
		s.warmedUp[e.FunctionID] = true
	}
	s.mu.Unlock()
	return nil
}

// GetAll implements Store.
func (s *PostgresStore) GetAll(ctx context.Context, functionID string) ([]logentry.Signed, error) {
	const q = `SELECT entry, signature FROM log_entries WHERE function_id=$1 ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, q, functionID)
	if err != nil {
		return nil, fmt.Errorf("logstore: query entries: %w", err)
	}
	defer rows.Close()

	var out []logentry.Signed
	for rows.Next() {
		var entryJSON []byte
		var sig string
		if err := rows.Scan(&entryJSON, &sig); err != nil {
			return nil, fmt.Errorf("logstore: scan entry row: %w", err)
		}
		var e logentry.Entry
		if err := json.Unmarshal(entryJSON, &e); err != nil {
			return nil, fmt.Errorf("logstore: unmarshal entry: %w", err)
		}
		out = append(out, logentry.Signed{Entry: e, Signature: sig})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("logstore: rows error: %w", err)
	}
	return out, nil
}

// GetLatestSequence implements Store, returning the cached value when
// available and re-deriving it from Postgres on a cold start or cache miss.
func (s *PostgresStore) GetLatestSequence(ctx context.Context, functionID string) (int64, error) {
	s.mu.Lock()
	if s.warmedUp[functionID] {
		v := s.lastSeq[functionID]
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	const q = `SELECT sequence FROM log_entries WHERE function_id=$1 ORDER BY sequence DESC LIMIT 1`
	var seq int64
	err := s.db.QueryRowContext(ctx, q, functionID).Scan(&seq)
	if err != nil {
		if err == sql.ErrNoRows {
			seq = 0
		} else {
			return 0, fmt.Errorf("logstore: query latest sequence: %w", err)
		}
	}

	s.mu.Lock()
	s.lastSeq[functionID] = seq
	s.warmedUp[functionID] = true
	s.mu.Unlock()
	return seq, nil
}

// fetchPendingForStreaming selects a batch of pending/retry entries and
// claims them with SELECT ... FOR UPDATE SKIP LOCKED so multiple streamer
// workers can run concurrently without double-processing a row.
func (s *PostgresStore) fetchPendingForStreaming(ctx context.Context, batchSize int) ([]streamCandidate, error) {
	if batchSize <= 0 {
		batchSize = 10
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("logstore: begin tx: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	const q = `
SELECT function_id, sequence, entry, signature
FROM log_entries
WHERE stream_status IN ('pending','retry')
ORDER BY ts ASC
FOR UPDATE SKIP LOCKED
LIMIT $1
`
	rows, err := tx.QueryContext(ctx, q, batchSize)
	if err != nil {
		return nil, fmt.Errorf("logstore: select pending: %w", err)
	}

	var candidates []streamCandidate
	for rows.Next() {
		var c streamCandidate
		var entryJSON []byte
		if err := rows.Scan(&c.functionID, &c.sequence, &entryJSON, &c.signature); err != nil {
			rows.Close()
			return nil, fmt.Errorf("logstore: scan pending row: %w", err)
		}
		var e logentry.Entry
		if err := json.Unmarshal(entryJSON, &e); err != nil {
			rows.Close()
			return nil, fmt.Errorf("logstore: unmarshal pending entry: %w", err)
		}
		c.entry = logentry.Signed{Entry: e, Signature: c.signature}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("logstore: pending rows error: %w", err)
	}
	rows.Close()

	if len(candidates) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("logstore: commit empty claim: %w", err)
		}
		tx = nil
		return candidates, nil
	}

	for _, c := range candidates {
		_, err := tx.ExecContext(ctx, `
UPDATE log_entries
SET stream_status = 'in_progress',
    stream_attempts = stream_attempts + 1,
    last_stream_attempt_at = now(),
    last_stream_error = NULL
WHERE function_id = $1 AND sequence = $2
`, c.functionID, c.sequence)
		if err != nil {
			return nil, fmt.Errorf("logstore: claim entry %s/%d: %w", c.functionID, c.sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("logstore: commit claim: %w", err)
	}
	tx = nil
	return candidates, nil
}

const maxStreamAttempts = 5

// markStreamResult records the outcome of streaming/archival for one entry.
func (s *PostgresStore) markStreamResult(ctx context.Context, functionID string, sequence int64, archivedKey sql.NullString, success bool, errMsg sql.NullString) error {
	if success {
		const q = `
UPDATE log_entries
SET s3_object_key = $1,
    s3_archived_at = COALESCE(s3_archived_at, now()),
    kafka_produced_at = COALESCE(kafka_produced_at, now()),
    last_stream_attempt_at = now(),
    last_stream_error = NULL,
    stream_status = 'complete'
WHERE function_id = $2 AND sequence = $3
`
		_, err := s.db.ExecContext(ctx, q, archivedKey, functionID, sequence)
		if err != nil {
			return fmt.Errorf("logstore: mark stream success: %w", err)
		}
		return nil
	}

	q := fmt.Sprintf(`
UPDATE log_entries
SET last_stream_attempt_at = now(),
    last_stream_error = $1,
    stream_status = CASE WHEN stream_attempts >= %d THEN 'failed' ELSE 'retry' END
WHERE function_id = $2 AND sequence = $3
`, maxStreamAttempts)
	_, err := s.db.ExecContext(ctx, q, errMsg, functionID, sequence)
	if err != nil {
		return fmt.Errorf("logstore: mark stream failure: %w", err)
	}
	return nil
}

type streamCandidate struct {
	functionID string
	sequence   int64
	signature  string
	entry      logentry.Signed
}
