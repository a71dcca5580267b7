package keys

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store is a Postgres-backed signer registry.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store and ensures the signers table exists.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTable() error {
	const q = `
CREATE TABLE IF NOT EXISTS signers (
  signer_id text PRIMARY KEY,
  algorithm text NOT NULL,
  public_key text NOT NULL,
  fingerprint text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_signers_created_at ON signers (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_signers_fingerprint ON signers (fingerprint);
`
	_, err := s.db.Exec(q)
	return err
}

// AddSigner inserts or updates a signer record. publicKeyPEM is stored
// verbatim; the fingerprint is derived from it, not trusted from the caller.
func (s *Store) AddSigner(ctx context.Context, signerId string, publicKeyPEM string, algorithm string) error {
	fp := Fingerprint(publicKeyPEM)
	const q = `
INSERT INTO signers (signer_id, algorithm, public_key, fingerprint, created_at)
VALUES ($1,$2,$3,$4, now())
ON CONFLICT (signer_id) DO UPDATE
  SET algorithm = EXCLUDED.algorithm,
      public_key = EXCLUDED.public_key,
      fingerprint = EXCLUDED.fingerprint,
      created_at = EXCLUDED.created_at
`
	_, err := s.db.ExecContext(ctx, q, signerId, algorithm, publicKeyPEM, fp)
	return err
}

// GetSigner fetches a signer by id. Returns (KeyInfo, true, nil) if found, (nil,false,nil) if not found.
func (s *Store) GetSigner(ctx context.Context, signerId string) (*KeyInfo, bool, error) {
	const q = `SELECT signer_id, algorithm, public_key, fingerprint, created_at FROM signers WHERE signer_id=$1`
	row := s.db.QueryRowContext(ctx, q, signerId)
	var ki KeyInfo
	if err := row.Scan(&ki.SignerId, &ki.Algorithm, &ki.PublicKey, &ki.Fingerprint, &ki.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query signer: %w", err)
	}
	return &ki, true, nil
}

// ListSigners returns all registered signers ordered by created_at desc.
func (s *Store) ListSigners(ctx context.Context) ([]KeyInfo, error) {
	const q = `SELECT signer_id, algorithm, public_key, fingerprint, created_at FROM signers ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query signers: %w", err)
	}
	defer rows.Close()

	out := make([]KeyInfo, 0)
	for rows.Next() {
		var ki KeyInfo
		var createdAt time.Time
		if err := rows.Scan(&ki.SignerId, &ki.Algorithm, &ki.PublicKey, &ki.Fingerprint, &createdAt); err != nil {
			return nil, fmt.Errorf("scan signer row: %w", err)
		}
		ki.CreatedAt = createdAt
		out = append(out, ki)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// DeleteSigner deletes a signer by id.
func (s *Store) DeleteSigner(ctx context.Context, signerId string) error {
	const q = `DELETE FROM signers WHERE signer_id=$1`
	_, err := s.db.ExecContext(ctx, q, signerId)
	return err
}
