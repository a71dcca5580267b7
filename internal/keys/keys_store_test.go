package keys_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/jameslbarnes/dshield/internal/keys"
)

func TestStoreAddAndGetSigner(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := keys.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	pubPEM := "-----BEGIN PUBLIC KEY-----\nfakekey\n-----END PUBLIC KEY-----\n"
	fp := keys.Fingerprint(pubPEM)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO signers")).
		WithArgs("signer-1", "RSA-2048/RSASSA-PKCS1-v1_5/SHA-256", pubPEM, fp).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.AddSigner(context.Background(), "signer-1", pubPEM, "RSA-2048/RSASSA-PKCS1-v1_5/SHA-256"); err != nil {
		t.Fatalf("AddSigner: %v", err)
	}

	rows := sqlmock.NewRows([]string{"signer_id", "algorithm", "public_key", "fingerprint", "created_at"}).
		AddRow("signer-1", "RSA-2048/RSASSA-PKCS1-v1_5/SHA-256", pubPEM, fp, time.Now().UTC())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT signer_id, algorithm, public_key, fingerprint, created_at FROM signers WHERE signer_id=")).
		WithArgs("signer-1").
		WillReturnRows(rows)

	ki, ok, err := store.GetSigner(context.Background(), "signer-1")
	if err != nil {
		t.Fatalf("GetSigner: %v", err)
	}
	assert.True(t, ok, "expected signer-1 to be found")
	assert.Equal(t, fp, ki.Fingerprint)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreGetSignerNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := keys.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT signer_id, algorithm, public_key, fingerprint, created_at FROM signers WHERE signer_id=")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := store.GetSigner(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetSigner: %v", err)
	}
	assert.False(t, ok, "expected not-found for a missing signer")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreListAndDeleteSigner(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := keys.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	rows := sqlmock.NewRows([]string{"signer_id", "algorithm", "public_key", "fingerprint", "created_at"}).
		AddRow("signer-1", "RSA-2048/RSASSA-PKCS1-v1_5/SHA-256", "pem-1", "fp-1", time.Now().UTC()).
		AddRow("signer-2", "RSA-2048/RSASSA-PKCS1-v1_5/SHA-256", "pem-2", "fp-2", time.Now().UTC())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT signer_id, algorithm, public_key, fingerprint, created_at FROM signers ORDER BY created_at DESC")).
		WillReturnRows(rows)

	list, err := store.ListSigners(context.Background())
	if err != nil {
		t.Fatalf("ListSigners: %v", err)
	}
	assert.Len(t, list, 2)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM signers WHERE signer_id=")).
		WithArgs("signer-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.DeleteSigner(context.Background(), "signer-1"); err != nil {
		t.Fatalf("DeleteSigner: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
