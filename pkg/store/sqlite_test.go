package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papiche/UPassport-sub000/pkg/permit"
)

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "permits.db"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, sampleSnapshot()))

	got, err := s.Load(ctx)
	require.NoError(t, err)

	want := sampleSnapshot()
	assert.Equal(t, want.Definitions, got.Definitions)
	assert.Equal(t, want.Requests, got.Requests)
	assert.Equal(t, want.Attestations, got.Attestations)
	assert.Equal(t, want.Credentials, got.Credentials)
}

func TestSQLiteStore_SaveReplacesSnapshot(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "permits.db"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, sampleSnapshot()))

	next := NewSnapshot()
	next.Definitions["permit_driver_v1"] = &permit.Definition{
		ID:              "permit_driver_v1",
		Name:            "Driver",
		IssuerDID:       "did:nostr:authority",
		MinAttestations: 1,
	}
	require.NoError(t, s.Save(ctx, next))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Definitions, 1)
	assert.Contains(t, got.Definitions, "permit_driver_v1")
	assert.Empty(t, got.Requests)
	assert.Empty(t, got.Credentials)
}

func TestSQLiteStore_SkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "permits.db"), nil)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO permit_requests (id, record) VALUES (?, ?), (?, ?)",
		"req_good", `{"request_id": "req_good", "status": "pending"}`,
		"req_bad", `{"request_id": "req_bad", "status": "cancelled"}`)
	require.NoError(t, err)

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Requests, 1)
	assert.Contains(t, snap.Requests, "req_good")
}

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for range sqliteTables {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := NewSQLiteStore(db, nil)
	require.NoError(t, err)
	return s, mock
}

func TestSQLiteStore_LoadQueryError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, record FROM permit_definitions").
		WillReturnError(fmt.Errorf("disk I/O error"))

	_, err := s.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permit_definitions")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_SaveRollsBackOnInsertError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM permit_definitions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO permit_definitions").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	snap := NewSnapshot()
	snap.Definitions["permit_ore_v1"] = &permit.Definition{ID: "permit_ore_v1"}

	err := s.Save(context.Background(), snap)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
