package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db), mock
}

var docColumns = []string{"data", "version", "created_at", "updated_at"}

func TestPostgresGet(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data, version, created_at, updated_at`)).
		WithArgs("hostels", "h1").
		WillReturnRows(sqlmock.NewRows(docColumns).AddRow([]byte(`{"name":"Eagle"}`), 3, now, now))

	doc, err := p.Get(context.Background(), "hostels", "h1")
	require.NoError(t, err)
	assert.Equal(t, "h1", doc.ID)
	assert.Equal(t, int64(3), doc.Version)
	assert.Equal(t, "Eagle", doc.Fields["name"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data, version`)).
		WithArgs("hostels", "nope").
		WillReturnError(sql.ErrNoRows)

	_, err := p.Get(context.Background(), "hostels", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateConflict(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO documents`)).
		WithArgs("settings", "hostel_settings", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(docColumns))

	_, err := p.Create(context.Background(), "settings", "hostel_settings", Fields{"autoRevokeUnpaid": true})
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateWithVersion(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`AND version = $4 RETURNING data, version, created_at, updated_at`)).
		WithArgs("hostels", "h1", `{"name":"Eagle Hall"}`, 2).
		WillReturnRows(sqlmock.NewRows(docColumns).AddRow([]byte(`{"name":"Eagle Hall"}`), 3, now, now))

	doc, err := p.Update(context.Background(), "hostels", "h1", Fields{"name": "Eagle Hall"}, IfVersion(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateStaleVersion(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE documents`)).
		WithArgs("hostels", "h1", sqlmock.AnyArg(), 2).
		WillReturnRows(sqlmock.NewRows(docColumns))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data, version`)).
		WithArgs("hostels", "h1").
		WillReturnRows(sqlmock.NewRows(docColumns).AddRow([]byte(`{}`), 5, now, now))

	_, err := p.Update(context.Background(), "hostels", "h1", Fields{"name": "x"}, IfVersion(2))
	assert.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateMissing(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE documents`)).
		WithArgs("payments", "p1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(docColumns))

	_, err := p.Update(context.Background(), "payments", "p1", Fields{"status": "Approved"})
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDelete(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM documents`)).
		WithArgs("room_allocations", "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM documents`)).
		WithArgs("room_allocations", "a1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Delete(context.Background(), "room_allocations", "a1"))
	assert.ErrorIs(t, p.Delete(context.Background(), "room_allocations", "a1"), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteGuardsVersion(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM documents WHERE collection = $1 AND id = $2 AND version = $3`)).
		WithArgs("room_allocations", "a1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data, version`)).
		WithArgs("room_allocations", "a1").
		WillReturnRows(sqlmock.NewRows(docColumns).AddRow([]byte(`{"paymentStatus":"Paid"}`), 3, now, now))
	mock.ExpectExec(regexp.QuoteMeta(`AND version = $3`)).
		WithArgs("room_allocations", "a1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.ErrorIs(t, p.Delete(context.Background(), "room_allocations", "a1", IfVersion(2)), ErrVersionConflict)
	require.NoError(t, p.Delete(context.Background(), "room_allocations", "a1", IfVersion(3)))
	require.NoError(t, mock.ExpectationsWereMet())
}

type paymentStatus string

func TestPostgresListBuildsFilteredQuery(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(
		`WHERE collection = $1 AND data->>$2 = $3 AND data->>$4 = $5 ORDER BY data->$6 DESC, created_at ASC LIMIT $7 OFFSET $8`)).
		WithArgs("payments", "status", "Approved", "amount", "1500", "submittedAt", 10, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "data", "version", "created_at", "updated_at"}).
			AddRow("p1", []byte(`{"status":"Approved","amount":1500}`), 2, now, now))

	docs, err := p.List(context.Background(), "payments", Query{
		Filters: []Filter{Eq("status", paymentStatus("Approved")), Eq("amount", 1500)},
		OrderBy: "submittedAt",
		Desc:    true,
		Limit:   10,
		Offset:  20,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "p1", docs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS documents`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
