package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	data       JSONB       NOT NULL DEFAULT '{}'::jsonb,
	version    BIGINT      NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_collection_created ON documents (collection, created_at);
`

// Postgres stores every collection in a single JSONB table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the documents table when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (*Document, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT data, version, created_at, updated_at
		FROM documents WHERE collection = $1 AND id = $2
	`, collection, id)
	doc, err := scanDocument(row, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return nil, err
	}
	return doc, nil
}

func (p *Postgres) List(ctx context.Context, collection string, q Query) ([]*Document, error) {
	query := `SELECT id, data, version, created_at, updated_at FROM documents WHERE collection = $1`
	args := []any{collection}
	for _, f := range q.Filters {
		value, err := textValue(f.Value)
		if err != nil {
			return nil, err
		}
		query += " AND data->>$" + itoa(len(args)+1) + " = $" + itoa(len(args)+2)
		args = append(args, f.Field, value)
	}

	dir := " ASC"
	if q.Desc {
		dir = " DESC"
	}
	switch q.OrderBy {
	case "", OrderCreatedAt:
		query += " ORDER BY created_at" + dir + ", id" + dir
	case OrderUpdatedAt:
		query += " ORDER BY updated_at" + dir + ", id" + dir
	default:
		query += " ORDER BY data->$" + itoa(len(args)+1) + dir + ", created_at ASC"
		args = append(args, q.OrderBy)
	}
	if q.Limit > 0 {
		query += " LIMIT $" + itoa(len(args)+1)
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET $" + itoa(len(args)+1)
		args = append(args, q.Offset)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Document
	for rows.Next() {
		var (
			id  string
			raw []byte
			doc Document
		)
		if err := rows.Scan(&id, &raw, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		doc.ID = id
		if err := json.Unmarshal(raw, &doc.Fields); err != nil {
			return nil, fmt.Errorf("store: decode %s/%s: %w", collection, id, err)
		}
		res = append(res, &doc)
	}
	return res, rows.Err()
}

func (p *Postgres) Create(ctx context.Context, collection, id string, fields Fields) (*Document, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if fields == nil {
		fields = Fields{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO NOTHING
		RETURNING data, version, created_at, updated_at
	`, collection, id, string(raw))
	doc, err := scanDocument(row, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrConflict)
		}
		return nil, err
	}
	return doc, nil
}

func (p *Postgres) Update(ctx context.Context, collection, id string, fields Fields, opts ...WriteOption) (*Document, error) {
	o := applyWriteOptions(opts)
	if fields == nil {
		fields = Fields{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
	}

	query := `
		UPDATE documents
		SET data = data || $3::jsonb, version = version + 1, updated_at = NOW()
		WHERE collection = $1 AND id = $2`
	args := []any{collection, id, string(raw)}
	if o.checkVersion {
		query += " AND version = $4"
		args = append(args, o.version)
	}
	query += " RETURNING data, version, created_at, updated_at"

	doc, err := scanDocument(p.db.QueryRowContext(ctx, query, args...), id)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if !o.checkVersion {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	// Zero rows under a version guard: either the document is gone or it moved on.
	if _, getErr := p.Get(ctx, collection, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%s/%s expected version %d: %w", collection, id, o.version, ErrVersionConflict)
}

func (p *Postgres) Delete(ctx context.Context, collection, id string, opts ...WriteOption) error {
	o := applyWriteOptions(opts)
	query := `DELETE FROM documents WHERE collection = $1 AND id = $2`
	args := []any{collection, id}
	if o.checkVersion {
		query += " AND version = $3"
		args = append(args, o.version)
	}
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if !o.checkVersion {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if _, getErr := p.Get(ctx, collection, id); getErr != nil {
		return getErr
	}
	return fmt.Errorf("%s/%s expected version %d: %w", collection, id, o.version, ErrVersionConflict)
}

func scanDocument(row *sql.Row, id string) (*Document, error) {
	var (
		raw []byte
		doc = Document{ID: id}
	)
	if err := row.Scan(&raw, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &doc.Fields); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", id, err)
	}
	return &doc, nil
}

// textValue renders a filter value the way ->> renders the stored JSON value.
func textValue(v any) (string, error) {
	switch tv := v.(type) {
	case string:
		return tv, nil
	case time.Time:
		return tv.Format(time.RFC3339Nano), nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
		return rv.String(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: encode filter value: %w", err)
	}
	return strings.Trim(string(raw), `"`), nil
}

func itoa(i int) string { return strconv.Itoa(i) }
