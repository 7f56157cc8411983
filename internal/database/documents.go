package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

const documentColumns = `id, hash_id, content_hash, categoria, original_name, stored_name,
	descrizione, relative_path, uploaded_at, deleted_at`

// DocumentRegistry stores section document records in the section_documents
// table. Timestamps are kept as RFC 3339 text in UTC.
type DocumentRegistry struct {
	db *sql.DB
}

func NewDocumentRegistry(db *sql.DB) *DocumentRegistry {
	return &DocumentRegistry{db: db}
}

// Close closes the underlying connection.
func (r *DocumentRegistry) Close() error {
	return r.db.Close()
}

func (r *DocumentRegistry) InsertDocument(ctx context.Context, d *glr.Document) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO section_documents
		(hash_id, content_hash, categoria, original_name, stored_name, descrizione, relative_path, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Token, d.ContentHash, d.Category, d.OriginalName, d.StoredName, d.Description,
		d.RelativePath, formatTime(d.UploadedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert document: %w", err)
	}
	return res.LastInsertId()
}

func (r *DocumentRegistry) GetDocument(ctx context.Context, id int64) (*glr.Document, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM section_documents WHERE id = ? AND deleted_at IS NULL`, id)
	return scanDocument(row)
}

func (r *DocumentRegistry) FindDocumentByHash(ctx context.Context, contentHash string) (*glr.Document, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM section_documents
		WHERE content_hash = ? AND deleted_at IS NULL ORDER BY id LIMIT 1`, contentHash)
	return scanDocument(row)
}

func (r *DocumentRegistry) TokenInUse(ctx context.Context, token string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM section_documents WHERE hash_id = ?`, token).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check token: %w", err)
	}
	return n > 0, nil
}

func (r *DocumentRegistry) ListDocuments(ctx context.Context) ([]*glr.Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM section_documents
		WHERE deleted_at IS NULL ORDER BY categoria, uploaded_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*glr.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

func (r *DocumentRegistry) UpdateDocument(ctx context.Context, d *glr.Document) error {
	res, err := r.db.ExecContext(ctx, `UPDATE section_documents
		SET categoria = ?, descrizione = ?, relative_path = ?
		WHERE id = ? AND deleted_at IS NULL`,
		d.Category, d.Description, d.RelativePath, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return requireOneRow(res, d.ID)
}

func (r *DocumentRegistry) SoftDeleteDocument(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE section_documents SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return requireOneRow(res, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*glr.Document, error) {
	var (
		d         glr.Document
		uploaded  string
		deletedAt sql.NullString
	)
	err := row.Scan(&d.ID, &d.Token, &d.ContentHash, &d.Category, &d.OriginalName, &d.StoredName,
		&d.Description, &d.RelativePath, &uploaded, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	if d.UploadedAt, err = parseTime(uploaded); err != nil {
		return nil, fmt.Errorf("document %d: %w", d.ID, err)
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", d.ID, err)
		}
		d.DeletedAt = &t
	}
	return &d, nil
}

func requireOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %d not found", id)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

var _ glr.DocumentRegistry = (*DocumentRegistry)(nil)
