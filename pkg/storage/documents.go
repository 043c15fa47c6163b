package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/compress"
	"github.com/deptrail/deptrail/pkg/errors"
)

// DocumentFormat distinguishes stored document types.
type DocumentFormat string

const (
	// FormatBOM is an uploaded bill of materials.
	FormatBOM DocumentFormat = "bom"

	// FormatVEX is an uploaded exploitability exchange document.
	FormatVEX DocumentFormat = "vex"
)

// Document is a stored upload. Data is the original bytes; the store
// compresses them at rest and decompresses on read.
type Document struct {
	ID          uuid.UUID
	ProjectUUID uuid.UUID
	Format      DocumentFormat
	Data        []byte
	CreatedAt   time.Time
}

// SaveDocument compresses and stores an uploaded document, returning its id.
// Ingest units carry the id, not the raw bytes, so a large upload is held
// once.
func (s *Store) SaveDocument(ctx context.Context, projectUUID uuid.UUID, format DocumentFormat, data []byte) (uuid.UUID, error) {
	const op = "storage.SaveDocument"

	compressed, err := s.compressor.Compress(data)
	if err != nil {
		return uuid.Nil, errors.E(errors.KindInternal, op, err)
	}

	id := uuid.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, project_uuid, format, compression_algo, data, original_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), projectUUID.String(), string(format), string(s.cfg.Compression),
		compressed, len(data), time.Now().UTC())
	if err != nil {
		return uuid.Nil, errors.E(errors.KindInternal, op, err)
	}
	return id, nil
}

// Document loads and decompresses a stored document.
func (s *Store) Document(ctx context.Context, id uuid.UUID) (*Document, error) {
	const op = "storage.Document"

	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc Document
	var docID, project, format, algo string
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_uuid, format, compression_algo, data, created_at
		FROM documents WHERE id = ?
	`, id.String()).Scan(&docID, &project, &format, &algo, &blob, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.E(errors.KindNotFound, op, "document not found")
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}

	if doc.ID, err = uuid.Parse(docID); err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	if doc.ProjectUUID, err = uuid.Parse(project); err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	doc.Format = DocumentFormat(format)

	decompressor := compress.NewCompressor(compress.Algorithm(algo), compress.LevelDefault)
	if doc.Data, err = decompressor.Decompress(blob); err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	return &doc, nil
}

// DeleteDocument removes a stored document. Called after ingest so processed
// uploads don't accumulate.
func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id.String())
	if err != nil {
		return errors.E(errors.KindInternal, "storage.DeleteDocument", err)
	}
	return nil
}
