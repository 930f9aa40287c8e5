package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/simpleflo/tandem/internal/query"
	"github.com/simpleflo/tandem/pkg/models"
)

// Chunk is one document chunk to index for lexical search.
type Chunk struct {
	ChunkID      string
	DocumentID   string
	DocumentName string
	Content      string
	Metadata     map[string]string
}

// IndexChunks stores chunks and mirrors them into the FTS5 table.
func (s *Store) IndexChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.WrapError(models.ErrSessionUnavailable, "begin index transaction", err)
	}
	defer tx.Rollback()

	for _, c := range chunks {
		var metaJSON []byte
		if len(c.Metadata) > 0 {
			metaJSON, _ = json.Marshal(c.Metadata)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (chunk_id, document_id, document_name, content, metadata)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chunk_id) DO UPDATE SET
				document_id = excluded.document_id,
				document_name = excluded.document_name,
				content = excluded.content,
				metadata = excluded.metadata
		`, c.ChunkID, c.DocumentID, c.DocumentName, c.Content, string(metaJSON))
		if err != nil {
			return models.WrapError(models.ErrSessionUnavailable, "insert chunk", err)
		}

		_, err = tx.ExecContext(ctx,
			"DELETE FROM chunks_fts WHERE chunk_id = ?", c.ChunkID)
		if err != nil {
			return models.WrapError(models.ErrSessionUnavailable, "clear fts entry", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks_fts (chunk_id, document_id, document_name, content)
			VALUES (?, ?, ?, ?)
		`, c.ChunkID, c.DocumentID, c.DocumentName, c.Content)
		if err != nil {
			return models.WrapError(models.ErrSessionUnavailable, "insert fts entry", err)
		}
	}

	return tx.Commit()
}

// DeleteDocument removes a document's chunks from both tables.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.WrapError(models.ErrSessionUnavailable, "begin delete transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE document_id = ?", documentID); err != nil {
		return models.WrapError(models.ErrSessionUnavailable, "delete fts entries", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return models.WrapError(models.ErrSessionUnavailable, "delete chunks", err)
	}
	return tx.Commit()
}

// Search runs an FTS5 match and normalizes BM25 ranks to [0,1].
// Implements query.LexicalIndex.
func (s *Store) Search(ctx context.Context, text string, topK int) ([]query.Source, error) {
	if topK <= 0 {
		topK = 10
	}
	match := ftsQuery(text)
	if match == "" {
		return nil, nil
	}

	// bm25() returns lower-is-better; negate so higher is better.
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, document_name, content, -bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score DESC
		LIMIT ?
	`, match, topK)
	if err != nil {
		return nil, models.WrapError(models.ErrRetrievalUnavailable, "fts search", err)
	}
	defer rows.Close()

	var sources []query.Source
	for rows.Next() {
		var src query.Source
		var name sql.NullString
		if err := rows.Scan(&src.ChunkID, &src.DocumentID, &name, &src.Text, &src.Score); err != nil {
			return nil, models.WrapError(models.ErrRetrievalUnavailable, "scan fts row", err)
		}
		src.DocumentName = name.String
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	normalizeBM25(sources)
	return sources, nil
}

// ftsQuery converts free text into a safe FTS5 match expression: each
// token quoted and OR-joined, so user punctuation cannot break the query
// syntax.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'.,;:!?()[]{}`)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " OR ")
}

// normalizeBM25 rescales scores into [0,1] relative to the best hit.
func normalizeBM25(sources []query.Source) {
	if len(sources) == 0 {
		return
	}
	top := sources[0].Score
	if top <= 0 {
		// All ranks non-positive; fall back to rank-based scores.
		for i := range sources {
			sources[i].Score = 1.0 / float64(i+1)
		}
		return
	}
	for i := range sources {
		if sources[i].Score < 0 {
			sources[i].Score = 0
			continue
		}
		sources[i].Score /= top
	}
}

// ChunkCount returns the number of indexed chunks.
func (s *Store) ChunkCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n)
	return n, err
}
