package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/butler/store"
)

// Embeddings are stored as a JSON array of floats and compared with
// application-layer cosine similarity. A single-tenant knowledge base is
// small enough that a full scan beats maintaining a vector index.

const knowledgeFields = "id, title, content, category, embedding, created_at, updated_at"

func scanKnowledgeEntry(row interface{ Scan(...any) error }) (*store.KnowledgeEntry, error) {
	var e store.KnowledgeEntry
	var embedding sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(
		&e.ID,
		&e.Title,
		&e.Content,
		&e.Category,
		&embedding,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &e.Embedding); err != nil {
			return nil, errors.Wrap(err, "failed to decode embedding")
		}
	}
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func (d *DB) CreateKnowledgeEntry(ctx context.Context, create *store.KnowledgeEntry) (*store.KnowledgeEntry, error) {
	now := formatTime(time.Now())
	var embedding any
	if create.Embedding != nil {
		b, err := json.Marshal(create.Embedding)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode embedding")
		}
		embedding = string(b)
	}
	stmt := `
		INSERT INTO knowledge_entry (` + knowledgeFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + knowledgeFields
	e, err := scanKnowledgeEntry(d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.Title,
		create.Content,
		create.Category,
		embedding,
		now,
		now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create knowledge entry")
	}
	return e, nil
}

func (d *DB) ListKnowledgeEntries(ctx context.Context, find *store.FindKnowledgeEntry) ([]*store.KnowledgeEntry, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Category != nil {
		where, args = append(where, "category = ?"), append(args, *find.Category)
	}

	query := `SELECT ` + knowledgeFields + ` FROM knowledge_entry WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at ASC`
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list knowledge entries")
	}
	defer rows.Close()

	var entries []*store.KnowledgeEntry
	for rows.Next() {
		e, err := scanKnowledgeEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan knowledge entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (d *DB) DeleteKnowledgeEntry(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM knowledge_entry WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "failed to delete knowledge entry")
	}
	return nil
}

func (d *DB) SearchKnowledge(ctx context.Context, embedding []float64, topK int) ([]*store.KnowledgeMatch, error) {
	entries, err := d.ListKnowledgeEntries(ctx, &store.FindKnowledgeEntry{})
	if err != nil {
		return nil, err
	}

	matches := make([]*store.KnowledgeMatch, 0, len(entries))
	for _, entry := range entries {
		if len(entry.Embedding) != len(embedding) {
			continue
		}
		matches = append(matches, &store.KnowledgeMatch{
			Entry:      entry,
			Similarity: cosineSimilarity(embedding, entry.Embedding),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
