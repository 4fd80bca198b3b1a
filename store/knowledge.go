package store

import (
	"context"
	"time"
)

// KnowledgeEntry is a title/content pair with an associated dense embedding
// of fixed dimension. Entries feed the responder's retrieval step and
// semantic deduplication.
type KnowledgeEntry struct {
	ID        string
	Title     string
	Content   string
	Category  string
	Embedding []float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type FindKnowledgeEntry struct {
	ID       *string
	Category *string
	Limit    *int
}

// KnowledgeMatch pairs an entry with its cosine similarity to a query vector.
type KnowledgeMatch struct {
	Entry      *KnowledgeEntry
	Similarity float64
}

func (s *Store) CreateKnowledgeEntry(ctx context.Context, create *KnowledgeEntry) (*KnowledgeEntry, error) {
	return s.driver.CreateKnowledgeEntry(ctx, create)
}

func (s *Store) ListKnowledgeEntries(ctx context.Context, find *FindKnowledgeEntry) ([]*KnowledgeEntry, error) {
	return s.driver.ListKnowledgeEntries(ctx, find)
}

func (s *Store) DeleteKnowledgeEntry(ctx context.Context, id string) error {
	return s.driver.DeleteKnowledgeEntry(ctx, id)
}

// SearchKnowledge returns the topK entries most similar to the query
// embedding, ordered by descending cosine similarity.
func (s *Store) SearchKnowledge(ctx context.Context, embedding []float64, topK int) ([]*KnowledgeMatch, error) {
	return s.driver.SearchKnowledge(ctx, embedding, topK)
}
