package search

import (
	"context"
	"log/slog"
	"time"

	"docsync/live/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG
// FTS. Either backend may be nil.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger *slog.Logger
}

func NewService(meili *Meili, pgfts *PgFTS, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, pgfts: pgfts, logger: logger}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", "error", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument pushes the text of a saved document to Meilisearch. PG FTS
// reads the stored text directly and needs no indexing.
func (s *Service) IndexDocument(_ context.Context, key store.DocumentKey, text string) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili.IndexDocument(NewRecord(key, text, time.Now()))
}

// DeleteDocument removes a document from the index.
func (s *Service) DeleteDocument(key store.DocumentKey) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili.DeleteDocument(RecordID(key))
}

// ReindexAllFromPG pushes every stored document into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "error", err)
		return
	}
	if err := s.meili.IndexDocuments(records); err != nil {
		s.logger.Error("reindex documents failed", "error", err)
		return
	}
	s.logger.Info("reindexed documents", "count", len(records))
}

func storeKey(r DocumentRecord) store.DocumentKey {
	return store.DocumentKey{Workspace: r.Workspace, Project: r.Project, DocumentID: r.DocumentID}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
