package search

import (
	"context"
	"log/slog"
)

type engine interface {
	Searcher
	Indexer
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]SegmentRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  engine
	fallback Searcher
	loader   recordLoader
	log      *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(m *Meili, pgfts *PgFTS, log *slog.Logger) *Service {
	s := &Service{log: log}
	if m != nil {
		s.primary = m
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

func (s *Service) primaryHealthy() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q = normalize(q)
	if s.primaryHealthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSegment indexes a saved segment (fire-and-forget to Meilisearch).
func (s *Service) IndexSegment(rec SegmentRecord) {
	if !s.primaryHealthy() {
		return
	}
	if rec.ID == "" {
		rec.ID = RecordID(rec.ProjectID, rec.SegmentID)
	}
	go func() {
		if err := s.primary.IndexSegments([]SegmentRecord{rec}); err != nil {
			s.log.Warn("index segment failed", "project_id", rec.ProjectID, "segment_id", rec.SegmentID, "error", err)
		}
	}()
}

// DeleteSegment removes a segment from the index (fire-and-forget).
func (s *Service) DeleteSegment(projectID, segmentID string) {
	if !s.primaryHealthy() {
		return
	}
	go func() {
		if err := s.primary.DeleteSegment(projectID, segmentID); err != nil {
			s.log.Warn("delete segment from index failed", "project_id", projectID, "segment_id", segmentID, "error", err)
		}
	}()
}

// ReindexAllFromPG pushes every saved segment into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.primaryHealthy() || s.loader == nil {
		return
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error("reindex load failed", "error", err)
		return
	}
	if err := s.primary.IndexSegments(records); err != nil {
		s.log.Error("reindex segments failed", "count", len(records), "error", err)
		return
	}
	s.log.Info("reindexed segments", "count", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
