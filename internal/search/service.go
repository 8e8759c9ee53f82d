package search

import (
	"context"
	"sync"

	"dissolve/api/internal/logging"
)

// Index is the write side of the search index.
type Index interface {
	Searcher
	Healthy() bool
	IndexResidents(records []ResidentRecord) error
	DeleteResident(id string) error
}

// Service is the facade that tries the index first and falls back to the store.
type Service struct {
	index    Index
	fallback Searcher
	pending  sync.WaitGroup
}

// NewService creates a search service. index may be nil if Meilisearch is not configured.
func NewService(index Index, fallback Searcher) *Service {
	return &Service{index: index, fallback: fallback}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	log := logging.FromContext(ctx)
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "index"}
		}
		log.WithError(err).Warn("search index error, falling back to store")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Source: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.WithError(err).Error("store search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Source: "store"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "store"}
}

// Reindex pushes records to the index in the background.
func (s *Service) Reindex(ctx context.Context, records []ResidentRecord) {
	if !s.indexReady() || len(records) == 0 {
		return
	}
	log := logging.FromContext(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.IndexResidents(records); err != nil {
			log.WithError(err).WithField("count", len(records)).Warn("reindex residents failed")
			return
		}
		log.WithField("count", len(records)).Info("reindexed residents")
	}()
}

// Forget removes a resident from the index in the background.
func (s *Service) Forget(ctx context.Context, residentID string) {
	if !s.indexReady() {
		return
	}
	log := logging.FromContext(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.DeleteResident(residentID); err != nil {
			log.WithError(err).WithField("resident_id", residentID).Warn("remove resident from index failed")
		}
	}()
}

// Wait blocks until background index writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
