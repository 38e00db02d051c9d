package search

import (
	"context"
	"log"

	"temerio/api/internal/store"
)

type meiliBackend interface {
	Healthy() bool
	Search(Query) ([]Result, int, error)
	IndexPeople([]PersonRecord) error
	IndexMoments([]MomentRecord) error
}

type fallbackBackend interface {
	Search(context.Context, Query) ([]Result, int, error)
	LoadAllRecords(context.Context) ([]PersonRecord, []MomentRecord, error)
}

// Service tries Meilisearch first and falls back to Postgres FTS.
type Service struct {
	meili meiliBackend
	pgfts fallbackBackend
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.meili = meili
	}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPerson pushes a person to Meilisearch in the background.
func (s *Service) IndexPerson(_ context.Context, p store.Person) {
	if !s.meiliReady() {
		return
	}
	record := PersonRecordFrom(p)
	go func() {
		if err := s.meili.IndexPeople([]PersonRecord{record}); err != nil {
			log.Printf("search: index person %s: %v", record.ID, err)
		}
	}()
}

// IndexMoment pushes a moment to Meilisearch in the background.
func (s *Service) IndexMoment(_ context.Context, m store.Moment) {
	if !s.meiliReady() {
		return
	}
	record := MomentRecordFrom(m)
	go func() {
		if err := s.meili.IndexMoments([]MomentRecord{record}); err != nil {
			log.Printf("search: index moment %s: %v", record.ID, err)
		}
	}()
}

// ReindexAllFromPG reloads every person and moment into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.meiliReady() || s.pgfts == nil {
		return
	}
	people, moments, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexPeople(people); err != nil {
		log.Printf("search: reindex people: %v", err)
	}
	if err := s.meili.IndexMoments(moments); err != nil {
		log.Printf("search: reindex moments: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
