// Package search finds residents by name, street or person id.
package search

import (
	"context"
	"strings"

	"dissolve/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ResidentID string `json:"residentId"`
	PersonID   string `json:"personId"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	AddressID  string `json:"addressId"`
	Street     string `json:"street"`
	City       string `json:"city"`
	HasSigned  bool   `json:"hasSigned"`
	// Snippet is the highlighted match when the index provides one.
	Snippet string `json:"snippet,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text string
	// SignedOnly and UnsignedOnly narrow results by consent state; both false means all.
	SignedOnly   bool
	UnsignedOnly bool
	Limit        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// Searcher can execute a resident search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// ResidentRecord is the document stored in the search index.
type ResidentRecord struct {
	ID        string `json:"id"`
	PersonID  string `json:"personId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	AddressID string `json:"addressId"`
	Street    string `json:"street"`
	City      string `json:"city"`
	HasSigned bool   `json:"hasSigned"`
}

// RecordsFrom joins residents with their addresses for indexing.
func RecordsFrom(residents []store.Resident, addresses []store.Address) []ResidentRecord {
	byID := make(map[string]store.Address, len(addresses))
	for _, a := range addresses {
		byID[a.ID] = a
	}
	records := make([]ResidentRecord, 0, len(residents))
	for _, r := range residents {
		a := byID[r.AddressID]
		records = append(records, ResidentRecord{
			ID:        r.ID,
			PersonID:  r.PersonID,
			FirstName: r.FirstName,
			LastName:  r.LastName,
			AddressID: r.AddressID,
			Street:    a.Street,
			City:      a.City,
			HasSigned: r.HasSigned,
		})
	}
	return records
}

// StoreSearcher is the Postgres fallback used when the index is unavailable.
type StoreSearcher struct {
	store interface {
		SearchResidents(ctx context.Context, text string, limit int) ([]store.ResidentSearchRow, error)
	}
}

func NewStoreSearcher(st interface {
	SearchResidents(ctx context.Context, text string, limit int) ([]store.ResidentSearchRow, error)
}) *StoreSearcher {
	return &StoreSearcher{store: st}
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	rows, err := s.store.SearchResidents(ctx, text, limitOrDefault(q.Limit))
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		if (q.SignedOnly && !row.HasSigned) || (q.UnsignedOnly && row.HasSigned) {
			continue
		}
		results = append(results, Result{
			ResidentID: row.ID,
			PersonID:   row.PersonID,
			FirstName:  row.FirstName,
			LastName:   row.LastName,
			AddressID:  row.AddressID,
			Street:     row.Street,
			City:       row.City,
			HasSigned:  row.HasSigned,
		})
	}
	return results, len(results), nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
