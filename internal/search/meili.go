package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sirupsen/logrus"
)

const idxResidents = "hoa_residents"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *logrus.Entry
}

// NewMeili creates a Meilisearch client and configures the resident index.
// An unreachable server leaves the client unhealthy until the health loop
// sees it recover.
func NewMeili(url, apiKey string, log *logrus.Entry) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log.WithField("component", "search"),
	}

	if _, err := client.Health(); err != nil {
		m.log.WithError(err).WithField("url", url).Warn("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxResidents,
		PrimaryKey: "id",
	}); err != nil {
		m.log.WithError(err).Debug("create index (may already exist)")
	}

	index := m.client.Index(idxResidents)
	filterable := []interface{}{"hasSigned", "city", "addressId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.WithError(err).Warn("update filterable attributes")
	}
	searchable := []string{"lastName", "firstName", "street", "personId"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.WithError(err).Warn("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	sr := &meili.SearchRequest{
		IndexUID:              idxResidents,
		Query:                 q.Text,
		Limit:                 int64(limitOrDefault(q.Limit)),
		AttributesToHighlight: []string{"firstName", "lastName", "street"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filter := signedFilter(q); filter != "" {
		sr.Filter = filter
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var (
		results []Result
		total   int
	)
	for _, r := range resp.Results {
		total += int(r.EstimatedTotalHits)
		for _, hit := range r.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func signedFilter(q Query) string {
	switch {
	case q.SignedOnly:
		return "hasSigned = true"
	case q.UnsignedOnly:
		return "hasSigned = false"
	}
	return ""
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ResidentID: decodeString(hit, "id"),
		PersonID:   decodeString(hit, "personId"),
		FirstName:  decodeString(hit, "firstName"),
		LastName:   decodeString(hit, "lastName"),
		AddressID:  decodeString(hit, "addressId"),
		Street:     decodeString(hit, "street"),
		City:       decodeString(hit, "city"),
	}
	if raw, ok := hit["hasSigned"]; ok {
		_ = json.Unmarshal(raw, &r.HasSigned)
	}
	name := strings.TrimSpace(decodeFormattedString(hit, "firstName") + " " + decodeFormattedString(hit, "lastName"))
	street := decodeFormattedString(hit, "street")
	if strings.Contains(name+street, "<mark>") {
		r.Snippet = strings.TrimSpace(name + ", " + street)
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// IndexResidents adds or replaces resident documents.
func (m *Meili) IndexResidents(records []ResidentRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxResidents).AddDocuments(records, nil)
	return err
}

// DeleteResident removes a resident from the index.
func (m *Meili) DeleteResident(id string) error {
	_, err := m.client.Index(idxResidents).DeleteDocument(id, nil)
	return err
}
