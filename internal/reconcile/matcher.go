// Package reconcile matches uploaded CSV rows to roster records and applies
// consent and resident changes.
package reconcile

import (
	"sort"
	"strings"

	"dissolve/api/internal/normalize"
	"dissolve/api/internal/store"
)

// Matcher resolves upload rows to residents. Candidates are indexed in
// ascending resident ID order and the first indexed resident wins a key, so
// ties resolve the same way regardless of load order.
type Matcher struct {
	byPersonID   map[string]store.Resident
	byLegacyID   map[string]store.Resident
	byNameStreet map[string]store.Resident
}

func NewMatcher(residents []store.Resident, addresses []store.Address) *Matcher {
	streets := make(map[string]string, len(addresses))
	for _, a := range addresses {
		streets[a.ID] = a.Street
	}

	sorted := append([]store.Resident(nil), residents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	m := &Matcher{
		byPersonID:   make(map[string]store.Resident, len(sorted)),
		byLegacyID:   make(map[string]store.Resident, len(sorted)),
		byNameStreet: make(map[string]store.Resident, len(sorted)),
	}
	for _, r := range sorted {
		putFirst(m.byPersonID, strings.TrimSpace(r.PersonID), r)
		putFirst(m.byLegacyID, strings.TrimSpace(r.LegacyPersonID), r)
		if street, ok := streets[r.AddressID]; ok {
			putFirst(m.byNameStreet, nameStreetKey(r.FirstName, r.LastName, street), r)
		}
	}
	return m
}

func putFirst(index map[string]store.Resident, key string, r store.Resident) {
	if key == "" {
		return
	}
	if _, taken := index[key]; !taken {
		index[key] = r
	}
}

// ByPersonID tries the canonical identifier across all residents before the
// legacy alias.
func (m *Matcher) ByPersonID(id string) (store.Resident, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return store.Resident{}, false
	}
	if r, ok := m.byPersonID[id]; ok {
		return r, true
	}
	r, ok := m.byLegacyID[id]
	return r, ok
}

// ByNameStreet matches case-insensitive first and last name at a street
// compared under the last-token policy.
func (m *Matcher) ByNameStreet(first, last, street string) (store.Resident, bool) {
	key := nameStreetKey(first, last, street)
	if key == "" {
		return store.Resident{}, false
	}
	r, ok := m.byNameStreet[key]
	return r, ok
}

func nameStreetKey(first, last, street string) string {
	first = strings.ToLower(strings.TrimSpace(first))
	last = strings.ToLower(strings.TrimSpace(last))
	street = normalize.Address(street)
	if first == "" || last == "" || street == "" {
		return ""
	}
	return first + "\x00" + last + "\x00" + street
}
