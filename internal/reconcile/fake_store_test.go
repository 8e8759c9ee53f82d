package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"dissolve/api/internal/loader"
	"dissolve/api/internal/store"
)

// memStore is an in-memory collection store. The fn fields inject failures.
type memStore struct {
	mu        sync.Mutex
	seq       int
	residents map[string]store.Resident
	addresses map[string]store.Address
	consents  map[string]store.Consent

	updateResidentFn func(store.Resident) error
	deleteConsentFn  func(string) error
	createConsentFn  func(store.Consent) error
}

func newMemStore() *memStore {
	return &memStore{
		residents: map[string]store.Resident{},
		addresses: map[string]store.Address{},
		consents:  map[string]store.Consent{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_%03d", prefix, m.seq)
}

func (m *memStore) reference() loader.Reference {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ref loader.Reference
	for _, r := range m.residents {
		ref.Residents = append(ref.Residents, r)
	}
	for _, c := range m.consents {
		ref.Consents = append(ref.Consents, c)
	}
	for _, a := range m.addresses {
		ref.Addresses = append(ref.Addresses, a)
	}
	return ref
}

func (m *memStore) consentsFor(residentID string) []store.Consent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Consent
	for _, c := range m.consents {
		if c.ResidentID == residentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) ListConsents(_ context.Context, opts store.ListOptions) (store.Page[store.Consent], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []store.Consent
	for _, c := range m.consents {
		if opts.Filter != nil && opts.Filter.Field == "residentId" && c.ResidentID != opts.Filter.Value {
			continue
		}
		items = append(items, c)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return store.Page[store.Consent]{Items: items}, nil
}

func (m *memStore) CreateConsent(_ context.Context, item store.Consent) (store.Consent, error) {
	if m.createConsentFn != nil {
		if err := m.createConsentFn(item); err != nil {
			return store.Consent{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = m.nextID("con")
	item.CreatedAt = time.Date(2026, 1, 1, 0, 0, m.seq, 0, time.UTC)
	m.consents[item.ID] = item
	return item, nil
}

func (m *memStore) UpdateConsent(_ context.Context, item store.Consent) (store.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consents[item.ID]; !ok {
		return store.Consent{}, sql.ErrNoRows
	}
	m.consents[item.ID] = item
	return item, nil
}

func (m *memStore) DeleteConsent(_ context.Context, id string) error {
	if m.deleteConsentFn != nil {
		if err := m.deleteConsentFn(id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consents[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.consents, id)
	return nil
}

func (m *memStore) GetResident(_ context.Context, id string) (store.Resident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.residents[id]
	if !ok {
		return store.Resident{}, sql.ErrNoRows
	}
	return r, nil
}

func (m *memStore) CreateResident(_ context.Context, item store.Resident) (store.Resident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == "" {
		item.ID = m.nextID("res")
	}
	m.residents[item.ID] = item
	return item, nil
}

func (m *memStore) UpdateResident(_ context.Context, item store.Resident) (store.Resident, error) {
	if m.updateResidentFn != nil {
		if err := m.updateResidentFn(item); err != nil {
			return store.Resident{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.residents[item.ID]; !ok {
		return store.Resident{}, sql.ErrNoRows
	}
	m.residents[item.ID] = item
	return item, nil
}

func (m *memStore) CreateAddress(_ context.Context, item store.Address) (store.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == "" {
		item.ID = m.nextID("adr")
	}
	m.addresses[item.ID] = item
	return item, nil
}

func (m *memStore) addAddress(a store.Address) {
	m.addresses[a.ID] = a
}

func (m *memStore) addResident(r store.Resident) {
	m.residents[r.ID] = r
}

func (m *memStore) addConsent(c store.Consent) {
	m.consents[c.ID] = c
}

// recordingLocker records acquired keys and can refuse them.
type recordingLocker struct {
	mu       sync.Mutex
	acquired []string
	released int
	err      error
}

func (l *recordingLocker) Acquire(_ context.Context, key string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	l.acquired = append(l.acquired, key)
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, nil
}
