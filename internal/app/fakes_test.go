package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"dissolve/api/internal/config"
	"dissolve/api/internal/email"
	"dissolve/api/internal/identity"
	"dissolve/api/internal/lock"
	"dissolve/api/internal/store"
)

// fakeStore keeps every collection in memory and returns one page per list call.
type fakeStore struct {
	mu            sync.Mutex
	seq           int
	residents     map[string]store.Resident
	addresses     map[string]store.Address
	consents      map[string]store.Consent
	assignments   map[string]store.Assignment
	volunteers    map[string]store.Volunteer
	registrations map[string]store.Registration

	pingFn      func(context.Context) error
	setStatusFn func(id, status string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		residents:     map[string]store.Resident{},
		addresses:     map[string]store.Address{},
		consents:      map[string]store.Consent{},
		assignments:   map[string]store.Assignment{},
		volunteers:    map[string]store.Volunteer{},
		registrations: map[string]store.Registration{},
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%03d", prefix, f.seq)
}

func sortedValues[T any](m map[string]T, keep func(T) bool) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		if keep == nil || keep(m[k]) {
			out = append(out, m[k])
		}
	}
	return out
}

func filterValue(opts store.ListOptions, field string) (string, bool) {
	if opts.Filter == nil || opts.Filter.Field != field {
		return "", false
	}
	return opts.Filter.Value, true
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) ListResidents(_ context.Context, _ store.ListOptions) (store.Page[store.Resident], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.Page[store.Resident]{Items: sortedValues(f.residents, nil)}, nil
}

func (f *fakeStore) ListAddresses(_ context.Context, _ store.ListOptions) (store.Page[store.Address], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.Page[store.Address]{Items: sortedValues(f.addresses, nil)}, nil
}

func (f *fakeStore) ListConsents(_ context.Context, opts store.ListOptions) (store.Page[store.Consent], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	residentID, filtered := filterValue(opts, "residentId")
	return store.Page[store.Consent]{Items: sortedValues(f.consents, func(c store.Consent) bool {
		return !filtered || c.ResidentID == residentID
	})}, nil
}

func (f *fakeStore) CreateConsent(_ context.Context, item store.Consent) (store.Consent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == "" {
		item.ID = f.nextID("con")
	}
	f.consents[item.ID] = item
	return item, nil
}

func (f *fakeStore) UpdateConsent(_ context.Context, item store.Consent) (store.Consent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.consents[item.ID]; !ok {
		return store.Consent{}, sql.ErrNoRows
	}
	f.consents[item.ID] = item
	return item, nil
}

func (f *fakeStore) DeleteConsent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.consents[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.consents, id)
	return nil
}

func (f *fakeStore) GetResident(_ context.Context, id string) (store.Resident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.residents[id]
	if !ok {
		return store.Resident{}, sql.ErrNoRows
	}
	return r, nil
}

func (f *fakeStore) CreateResident(_ context.Context, item store.Resident) (store.Resident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == "" {
		item.ID = f.nextID("res")
	}
	f.residents[item.ID] = item
	return item, nil
}

func (f *fakeStore) UpdateResident(_ context.Context, item store.Resident) (store.Resident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.residents[item.ID]; !ok {
		return store.Resident{}, sql.ErrNoRows
	}
	f.residents[item.ID] = item
	return item, nil
}

func (f *fakeStore) CreateAddress(_ context.Context, item store.Address) (store.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == "" {
		item.ID = f.nextID("adr")
	}
	f.addresses[item.ID] = item
	return item, nil
}

func (f *fakeStore) GetAddress(_ context.Context, id string) (store.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.addresses[id]
	if !ok {
		return store.Address{}, sql.ErrNoRows
	}
	return a, nil
}

func (f *fakeStore) ListAssignments(_ context.Context, opts store.ListOptions) (store.Page[store.Assignment], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	volunteerID, filtered := filterValue(opts, "volunteerId")
	return store.Page[store.Assignment]{Items: sortedValues(f.assignments, func(a store.Assignment) bool {
		return !filtered || a.VolunteerID == volunteerID
	})}, nil
}

func (f *fakeStore) GetAssignment(_ context.Context, id string) (store.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok {
		return store.Assignment{}, sql.ErrNoRows
	}
	return a, nil
}

func (f *fakeStore) CreateAssignment(_ context.Context, item store.Assignment) (store.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == "" {
		item.ID = f.nextID("asg")
	}
	f.assignments[item.ID] = item
	return item, nil
}

func (f *fakeStore) UpdateAssignment(_ context.Context, item store.Assignment) (store.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.assignments[item.ID]; !ok {
		return store.Assignment{}, sql.ErrNoRows
	}
	f.assignments[item.ID] = item
	return item, nil
}

func (f *fakeStore) DeleteAssignment(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.assignments[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.assignments, id)
	return nil
}

func (f *fakeStore) ListVolunteers(_ context.Context, opts store.ListOptions) (store.Page[store.Volunteer], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, filtered := filterValue(opts, "userSub")
	return store.Page[store.Volunteer]{Items: sortedValues(f.volunteers, func(v store.Volunteer) bool {
		return !filtered || v.UserSub == sub
	})}, nil
}

func (f *fakeStore) CreateVolunteer(_ context.Context, item store.Volunteer) (store.Volunteer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == "" {
		item.ID = f.nextID("vol")
	}
	f.volunteers[item.ID] = item
	return item, nil
}

func (f *fakeStore) ListRegistrations(_ context.Context, opts store.ListOptions) (store.Page[store.Registration], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keep func(store.Registration) bool
	if value, ok := filterValue(opts, "email"); ok {
		keep = func(r store.Registration) bool { return r.Email == value }
	}
	if value, ok := filterValue(opts, "status"); ok {
		keep = func(r store.Registration) bool { return r.Status == value }
	}
	return store.Page[store.Registration]{Items: sortedValues(f.registrations, keep)}, nil
}

func (f *fakeStore) GetRegistration(_ context.Context, id string) (store.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.registrations[id]
	if !ok {
		return store.Registration{}, sql.ErrNoRows
	}
	return r, nil
}

func (f *fakeStore) CreateRegistration(_ context.Context, item store.Registration) (store.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == "" {
		item.ID = f.nextID("reg")
	}
	f.registrations[item.ID] = item
	return item, nil
}

func (f *fakeStore) SetRegistrationStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setStatusFn != nil {
		if err := f.setStatusFn(id, status); err != nil {
			return err
		}
	}
	r, ok := f.registrations[id]
	if !ok {
		return sql.ErrNoRows
	}
	r.Status = status
	f.registrations[id] = r
	return nil
}

// fakeIdentity records directory calls. Users are keyed by username.
type fakeIdentity struct {
	users     map[string]store.User
	calls     []string
	signInFn  func(username, password string) (store.User, error)
	createErr error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{users: map[string]store.User{}}
}

func (f *fakeIdentity) SignIn(_ context.Context, username, password string) (store.User, error) {
	if f.signInFn != nil {
		return f.signInFn(username, password)
	}
	return store.User{}, identity.ErrInvalidCredentials
}

func (f *fakeIdentity) GetUser(_ context.Context, id string) (store.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return store.User{}, identity.ErrUserNotFound
}

func (f *fakeIdentity) CreateUser(_ context.Context, username, email string, groups []string) (store.User, string, error) {
	f.calls = append(f.calls, "create:"+username)
	if f.createErr != nil {
		return store.User{}, "", f.createErr
	}
	u := store.User{ID: "usr_" + username, Username: username, Email: email, Enabled: true, Groups: groups}
	f.users[username] = u
	return u, "Temp#Pass123", nil
}

func (f *fakeIdentity) AddUserToGroup(_ context.Context, username, group string) error {
	u, ok := f.users[username]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.Groups = append(append([]string(nil), u.Groups...), group)
	f.users[username] = u
	f.calls = append(f.calls, "add:"+username+":"+group)
	return nil
}

func (f *fakeIdentity) RemoveUserFromGroup(_ context.Context, username, group string) error {
	u, ok := f.users[username]
	if !ok {
		return identity.ErrUserNotFound
	}
	var kept []string
	for _, g := range u.Groups {
		if g != group {
			kept = append(kept, g)
		}
	}
	u.Groups = kept
	f.users[username] = u
	f.calls = append(f.calls, "remove:"+username+":"+group)
	return nil
}

func (f *fakeIdentity) DisableUser(_ context.Context, username string) error {
	u, ok := f.users[username]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.Enabled = false
	f.users[username] = u
	f.calls = append(f.calls, "disable:"+username)
	return nil
}

func (f *fakeIdentity) ListUsers(context.Context) ([]store.User, error) {
	return sortedValues(f.users, nil), nil
}

type fakeMailer struct {
	configured bool
	sent       []email.WelcomeData
	err        error
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendWelcomeEmail(data email.WelcomeData) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, data)
	return nil
}

type fakeArchive struct {
	keys []string
	err  error
}

func (f *fakeArchive) Put(_ context.Context, kind string, _ []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	key := "uploads/" + kind + "/test.csv"
	f.keys = append(f.keys, key)
	return key, nil
}

type testEnv struct {
	store    *fakeStore
	identity *fakeIdentity
	mailer   *fakeMailer
	archive  *fakeArchive
	busy     *lock.MemoryLocker
	service  *Service
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:    newFakeStore(),
		identity: newFakeIdentity(),
		mailer:   &fakeMailer{},
		archive:  &fakeArchive{},
		busy:     lock.NewMemoryLocker(lock.Options{Prefix: "busy:"}),
	}
	env.service = New(config.Config{
		JWTSecret:    "test-secret",
		PageSize:     100,
		CampaignName: "Dissolve Oak Hills",
		SignInURL:    "https://example.test/login",
	}, Deps{
		Store:    env.store,
		Identity: env.identity,
		Mailer:   env.mailer,
		Busy:     env.busy,
		Archive:  env.archive,
	})
	return env
}
