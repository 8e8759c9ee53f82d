package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dissolve/api/internal/auth"
	"dissolve/api/internal/config"
	"dissolve/api/internal/email"
	"dissolve/api/internal/identity"
	"dissolve/api/internal/loader"
	"dissolve/api/internal/lock"
	"dissolve/api/internal/rbac"
	"dissolve/api/internal/reconcile"
	"dissolve/api/internal/search"
	"dissolve/api/internal/store"
	"dissolve/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Groups    []string
	ExpiresAt time.Time
}

// Can reports whether any of the session's groups grants action.
func (s Session) Can(action rbac.Action) bool {
	return rbac.CanAny(s.Groups, action)
}

type dataStore interface {
	loader.Source
	reconcile.Store
	reconcile.RosterStore
	ListAssignments(context.Context, store.ListOptions) (store.Page[store.Assignment], error)
	GetAssignment(context.Context, string) (store.Assignment, error)
	CreateAssignment(context.Context, store.Assignment) (store.Assignment, error)
	UpdateAssignment(context.Context, store.Assignment) (store.Assignment, error)
	DeleteAssignment(context.Context, string) error
	ListVolunteers(context.Context, store.ListOptions) (store.Page[store.Volunteer], error)
	CreateVolunteer(context.Context, store.Volunteer) (store.Volunteer, error)
	GetAddress(context.Context, string) (store.Address, error)
	ListRegistrations(context.Context, store.ListOptions) (store.Page[store.Registration], error)
	GetRegistration(context.Context, string) (store.Registration, error)
	CreateRegistration(context.Context, store.Registration) (store.Registration, error)
	SetRegistrationStatus(context.Context, string, string) error
	Ping(ctx context.Context) error
}

type identityService interface {
	SignIn(ctx context.Context, username, password string) (store.User, error)
	GetUser(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, username, email string, groups []string) (store.User, string, error)
	AddUserToGroup(ctx context.Context, username, group string) error
	RemoveUserFromGroup(ctx context.Context, username, group string) error
	DisableUser(ctx context.Context, username string) error
	ListUsers(ctx context.Context) ([]store.User, error)
}

type mailer interface {
	IsConfigured() bool
	SendWelcomeEmail(data email.WelcomeData) error
}

type archiver interface {
	Put(ctx context.Context, kind string, body []byte) (string, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	Reindex(ctx context.Context, records []search.ResidentRecord)
}

// Deps are the collaborators a Service needs. Archive and Search may be nil.
type Deps struct {
	Store    dataStore
	Identity identityService
	Mailer   mailer
	// Busy keeps one bulk operation of a kind running at a time.
	Busy reconcile.Locker
	// ResidentLocks serializes consent creation per resident.
	ResidentLocks reconcile.Locker
	Archive       archiver
	Search        searcher
}

type Service struct {
	cfg           config.Config
	store         dataStore
	identity      identityService
	mailer        mailer
	busy          reconcile.Locker
	residentLocks reconcile.Locker
	archive       archiver
	search        searcher
	now           func() time.Time
}

// New builds a Service. Missing lockers fall back to process-local ones.
func New(cfg config.Config, deps Deps) *Service {
	if deps.Busy == nil {
		deps.Busy = lock.NewMemoryLocker(lock.Options{Prefix: "busy:", TTL: cfg.OperationLockTTL, Refresh: cfg.OperationLockTTL / 3})
	}
	if deps.ResidentLocks == nil {
		deps.ResidentLocks = lock.NewMemoryLocker(lock.Options{Prefix: "lock:", TTL: cfg.ResidentLockTTL, Wait: 5 * time.Second})
	}
	return &Service{
		cfg:           cfg,
		store:         deps.Store,
		identity:      deps.Identity,
		mailer:        deps.Mailer,
		busy:          deps.Busy,
		residentLocks: deps.ResidentLocks,
		archive:       deps.Archive,
		search:        deps.Search,
		now:           time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login checks credentials and issues a signed session token.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.identity.SignIn(ctx, username, password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) || errors.Is(err, identity.ErrUserDisabled) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
		}
		return Session{}, err
	}
	groups := rbac.Known(user.Groups)
	ttl := s.cfg.AccessTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Username, groups, ttl, util.NewID("jti"))
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		Groups:    groups,
		ExpiresAt: s.now().Add(ttl),
	}, nil
}

// SessionFromToken verifies token and reloads its account, so a disabled
// user or a group change takes effect before the token expires.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.identity.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return Session{}, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
		}
		return Session{}, err
	}
	if !user.Enabled {
		return Session{}, fmt.Errorf("%w: %v", auth.ErrInvalidToken, identity.ErrUserDisabled)
	}
	session := Session{
		Token:    token,
		UserID:   user.ID,
		UserName: user.Username,
		Groups:   rbac.Known(user.Groups),
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}
