// Package identity manages campaign user accounts, group membership and
// password sign-in.
package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"dissolve/api/internal/rbac"
	"dissolve/api/internal/store"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserDisabled       = errors.New("user is disabled")
	ErrUnknownGroup       = errors.New("unknown group")
)

type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	CountUsers(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, item store.User) (store.User, error)
	AddUserToGroup(ctx context.Context, userID, group string) error
	RemoveUserFromGroup(ctx context.Context, userID, group string) error
	SetUserEnabled(ctx context.Context, userID string, enabled bool) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string, mustChange bool) error
}

type Service struct {
	store UserStore
	cost  int
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// SignIn checks a password. Unknown users and wrong passwords are
// indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, username, password string) (store.User, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if !user.Enabled {
		return store.User{}, ErrUserDisabled
	}
	return user, nil
}

// CreateUser provisions an enabled account with a generated temporary
// password that must be changed at first sign-in.
func (s *Service) CreateUser(ctx context.Context, username, email string, groups []string) (store.User, string, error) {
	username = normalizeUsername(username)
	if username == "" {
		return store.User{}, "", errors.New("username is required")
	}
	for _, g := range groups {
		if !rbac.Valid(g) {
			return store.User{}, "", fmt.Errorf("%w: %s", ErrUnknownGroup, g)
		}
	}
	temp, err := GenerateTempPassword()
	if err != nil {
		return store.User{}, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(temp), s.cost)
	if err != nil {
		return store.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	user, err := s.store.CreateUser(ctx, store.User{
		Username:           username,
		Email:              strings.TrimSpace(email),
		PasswordHash:       string(hash),
		Enabled:            true,
		MustChangePassword: true,
		Groups:             groups,
	})
	if err != nil {
		return store.User{}, "", fmt.Errorf("create user: %w", err)
	}
	return user, temp, nil
}

// GetUser loads an account by id.
func (s *Service) GetUser(ctx context.Context, id string) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		return store.User{}, s.notFound(err)
	}
	return user, nil
}

func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return s.notFound(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateUserPassword(ctx, userID, string(hash), false)
}

func (s *Service) AddUserToGroup(ctx context.Context, username, group string) error {
	if !rbac.Valid(group) {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	user, err := s.lookup(ctx, username)
	if err != nil {
		return err
	}
	return s.store.AddUserToGroup(ctx, user.ID, group)
}

func (s *Service) RemoveUserFromGroup(ctx context.Context, username, group string) error {
	if !rbac.Valid(group) {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	user, err := s.lookup(ctx, username)
	if err != nil {
		return err
	}
	return s.store.RemoveUserFromGroup(ctx, user.ID, group)
}

func (s *Service) DisableUser(ctx context.Context, username string) error {
	user, err := s.lookup(ctx, username)
	if err != nil {
		return err
	}
	return s.notFound(s.store.SetUserEnabled(ctx, user.ID, false))
}

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	return s.store.ListUsers(ctx)
}

// EnsureBootstrapAdmin creates the first admin when the user table is empty.
// It reports whether an account was created.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, username, password string) (bool, error) {
	if normalizeUsername(username) == "" || password == "" {
		return false, nil
	}
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	_, err = s.store.CreateUser(ctx, store.User{
		Username:     normalizeUsername(username),
		PasswordHash: string(hash),
		Enabled:      true,
		Groups:       []string{string(rbac.RoleAdmin)},
	})
	if err != nil {
		return false, fmt.Errorf("create bootstrap admin: %w", err)
	}
	return true, nil
}

func (s *Service) lookup(ctx context.Context, username string) (store.User, error) {
	username = normalizeUsername(username)
	if username == "" {
		return store.User{}, errors.New("username is required")
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return store.User{}, s.notFound(err)
	}
	return user, nil
}

func (s *Service) notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	return err
}

// Usernames are email-like and compared case-insensitively.
func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

const (
	tempUpper   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	tempLower   = "abcdefghijkmnopqrstuvwxyz"
	tempDigits  = "23456789"
	tempSymbols = "!@#$%^&*"
)

// GenerateTempPassword returns a 12 character password with at least one
// upper, lower, digit and symbol character.
func GenerateTempPassword() (string, error) {
	sets := []string{tempUpper, tempLower, tempDigits, tempSymbols}
	all := strings.Join(sets, "")
	out := make([]byte, 0, 12)
	for _, set := range sets {
		c, err := pick(set)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < 12 {
		c, err := pick(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("shuffle password: %w", err)
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return string(out), nil
}

func pick(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("generate password: %w", err)
	}
	return set[n.Int64()], nil
}
