package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"dissolve/api/internal/util"
)

const userColumns = `u.id, u.username, u.email, u.password_hash, u.enabled, u.must_change_password,
	COALESCE((SELECT string_agg(g.group_name, ',' ORDER BY g.group_name) FROM user_groups g WHERE g.user_id = u.id), ''),
	u.created_at, u.updated_at`

func scanUser(row rowScanner) (User, error) {
	var (
		item   User
		groups string
	)
	if err := row.Scan(&item.ID, &item.Username, &item.Email, &item.PasswordHash, &item.Enabled,
		&item.MustChangePassword, &groups, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return User{}, err
	}
	item.Groups = splitGroups(groups)
	return item, nil
}

func splitGroups(value string) []string {
	groups := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			groups = append(groups, part)
		}
	}
	sort.Strings(groups)
	return groups
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users u WHERE u.username=$1", username)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users u WHERE u.id=$1", id)
	return scanUser(row)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users u ORDER BY u.username")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		item, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, item User) (User, error) {
	if item.ID == "" {
		item.ID = util.NewID("usr")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin create user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, enabled, must_change_password)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, item.ID, item.Username, item.Email, item.PasswordHash, item.Enabled, item.MustChangePassword).
		Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	for _, group := range item.Groups {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_groups (user_id, group_name) VALUES ($1, $2)
			ON CONFLICT (user_id, group_name) DO NOTHING
		`, item.ID, group); err != nil {
			return User{}, fmt.Errorf("insert user group: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit create user: %w", err)
	}
	item.Groups = splitGroups(strings.Join(item.Groups, ","))
	return item, nil
}

func (s *PostgresStore) AddUserToGroup(ctx context.Context, userID, group string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_groups (user_id, group_name) VALUES ($1, $2)
		ON CONFLICT (user_id, group_name) DO NOTHING
	`, userID, group)
	if err != nil {
		return fmt.Errorf("add user to group: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveUserFromGroup(ctx context.Context, userID, group string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_groups WHERE user_id=$1 AND group_name=$2`, userID, group)
	if err != nil {
		return fmt.Errorf("remove user from group: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetUserEnabled(ctx context.Context, userID string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET enabled=$2, updated_at=NOW() WHERE id=$1`, userID, enabled)
	if err != nil {
		return fmt.Errorf("set user enabled: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string, mustChange bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, must_change_password=$3, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash, mustChange)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return requireAffected(result)
}
