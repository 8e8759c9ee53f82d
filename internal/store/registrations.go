package store

import (
	"context"
	"database/sql"
	"fmt"

	"dissolve/api/internal/util"
)

var registrationCollection = collection{
	table:   "registrations",
	columns: `id, email, first_name, last_name, street, phone, status, created_at, reviewed_at`,
	filters: map[string]string{
		"email":  "email",
		"status": "status",
	},
}

func scanRegistration(row rowScanner) (Registration, error) {
	var (
		item       Registration
		reviewedAt sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.Email, &item.FirstName, &item.LastName, &item.Street, &item.Phone,
		&item.Status, &item.CreatedAt, &reviewedAt); err != nil {
		return Registration{}, err
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		item.ReviewedAt = &t
	}
	return item, nil
}

func (s *PostgresStore) ListRegistrations(ctx context.Context, opts ListOptions) (Page[Registration], error) {
	return listPage(ctx, s.db, registrationCollection, opts, scanRegistration, func(r Registration) string { return r.ID })
}

func (s *PostgresStore) GetRegistration(ctx context.Context, id string) (Registration, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+registrationCollection.columns+" FROM registrations WHERE id=$1", id)
	return scanRegistration(row)
}

func (s *PostgresStore) CreateRegistration(ctx context.Context, item Registration) (Registration, error) {
	if item.ID == "" {
		item.ID = util.NewID("reg")
	}
	if item.Status == "" {
		item.Status = RegistrationPending
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO registrations (id, email, first_name, last_name, street, phone, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, item.ID, item.Email, item.FirstName, item.LastName, item.Street, item.Phone, item.Status).Scan(&item.CreatedAt)
	if err != nil {
		return Registration{}, fmt.Errorf("insert registration: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) SetRegistrationStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE registrations SET status=$2, reviewed_at=NOW() WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("update registration status: %w", err)
	}
	return requireAffected(result)
}
