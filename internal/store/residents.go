package store

import (
	"context"
	"database/sql"
	"fmt"

	"dissolve/api/internal/util"
)

var residentCollection = collection{
	table: "residents",
	columns: `id, person_id, legacy_person_id, first_name, last_name, address_id,
		has_signed, signed_at, contact_email, contact_phone, created_at, updated_at`,
	filters: map[string]string{
		"personId":       "person_id",
		"legacyPersonId": "legacy_person_id",
		"addressId":      "address_id",
	},
}

func scanResident(row rowScanner) (Resident, error) {
	var (
		item      Resident
		addressID sql.NullString
		signedAt  sql.NullTime
	)
	err := row.Scan(&item.ID, &item.PersonID, &item.LegacyPersonID, &item.FirstName, &item.LastName, &addressID,
		&item.HasSigned, &signedAt, &item.ContactEmail, &item.ContactPhone, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Resident{}, err
	}
	item.AddressID = addressID.String
	if signedAt.Valid {
		t := signedAt.Time
		item.SignedAt = &t
	}
	return item, nil
}

func (s *PostgresStore) ListResidents(ctx context.Context, opts ListOptions) (Page[Resident], error) {
	return listPage(ctx, s.db, residentCollection, opts, scanResident, func(r Resident) string { return r.ID })
}

func (s *PostgresStore) GetResident(ctx context.Context, id string) (Resident, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+residentCollection.columns+" FROM residents WHERE id=$1", id)
	return scanResident(row)
}

func (s *PostgresStore) CreateResident(ctx context.Context, item Resident) (Resident, error) {
	if item.ID == "" {
		item.ID = util.NewID("res")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO residents (id, person_id, legacy_person_id, first_name, last_name, address_id,
			has_signed, signed_at, contact_email, contact_phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, item.ID, item.PersonID, item.LegacyPersonID, item.FirstName, item.LastName, nullString(item.AddressID),
		item.HasSigned, item.SignedAt, item.ContactEmail, item.ContactPhone).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Resident{}, fmt.Errorf("insert resident: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateResident(ctx context.Context, item Resident) (Resident, error) {
	err := s.db.QueryRowContext(ctx, `
		UPDATE residents
		SET person_id=$2, legacy_person_id=$3, first_name=$4, last_name=$5, address_id=$6,
			has_signed=$7, signed_at=$8, contact_email=$9, contact_phone=$10, updated_at=NOW()
		WHERE id=$1
		RETURNING created_at, updated_at
	`, item.ID, item.PersonID, item.LegacyPersonID, item.FirstName, item.LastName, nullString(item.AddressID),
		item.HasSigned, item.SignedAt, item.ContactEmail, item.ContactPhone).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Resident{}, fmt.Errorf("update resident: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteResident(ctx context.Context, id string) error {
	return deleteByID(ctx, s.db, "residents", id)
}

// SearchResidents is the fallback used when the search index is unavailable.
func (s *PostgresStore) SearchResidents(ctx context.Context, text string, limit int) ([]ResidentSearchRow, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + text + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.person_id, r.first_name, r.last_name, COALESCE(a.id, ''), COALESCE(a.street, ''), COALESCE(a.city, ''), r.has_signed
		FROM residents r
		LEFT JOIN addresses a ON a.id = r.address_id
		WHERE r.first_name || ' ' || r.last_name ILIKE $1
			OR a.street ILIKE $1
			OR r.person_id = $2
		ORDER BY r.last_name, r.first_name, r.id
		LIMIT $3
	`, pattern, text, limit)
	if err != nil {
		return nil, fmt.Errorf("search residents: %w", err)
	}
	defer rows.Close()

	items := make([]ResidentSearchRow, 0)
	for rows.Next() {
		var item ResidentSearchRow
		if err := rows.Scan(&item.ID, &item.PersonID, &item.FirstName, &item.LastName, &item.AddressID, &item.Street, &item.City, &item.HasSigned); err != nil {
			return nil, fmt.Errorf("scan resident search: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resident search: %w", err)
	}
	return items, nil
}

// ResidentSearchRow is a resident joined with its address street.
type ResidentSearchRow struct {
	ID        string
	PersonID  string
	FirstName string
	LastName  string
	AddressID string
	Street    string
	City      string
	HasSigned bool
}
