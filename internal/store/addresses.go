package store

import (
	"context"
	"database/sql"
	"fmt"

	"dissolve/api/internal/util"
)

var addressCollection = collection{
	table:   "addresses",
	columns: `id, street, city, state, zip, lat, lng, deed_holder, notes, created_at, updated_at`,
	filters: map[string]string{
		"street": "street",
		"city":   "city",
		"zip":    "zip",
	},
}

func scanAddress(row rowScanner) (Address, error) {
	var (
		item     Address
		lat, lng sql.NullFloat64
	)
	if err := row.Scan(&item.ID, &item.Street, &item.City, &item.State, &item.Zip, &lat, &lng,
		&item.DeedHolder, &item.Notes, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Address{}, err
	}
	if lat.Valid {
		v := lat.Float64
		item.Lat = &v
	}
	if lng.Valid {
		v := lng.Float64
		item.Lng = &v
	}
	return item, nil
}

func (s *PostgresStore) ListAddresses(ctx context.Context, opts ListOptions) (Page[Address], error) {
	return listPage(ctx, s.db, addressCollection, opts, scanAddress, func(a Address) string { return a.ID })
}

func (s *PostgresStore) GetAddress(ctx context.Context, id string) (Address, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+addressCollection.columns+" FROM addresses WHERE id=$1", id)
	return scanAddress(row)
}

func (s *PostgresStore) CreateAddress(ctx context.Context, item Address) (Address, error) {
	if item.ID == "" {
		item.ID = util.NewID("adr")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO addresses (id, street, city, state, zip, lat, lng, deed_holder, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, item.ID, item.Street, item.City, item.State, item.Zip, item.Lat, item.Lng, item.DeedHolder, item.Notes).
		Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Address{}, fmt.Errorf("insert address: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateAddress(ctx context.Context, item Address) (Address, error) {
	err := s.db.QueryRowContext(ctx, `
		UPDATE addresses
		SET street=$2, city=$3, state=$4, zip=$5, lat=$6, lng=$7, deed_holder=$8, notes=$9, updated_at=NOW()
		WHERE id=$1
		RETURNING created_at, updated_at
	`, item.ID, item.Street, item.City, item.State, item.Zip, item.Lat, item.Lng, item.DeedHolder, item.Notes).
		Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Address{}, fmt.Errorf("update address: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteAddress(ctx context.Context, id string) error {
	return deleteByID(ctx, s.db, "addresses", id)
}
