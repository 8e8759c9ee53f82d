package store

import (
	"context"
	"database/sql"
	"fmt"

	"dissolve/api/internal/util"
)

var consentCollection = collection{
	table:   "consents",
	columns: `id, resident_id, address_id, recorded_at, source, email, submission_id, created_at`,
	filters: map[string]string{
		"residentId":   "resident_id",
		"addressId":    "address_id",
		"source":       "source",
		"submissionId": "submission_id",
	},
}

func scanConsent(row rowScanner) (Consent, error) {
	var (
		item      Consent
		addressID sql.NullString
	)
	if err := row.Scan(&item.ID, &item.ResidentID, &addressID, &item.RecordedAt, &item.Source,
		&item.Email, &item.SubmissionID, &item.CreatedAt); err != nil {
		return Consent{}, err
	}
	item.AddressID = addressID.String
	return item, nil
}

func (s *PostgresStore) ListConsents(ctx context.Context, opts ListOptions) (Page[Consent], error) {
	return listPage(ctx, s.db, consentCollection, opts, scanConsent, func(c Consent) string { return c.ID })
}

func (s *PostgresStore) GetConsent(ctx context.Context, id string) (Consent, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+consentCollection.columns+" FROM consents WHERE id=$1", id)
	return scanConsent(row)
}

func (s *PostgresStore) CreateConsent(ctx context.Context, item Consent) (Consent, error) {
	if item.ID == "" {
		item.ID = util.NewID("con")
	}
	if item.RecordedAt.IsZero() {
		item.RecordedAt = s.now().UTC()
	}
	if item.Source == "" {
		item.Source = ConsentSourceManual
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO consents (id, resident_id, address_id, recorded_at, source, email, submission_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, item.ID, item.ResidentID, nullString(item.AddressID), item.RecordedAt, item.Source, item.Email, item.SubmissionID).
		Scan(&item.CreatedAt)
	if err != nil {
		return Consent{}, fmt.Errorf("insert consent: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateConsent(ctx context.Context, item Consent) (Consent, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE consents
		SET resident_id=$2, address_id=$3, recorded_at=$4, source=$5, email=$6, submission_id=$7
		WHERE id=$1
	`, item.ID, item.ResidentID, nullString(item.AddressID), item.RecordedAt, item.Source, item.Email, item.SubmissionID)
	if err != nil {
		return Consent{}, fmt.Errorf("update consent: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return Consent{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteConsent(ctx context.Context, id string) error {
	return deleteByID(ctx, s.db, "consents", id)
}
