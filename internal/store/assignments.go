package store

import (
	"context"
	"fmt"

	"dissolve/api/internal/util"
)

var assignmentCollection = collection{
	table:   "assignments",
	columns: `id, address_id, volunteer_id, status, notes, created_at, updated_at`,
	filters: map[string]string{
		"addressId":   "address_id",
		"volunteerId": "volunteer_id",
		"status":      "status",
	},
}

var volunteerCollection = collection{
	table:   "volunteers",
	columns: `id, user_sub, display_name, email, created_at`,
	filters: map[string]string{
		"userSub": "user_sub",
		"email":   "email",
	},
}

func scanAssignment(row rowScanner) (Assignment, error) {
	var item Assignment
	err := row.Scan(&item.ID, &item.AddressID, &item.VolunteerID, &item.Status, &item.Notes, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func scanVolunteer(row rowScanner) (Volunteer, error) {
	var item Volunteer
	err := row.Scan(&item.ID, &item.UserSub, &item.DisplayName, &item.Email, &item.CreatedAt)
	return item, err
}

func (s *PostgresStore) ListAssignments(ctx context.Context, opts ListOptions) (Page[Assignment], error) {
	return listPage(ctx, s.db, assignmentCollection, opts, scanAssignment, func(a Assignment) string { return a.ID })
}

func (s *PostgresStore) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+assignmentCollection.columns+" FROM assignments WHERE id=$1", id)
	return scanAssignment(row)
}

func (s *PostgresStore) CreateAssignment(ctx context.Context, item Assignment) (Assignment, error) {
	if item.ID == "" {
		item.ID = util.NewID("asg")
	}
	if item.Status == "" {
		item.Status = AssignmentNotStarted
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO assignments (id, address_id, volunteer_id, status, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, item.ID, item.AddressID, item.VolunteerID, item.Status, item.Notes).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateAssignment(ctx context.Context, item Assignment) (Assignment, error) {
	err := s.db.QueryRowContext(ctx, `
		UPDATE assignments
		SET address_id=$2, volunteer_id=$3, status=$4, notes=$5, updated_at=NOW()
		WHERE id=$1
		RETURNING created_at, updated_at
	`, item.ID, item.AddressID, item.VolunteerID, item.Status, item.Notes).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Assignment{}, fmt.Errorf("update assignment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteAssignment(ctx context.Context, id string) error {
	return deleteByID(ctx, s.db, "assignments", id)
}

func (s *PostgresStore) ListVolunteers(ctx context.Context, opts ListOptions) (Page[Volunteer], error) {
	return listPage(ctx, s.db, volunteerCollection, opts, scanVolunteer, func(v Volunteer) string { return v.ID })
}

func (s *PostgresStore) GetVolunteer(ctx context.Context, id string) (Volunteer, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+volunteerCollection.columns+" FROM volunteers WHERE id=$1", id)
	return scanVolunteer(row)
}

func (s *PostgresStore) CreateVolunteer(ctx context.Context, item Volunteer) (Volunteer, error) {
	if item.ID == "" {
		item.ID = util.NewID("vol")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO volunteers (id, user_sub, display_name, email)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, item.ID, item.UserSub, item.DisplayName, item.Email).Scan(&item.CreatedAt)
	if err != nil {
		return Volunteer{}, fmt.Errorf("insert volunteer: %w", err)
	}
	return item, nil
}
