package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"dissolve/api/internal/loader"
	"dissolve/api/internal/rbac"
	"dissolve/api/internal/reconcile"
	"dissolve/api/internal/store"
)

var allowedAssignmentStatus = map[string]struct{}{
	store.AssignmentNotStarted: {},
	store.AssignmentInProgress: {},
	store.AssignmentDone:       {},
	store.AssignmentDeferred:   {},
}

// VolunteerInput identifies the canvasser receiving assignments.
type VolunteerInput struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

type BulkAssignResult struct {
	VolunteerID string               `json:"volunteerId"`
	Created     []map[string]any     `json:"created"`
	Skipped     []string             `json:"skipped"`
	Errors      []reconcile.RowError `json:"errors"`
}

type AssignmentPatch struct {
	Status *string `json:"status"`
	Notes  *string `json:"notes"`
}

// BulkAssign gives each address to the volunteer, creating the volunteer on
// first use. Addresses the volunteer already holds are skipped.
func (s *Service) BulkAssign(ctx context.Context, volunteer VolunteerInput, addressIDs []string) (BulkAssignResult, error) {
	if strings.TrimSpace(volunteer.UserID) == "" {
		return BulkAssignResult{}, validationError("volunteer userId is required")
	}
	if len(addressIDs) == 0 {
		return BulkAssignResult{}, validationError("addressIds is required")
	}
	vol, err := s.ensureVolunteer(ctx, volunteer)
	if err != nil {
		return BulkAssignResult{}, err
	}

	existing, err := loader.All(ctx, s.store.ListAssignments, s.cfg.PageSize, &store.Filter{Field: "volunteerId", Value: vol.ID})
	if err != nil {
		return BulkAssignResult{}, err
	}
	held := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		held[a.AddressID] = struct{}{}
	}

	result := BulkAssignResult{
		VolunteerID: vol.ID,
		Created:     []map[string]any{},
		Skipped:     []string{},
		Errors:      []reconcile.RowError{},
	}
	for i, raw := range addressIDs {
		addressID := strings.TrimSpace(raw)
		if addressID == "" {
			continue
		}
		if _, ok := held[addressID]; ok {
			result.Skipped = append(result.Skipped, addressID)
			continue
		}
		if _, err := s.store.GetAddress(ctx, addressID); err != nil {
			msg := err.Error()
			if errors.Is(err, sql.ErrNoRows) {
				msg = "address not found"
			}
			result.Errors = append(result.Errors, reconcile.RowError{Row: i + 1, Ref: addressID, Message: msg})
			continue
		}
		created, err := s.store.CreateAssignment(ctx, store.Assignment{
			AddressID:   addressID,
			VolunteerID: vol.ID,
			Status:      store.AssignmentNotStarted,
		})
		if err != nil {
			result.Errors = append(result.Errors, reconcile.RowError{Row: i + 1, Ref: addressID, Message: err.Error()})
			continue
		}
		held[addressID] = struct{}{}
		result.Created = append(result.Created, assignmentPayload(created))
	}
	return result, nil
}

func (s *Service) ensureVolunteer(ctx context.Context, in VolunteerInput) (store.Volunteer, error) {
	vol, ok, err := s.volunteerForUser(ctx, in.UserID)
	if err != nil || ok {
		return vol, err
	}
	return s.store.CreateVolunteer(ctx, store.Volunteer{
		UserSub:     strings.TrimSpace(in.UserID),
		DisplayName: strings.TrimSpace(in.DisplayName),
		Email:       strings.TrimSpace(in.Email),
	})
}

func (s *Service) volunteerForUser(ctx context.Context, userID string) (store.Volunteer, bool, error) {
	page, err := s.store.ListVolunteers(ctx, store.ListOptions{
		Filter: &store.Filter{Field: "userSub", Value: strings.TrimSpace(userID)},
		Limit:  1,
	})
	if err != nil {
		return store.Volunteer{}, false, err
	}
	if len(page.Items) == 0 {
		return store.Volunteer{}, false, nil
	}
	return page.Items[0], true, nil
}

// ListAssignments lists assignments for one volunteer, or all when volunteerID is empty.
func (s *Service) ListAssignments(ctx context.Context, volunteerID string) ([]map[string]any, error) {
	var filter *store.Filter
	if volunteerID != "" {
		filter = &store.Filter{Field: "volunteerId", Value: volunteerID}
	}
	items, err := loader.All(ctx, s.store.ListAssignments, s.cfg.PageSize, filter)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, a := range items {
		out = append(out, assignmentPayload(a))
	}
	return out, nil
}

// ListOwnAssignments lists the session user's assignments. A user who was
// never assigned anything gets an empty list.
func (s *Service) ListOwnAssignments(ctx context.Context, session Session) ([]map[string]any, error) {
	vol, ok, err := s.volunteerForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []map[string]any{}, nil
	}
	return s.ListAssignments(ctx, vol.ID)
}

// UpdateAssignment changes status or notes. Canvassers may only touch their own.
func (s *Service) UpdateAssignment(ctx context.Context, session Session, id string, patch AssignmentPatch) (map[string]any, error) {
	item, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Can(rbac.ActionOrganize) {
		vol, ok, err := s.volunteerForUser(ctx, session.UserID)
		if err != nil {
			return nil, err
		}
		if !ok || vol.ID != item.VolunteerID {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Assignment belongs to another volunteer", nil)
		}
	}
	if patch.Status != nil {
		status := strings.TrimSpace(*patch.Status)
		if _, ok := allowedAssignmentStatus[status]; !ok {
			return nil, validationError("status must be one of not_started, in_progress, done, deferred")
		}
		item.Status = status
	}
	if patch.Notes != nil {
		item.Notes = *patch.Notes
	}
	updated, err := s.store.UpdateAssignment(ctx, item)
	if err != nil {
		return nil, err
	}
	return assignmentPayload(updated), nil
}

func (s *Service) Unassign(ctx context.Context, id string) error {
	return s.store.DeleteAssignment(ctx, id)
}

func assignmentPayload(a store.Assignment) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"addressId":   a.AddressID,
		"volunteerId": a.VolunteerID,
		"status":      a.Status,
		"notes":       a.Notes,
		"createdAt":   a.CreatedAt,
		"updatedAt":   a.UpdatedAt,
	}
}
