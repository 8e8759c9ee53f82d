package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"

	"dissolve/api/internal/email"
	"dissolve/api/internal/loader"
	"dissolve/api/internal/logging"
	"dissolve/api/internal/rbac"
	"dissolve/api/internal/store"
)

type RegistrationInput struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Street    string `json:"street"`
	Phone     string `json:"phone"`
}

// Register records a pending request to join. One pending request per email.
func (s *Service) Register(ctx context.Context, in RegistrationInput) (map[string]any, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if in.Email == "" || in.FirstName == "" || in.LastName == "" {
		return nil, validationError("email, firstName and lastName are required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, validationError("email is not valid")
	}

	existing, err := loader.All(ctx, s.store.ListRegistrations, s.cfg.PageSize, &store.Filter{Field: "email", Value: in.Email})
	if err != nil {
		return nil, err
	}
	for _, reg := range existing {
		if reg.Status == store.RegistrationPending {
			return nil, domainError(http.StatusConflict, "ALREADY_REGISTERED", "A registration for this email is already pending", nil)
		}
	}

	created, err := s.store.CreateRegistration(ctx, store.Registration{
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Street:    strings.TrimSpace(in.Street),
		Phone:     strings.TrimSpace(in.Phone),
		Status:    store.RegistrationPending,
	})
	if err != nil {
		return nil, err
	}
	return registrationPayload(created), nil
}

func (s *Service) ListRegistrations(ctx context.Context, status string) ([]map[string]any, error) {
	var filter *store.Filter
	switch status {
	case "":
	case store.RegistrationPending, store.RegistrationApproved, store.RegistrationRejected:
		filter = &store.Filter{Field: "status", Value: status}
	default:
		return nil, validationError("status must be one of pending, approved, rejected")
	}
	items, err := loader.All(ctx, s.store.ListRegistrations, s.cfg.PageSize, filter)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, reg := range items {
		out = append(out, registrationPayload(reg))
	}
	return out, nil
}

// ApproveRegistration creates the member account and sends the welcome email.
// When email is not configured the temporary password is returned instead.
func (s *Service) ApproveRegistration(ctx context.Context, id string) (map[string]any, error) {
	reg, err := s.pendingRegistration(ctx, id)
	if err != nil {
		return nil, err
	}
	// Claim the registration first; a failed account creation puts it back.
	if err := s.store.SetRegistrationStatus(ctx, reg.ID, store.RegistrationApproved); err != nil {
		return nil, err
	}
	user, temp, err := s.identity.CreateUser(ctx, reg.Email, reg.Email, []string{string(rbac.RoleMember)})
	if err != nil {
		if revertErr := s.store.SetRegistrationStatus(context.WithoutCancel(ctx), reg.ID, store.RegistrationPending); revertErr != nil {
			logging.FromContext(ctx).WithError(revertErr).WithField("registration_id", reg.ID).Error("registration left approved without an account")
			return nil, errors.Join(err, fmt.Errorf("revert registration %s: %w", reg.ID, revertErr))
		}
		return nil, err
	}
	reg.Status = store.RegistrationApproved

	response := map[string]any{
		"registration": registrationPayload(reg),
		"username":     user.Username,
		"emailSent":    false,
	}
	if s.mailer == nil || !s.mailer.IsConfigured() {
		response["tempPassword"] = temp
		return response, nil
	}
	err = s.mailer.SendWelcomeEmail(email.WelcomeData{
		Email:        reg.Email,
		FirstName:    reg.FirstName,
		LastName:     reg.LastName,
		TempPassword: temp,
		CampaignName: s.cfg.CampaignName,
		SignInURL:    s.cfg.SignInURL,
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("registration_id", reg.ID).Warn("welcome email failed")
		response["tempPassword"] = temp
		return response, nil
	}
	response["emailSent"] = true
	return response, nil
}

func (s *Service) RejectRegistration(ctx context.Context, id string) (map[string]any, error) {
	reg, err := s.pendingRegistration(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetRegistrationStatus(ctx, reg.ID, store.RegistrationRejected); err != nil {
		return nil, err
	}
	reg.Status = store.RegistrationRejected
	return registrationPayload(reg), nil
}

func (s *Service) pendingRegistration(ctx context.Context, id string) (store.Registration, error) {
	reg, err := s.store.GetRegistration(ctx, id)
	if err != nil {
		return store.Registration{}, err
	}
	if reg.Status != store.RegistrationPending {
		return store.Registration{}, domainError(http.StatusConflict, "INVALID_STATE", "Registration is already "+reg.Status, nil)
	}
	return reg, nil
}

func registrationPayload(r store.Registration) map[string]any {
	return map[string]any{
		"id":         r.ID,
		"email":      r.Email,
		"firstName":  r.FirstName,
		"lastName":   r.LastName,
		"street":     r.Street,
		"phone":      r.Phone,
		"status":     r.Status,
		"createdAt":  r.CreatedAt,
		"reviewedAt": r.ReviewedAt,
	}
}
