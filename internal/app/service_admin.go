package app

import (
	"context"
	"net/http"
	"strings"

	"dissolve/api/internal/email"
	"dissolve/api/internal/logging"
)

const (
	actionAddToGroup      = "addUserToGroup"
	actionRemoveFromGroup = "removeUserFromGroup"
	actionDisableUser     = "disableUser"
	actionListUsers       = "listUsers"
)

var userGroupActions = map[string]string{
	"addusertogroup":         actionAddToGroup,
	"add-user-to-group":      actionAddToGroup,
	"add-to-group":           actionAddToGroup,
	"removeuserfromgroup":    actionRemoveFromGroup,
	"remove-user-from-group": actionRemoveFromGroup,
	"remove-from-group":      actionRemoveFromGroup,
	"disableuser":            actionDisableUser,
	"disable-user":           actionDisableUser,
	"listusers":              actionListUsers,
	"list-users":             actionListUsers,
}

type UserGroupsRequest struct {
	Action     string `json:"action"`
	Username   string `json:"username"`
	Group      string `json:"group"`
	UserPoolID string `json:"userPoolId"`
}

// UserGroups performs one administrative action on the user directory.
func (s *Service) UserGroups(ctx context.Context, req UserGroupsRequest) (map[string]any, error) {
	action, ok := userGroupActions[strings.ToLower(strings.TrimSpace(req.Action))]
	if !ok {
		return nil, domainError(http.StatusBadRequest, "INVALID_ACTION", "Invalid action", map[string]any{
			"allowed": []string{actionAddToGroup, actionRemoveFromGroup, actionDisableUser, actionListUsers},
		})
	}
	if s.cfg.UserPoolID != "" && req.UserPoolID != s.cfg.UserPoolID {
		return nil, domainError(http.StatusBadRequest, "INVALID_USER_POOL", "Unknown userPoolId", nil)
	}

	if action == actionListUsers {
		users, err := s.identity.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(users))
		for _, u := range users {
			out = append(out, map[string]any{
				"username":           u.Username,
				"email":              u.Email,
				"enabled":            u.Enabled,
				"mustChangePassword": u.MustChangePassword,
				"groups":             u.Groups,
				"createdAt":          u.CreatedAt,
			})
		}
		return map[string]any{"users": out}, nil
	}

	if strings.TrimSpace(req.Username) == "" {
		return nil, validationError("username is required")
	}
	var err error
	switch action {
	case actionAddToGroup, actionRemoveFromGroup:
		if strings.TrimSpace(req.Group) == "" {
			return nil, validationError("group is required")
		}
		if action == actionAddToGroup {
			err = s.identity.AddUserToGroup(ctx, req.Username, req.Group)
		} else {
			err = s.identity.RemoveUserFromGroup(ctx, req.Username, req.Group)
		}
	case actionDisableUser:
		err = s.identity.DisableUser(ctx, req.Username)
	}
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).WithField("action", action).WithField("username", req.Username).Info("user directory updated")
	return map[string]any{"ok": true, "action": action, "username": req.Username}, nil
}

// SendWelcomeEmail sends sign-in instructions to a newly created account.
func (s *Service) SendWelcomeEmail(ctx context.Context, data email.WelcomeData) error {
	if err := data.Validate(); err != nil {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	}
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return domainError(http.StatusServiceUnavailable, "EMAIL_UNAVAILABLE", "Email service not configured", nil)
	}
	data.CampaignName = s.cfg.CampaignName
	data.SignInURL = s.cfg.SignInURL
	if err := s.mailer.SendWelcomeEmail(data); err != nil {
		logging.FromContext(ctx).WithError(err).Error("send welcome email")
		return domainError(http.StatusBadGateway, "EMAIL_FAILED", "Failed to send welcome email", nil)
	}
	return nil
}
