package app

import (
	"context"
	"fmt"
	"strings"

	"temerio/api/internal/activity"
	"temerio/api/internal/rbac"
)

// ListUsers returns paginated users with their granted roles.
func (s *Service) ListUsers(ctx context.Context, search string, limit, offset int) (map[string]any, error) {
	users, total, err := s.deps.Store.ListUsers(ctx, strings.TrimSpace(search), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	formatted := make([]map[string]any, len(users))
	for i, u := range users {
		roles := u.Roles
		if roles == nil {
			roles = []string{}
		}
		formatted[i] = map[string]any{
			"id":              u.ID,
			"email":           u.Email,
			"displayName":     u.DisplayName,
			"roles":           roles,
			"isEmailVerified": u.IsEmailVerified,
			"deactivatedAt":   u.DeactivatedAt,
			"createdAt":       u.CreatedAt,
		}
	}

	return map[string]any{
		"users": formatted,
		"total": total,
	}, nil
}

func (s *Service) GrantRole(ctx context.Context, admin Session, userID, role string) error {
	role = strings.TrimSpace(role)
	if !rbac.Valid(role) {
		return validationError("role must be premium_comp or admin")
	}
	if _, err := s.deps.Store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	if err := s.deps.Store.GrantRole(ctx, userID, role); err != nil {
		return err
	}
	s.recordRoleChange(admin, "role.granted", userID, role)
	return nil
}

func (s *Service) RevokeRole(ctx context.Context, admin Session, userID, role string) error {
	if !rbac.Valid(role) {
		return validationError("role must be premium_comp or admin")
	}
	if userID == admin.UserID && rbac.Role(role) == rbac.RoleAdmin {
		return validationError("admins cannot revoke their own admin role")
	}
	if err := s.deps.Store.RevokeRole(ctx, userID, role); err != nil {
		return err
	}
	s.recordRoleChange(admin, "role.revoked", userID, role)
	return nil
}

func (s *Service) recordRoleChange(admin Session, action, userID, role string) {
	s.deps.Activity.Record(activity.Event{
		ActorID:  admin.UserID,
		Action:   action,
		ItemType: "user",
		ItemID:   userID,
		Metadata: map[string]any{"role": role},
	})
}

// ListActivity returns recent events, newest first. An empty actorID lists
// every actor.
func (s *Service) ListActivity(ctx context.Context, actorID string, limit int) ([]map[string]any, error) {
	events, err := s.deps.Store.ListActivity(ctx, strings.TrimSpace(actorID), limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		item := map[string]any{
			"id":        e.ID,
			"actorId":   e.ActorID,
			"action":    e.Action,
			"itemType":  e.ItemType,
			"itemId":    e.ItemID,
			"createdAt": e.CreatedAt,
		}
		if len(e.Metadata) > 0 {
			item["metadata"] = e.Metadata
		}
		out = append(out, item)
	}
	return out, nil
}
