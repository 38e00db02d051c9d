package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"temerio/api/internal/rbac"
	"temerio/api/internal/store"
)

// RoleStore is the subset of the store the roles commands need.
type RoleStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	ListUserRoles(context.Context, string) ([]string, error)
	GrantRole(context.Context, string, string) error
	RevokeRole(context.Context, string, string) error
}

// NewRolesCommand groups grant, revoke and list for elevated roles.
func NewRolesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Grant, revoke or list elevated roles",
	}
	cmd.AddCommand(newRoleChangeCommand(opts, "grant", "Grant a role to a user"))
	cmd.AddCommand(newRoleChangeCommand(opts, "revoke", "Revoke a role from a user"))
	cmd.AddCommand(&cobra.Command{
		Use:   "list <user-id>",
		Short: "List the roles granted to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoles(cmd.Context(), opts, func(roles RoleStore) error {
				granted, err := roles.ListUserRoles(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if granted == nil {
					granted = []string{}
				}
				p := newPrinter(opts, cmd.OutOrStdout())
				return p.emit(map[string]any{"userId": args[0], "roles": granted}, func(w io.Writer) {
					if len(granted) == 0 {
						p.line(w, "%s has no elevated roles", args[0])
						return
					}
					p.line(w, "%s: %s", args[0], strings.Join(granted, ", "))
				})
			})
		},
	})
	return cmd
}

func newRoleChangeCommand(opts *RootOptions, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <user-id> <role>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, role := args[0], strings.TrimSpace(args[1])
			if !rbac.Valid(role) {
				return fmt.Errorf("invalid role %q: must be %s or %s", role, rbac.RolePremiumComp, rbac.RoleAdmin)
			}
			return withRoles(cmd.Context(), opts, func(roles RoleStore) error {
				if _, err := roles.GetUserByID(cmd.Context(), userID); err != nil {
					return fmt.Errorf("load user %s: %w", userID, err)
				}
				change := roles.GrantRole
				if verb == "revoke" {
					change = roles.RevokeRole
				}
				if err := change(cmd.Context(), userID, role); err != nil {
					return err
				}
				p := newPrinter(opts, cmd.OutOrStdout())
				return p.emit(map[string]any{"userId": userID, "role": role, "action": verb}, func(w io.Writer) {
					p.line(w, "%s %s for %s", verb, role, userID)
				})
			})
		},
	}
}

func withRoles(ctx context.Context, opts *RootOptions, fn func(RoleStore) error) error {
	roles, closeFn, err := opts.openRoles(ctx, opts.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(roles)
}
