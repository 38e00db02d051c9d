package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "user read", role: RoleUser, action: ActionRead, allow: true},
		{name: "user write", role: RoleUser, action: ActionWrite, allow: true},
		{name: "user bypass billing", role: RoleUser, action: ActionBypassBilling, allow: false},
		{name: "user admin", role: RoleUser, action: ActionAdmin, allow: false},
		{name: "premium comp bypass billing", role: RolePremiumComp, action: ActionBypassBilling, allow: true},
		{name: "premium comp admin", role: RolePremiumComp, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("owner"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestElevated(t *testing.T) {
	if Elevated(nil) {
		t.Fatal("no roles should not be elevated")
	}
	if Elevated([]Role{RoleUser}) {
		t.Fatal("plain user should not be elevated")
	}
	if !Elevated([]Role{RoleUser, RolePremiumComp}) {
		t.Fatal("premium_comp should be elevated")
	}
	if !Elevated(NormalizeAll([]string{"admin"})) {
		t.Fatal("admin should be elevated")
	}
}

func TestNormalizeAndValid(t *testing.T) {
	if Normalize("bogus") != RoleUser {
		t.Fatal("unknown roles normalize to user")
	}
	if Valid("user") {
		t.Fatal("user is implicit and cannot be granted")
	}
	if !Valid("premium_comp") || !Valid("admin") {
		t.Fatal("premium_comp and admin must be grantable")
	}
	if !CanAny([]Role{RoleAdmin}, ActionAdmin) || CanAny(nil, ActionAdmin) {
		t.Fatal("CanAny mismatch")
	}
}
