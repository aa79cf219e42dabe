package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "guest view", role: RoleGuest, action: ActionView, allow: true},
		{name: "guest edit", role: RoleGuest, action: ActionEdit, allow: false},
		{name: "member edit", role: RoleMember, action: ActionEdit, allow: true},
		{name: "member manage", role: RoleMember, action: ActionManage, allow: false},
		{name: "admin manage", role: RoleAdmin, action: ActionManage, allow: true},
		{name: "unknown role", role: Role("owner"), action: ActionView, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalizeFallsBackToGuest(t *testing.T) {
	if got := Normalize("editor"); got != RoleGuest {
		t.Fatalf("Normalize(editor) = %q, want guest", got)
	}
	if got := Normalize("member"); got != RoleMember {
		t.Fatalf("Normalize(member) = %q, want member", got)
	}
}
