package access

import (
	"testing"

	"ekklesia/queue-service/internal/models"
)

func TestCan(t *testing.T) {
	cases := []struct {
		role models.Role
		op   Operation
		want bool
	}{
		{models.RoleAdmin, OpManageServices, true},
		{models.RoleAdmin, OpCallNext, true},
		{models.RoleTriage, OpRequeue, true},
		{models.RoleTriage, OpCallNext, false},
		{models.RoleService, OpCallNext, true},
		{models.RoleService, OpRequeue, false},
		{models.RoleService, OpManageServices, false},
		{models.RolePanel, OpView, true},
		{models.RolePanel, OpComplete, false},
		{models.RoleUser, OpGenerate, true},
		{models.RoleUser, OpView, false},
		{models.Role("guest"), OpView, false},
	}
	for _, tt := range cases {
		if got := Can(tt.role, tt.op); got != tt.want {
			t.Fatalf("Can(%s, %s)=%v, want %v", tt.role, tt.op, got, tt.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	if role, ok := ParseRole("triage"); !ok || role != models.RoleTriage {
		t.Fatalf("expected triage role")
	}
	if _, ok := ParseRole("root"); ok {
		t.Fatalf("unknown role must not parse")
	}
}
