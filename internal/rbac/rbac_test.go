package rbac_test

import (
	"reflect"
	"testing"

	"tracer/internal/rbac"
)

func testRules() *rbac.Rules {
	return rbac.New(rbac.Table{
		Actions: map[string][]string{
			"admin":      {"project.create", "project.delete", "user.delete"},
			"supervisor": {"project.create", "task.create"},
			"installer":  {"task.update", "task.time.log"},
		},
		Modules: map[string][]string{
			"admin":      {"projects", "users", "settings"},
			"supervisor": {"projects", "tasks"},
			"installer":  {"tasks"},
		},
		Ranks: map[string]int{
			"admin":      100,
			"supervisor": 80,
			"installer":  40,
			"user":       10,
		},
	})
}

func TestHasActionPermission(t *testing.T) {
	r := testRules()
	cases := []struct {
		role, action string
		want         bool
	}{
		{"admin", "project.create", true},
		{"admin", "user.delete", true},
		{"supervisor", "task.create", true},
		{"supervisor", "user.delete", false},
		{"installer", "task.time.log", true},
		{"installer", "project.create", false},
		{"user", "task.update", false},
		{"ghost", "task.update", false},
		{"admin", "no.such.action", false},
		{"", "", false},
	}
	for _, c := range cases {
		if got := r.HasActionPermission(c.role, c.action); got != c.want {
			t.Errorf("HasActionPermission(%q, %q) = %v, want %v", c.role, c.action, got, c.want)
		}
	}
}

func TestHasModuleAccess(t *testing.T) {
	r := testRules()
	if !r.HasModuleAccess("supervisor", "tasks") {
		t.Errorf("supervisor should access tasks")
	}
	if r.HasModuleAccess("installer", "settings") {
		t.Errorf("installer should not access settings")
	}
	if r.HasModuleAccess("ghost", "tasks") {
		t.Errorf("unknown role should access nothing")
	}
	if r.HasModuleAccess("admin", "nope") {
		t.Errorf("unknown module should never be granted")
	}
}

func TestUserPermissionsSorted(t *testing.T) {
	r := testRules()
	got := r.UserPermissions("admin")
	want := []string{"project.create", "project.delete", "user.delete"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("UserPermissions(admin) = %v, want %v", got, want)
	}
	if r.UserPermissions("ghost") != nil {
		t.Errorf("unknown role should have nil permission list")
	}
	if got := r.UserModules("installer"); !reflect.DeepEqual(got, []string{"tasks"}) {
		t.Errorf("UserModules(installer) = %v", got)
	}
}

func TestHasMinimumRole(t *testing.T) {
	r := testRules()
	cases := []struct {
		role, minimum string
		want          bool
	}{
		{"admin", "supervisor", true},
		{"admin", "admin", true},
		{"supervisor", "admin", false},
		{"installer", "user", true},
		{"user", "installer", false},
		{"ghost", "user", false},
		{"admin", "ghost", false},
	}
	for _, c := range cases {
		if got := r.HasMinimumRole(c.role, c.minimum); got != c.want {
			t.Errorf("HasMinimumRole(%q, %q) = %v, want %v", c.role, c.minimum, got, c.want)
		}
	}
}

func TestRulesCopyInput(t *testing.T) {
	table := rbac.Table{
		Actions: map[string][]string{"admin": {"project.create"}},
		Ranks:   map[string]int{"admin": 100},
	}
	r := rbac.New(table)
	table.Actions["admin"] = nil
	table.Ranks["admin"] = 0
	if !r.HasActionPermission("admin", "project.create") {
		t.Errorf("mutating the source table must not affect frozen rules")
	}
	if !r.HasMinimumRole("admin", "admin") {
		t.Errorf("rank map must be copied")
	}
}

func TestKnownRole(t *testing.T) {
	r := testRules()
	if !r.KnownRole("user") {
		t.Errorf("user appears in ranks, should be known")
	}
	if !r.KnownRole("installer") {
		t.Errorf("installer should be known")
	}
	if r.KnownRole("ghost") {
		t.Errorf("ghost should be unknown")
	}
}
