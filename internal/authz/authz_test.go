package authz_test

import (
	"errors"
	"testing"

	"tracer/internal/authz"
	"tracer/internal/domain"
	"tracer/internal/rbac"
)

func team(members ...domain.TeamMember) authz.Resource {
	return authz.Resource{OwnerID: "owner-1", Team: members}
}

func member(userID, role string) domain.TeamMember {
	return domain.TeamMember{ProjectID: "p-1", UserID: userID, Role: role}
}

func TestCanActOrder(t *testing.T) {
	res := team(
		member("owner-1", domain.RoleOwner),
		member("mgr-1", domain.RoleManager),
		member("mem-1", domain.RoleMember),
		member("guest-1", domain.RoleGuest),
	)
	manage := authz.Requirement{MinTeamRole: domain.RoleManager}
	cases := []struct {
		name      string
		actor     authz.Actor
		req       authz.Requirement
		subjectID string
		allowed   bool
		reason    string
	}{
		{"admin bypasses everything", authz.Actor{ID: "x", Role: "admin", IsActive: true}, manage, "", true, ""},
		{"inactive admin still denied", authz.Actor{ID: "x", Role: "admin"}, manage, "", false, authz.ReasonInactive},
		{"owner allowed regardless of requirement", authz.Actor{ID: "owner-1", Role: "user", IsActive: true}, authz.Requirement{}, "", true, ""},
		{"manager meets manager gate", authz.Actor{ID: "mgr-1", Role: "user", IsActive: true}, manage, "", true, ""},
		{"member below manager gate", authz.Actor{ID: "mem-1", Role: "user", IsActive: true}, manage, "", false, authz.ReasonInsufficientRole},
		{"guest below member gate", authz.Actor{ID: "guest-1", Role: "user", IsActive: true}, authz.Requirement{MinTeamRole: domain.RoleMember}, "", false, authz.ReasonInsufficientRole},
		{"guest meets guest gate", authz.Actor{ID: "guest-1", Role: "user", IsActive: true}, authz.Requirement{MinTeamRole: domain.RoleGuest}, "", true, ""},
		{"outsider denied as not member", authz.Actor{ID: "stranger", Role: "user", IsActive: true}, manage, "", false, authz.ReasonNotMember},
		{"member as self subject", authz.Actor{ID: "mem-1", Role: "user", IsActive: true}, authz.Requirement{MinTeamRole: domain.RoleManager, SelfSubject: true}, "mem-1", true, ""},
		{"member targeting someone else", authz.Actor{ID: "mem-1", Role: "user", IsActive: true}, authz.Requirement{MinTeamRole: domain.RoleManager, SelfSubject: true}, "guest-1", false, authz.ReasonInsufficientRole},
		{"outsider as self subject", authz.Actor{ID: "stranger", Role: "user", IsActive: true}, authz.Requirement{SelfSubject: true}, "stranger", true, ""},
		{"member against owner-only requirement", authz.Actor{ID: "mem-1", Role: "user", IsActive: true}, authz.Requirement{}, "", false, authz.ReasonNotOwner},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := authz.CanAct(c.actor, res, c.req, c.subjectID)
			if d.Allowed != c.allowed {
				t.Fatalf("Allowed = %v, want %v (reason %q)", d.Allowed, c.allowed, d.Reason)
			}
			if d.Reason != c.reason {
				t.Fatalf("Reason = %q, want %q", d.Reason, c.reason)
			}
		})
	}
}

func TestCheckAction(t *testing.T) {
	rules := rbac.New(rbac.Table{
		Actions: map[string][]string{
			"supervisor": {"project.create"},
		},
	})
	sup := authz.Actor{ID: "s", Role: "supervisor", IsActive: true}
	if d := authz.CheckAction(rules, sup, "project.create"); !d.Allowed {
		t.Fatalf("supervisor should create projects: %q", d.Reason)
	}
	if d := authz.CheckAction(rules, sup, "user.delete"); d.Allowed || d.Reason != authz.ReasonNoPermission {
		t.Fatalf("ungranted action must deny with no_permission, got %+v", d)
	}
	inactive := authz.Actor{ID: "s", Role: "supervisor"}
	if d := authz.CheckAction(rules, inactive, "project.create"); d.Allowed || d.Reason != authz.ReasonInactive {
		t.Fatalf("inactive actor must deny with inactive_actor, got %+v", d)
	}
}

func TestRequire(t *testing.T) {
	if err := authz.Require(authz.Decision{Allowed: true}, "x"); err != nil {
		t.Fatalf("allowed decision must not error: %v", err)
	}
	err := authz.Require(authz.Decision{Reason: authz.ReasonNotMember}, "project.update")
	var forbidden authz.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("want ForbiddenError, got %T", err)
	}
	if forbidden.Action != "project.update" || forbidden.Reason != authz.ReasonNotMember {
		t.Fatalf("unexpected error: %+v", forbidden)
	}
}

func TestTeamRank(t *testing.T) {
	if authz.TeamRank(domain.RoleOwner) <= authz.TeamRank(domain.RoleManager) {
		t.Fatalf("owner must outrank manager")
	}
	if authz.TeamRank(domain.RoleManager) <= authz.TeamRank(domain.RoleMember) {
		t.Fatalf("manager must outrank member")
	}
	if authz.TeamRank(domain.RoleMember) <= authz.TeamRank(domain.RoleGuest) {
		t.Fatalf("member must outrank guest")
	}
	if authz.TeamRank("nope") != 0 {
		t.Fatalf("unknown role must rank 0")
	}
}
