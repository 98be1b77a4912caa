// Package authz decides whether an actor may perform an action on a specific
// resource. It is the single entry point over the two grant mechanisms the
// system has: the static role→action table and the resource's ownership/team
// graph. Callers never pick a mechanism ad hoc; CanAct dispatches.
package authz

import (
	"fmt"

	"tracer/internal/domain"
	"tracer/internal/rbac"
)

// Deny reasons, surfaced in Forbidden errors for diagnostics.
const (
	ReasonNotOwner         = "not_owner"
	ReasonInsufficientRole = "insufficient_role"
	ReasonNotMember        = "not_member"
	ReasonNoPermission     = "no_permission"
	ReasonInactive         = "inactive_actor"
)

// SuperRole bypasses every resource-scoped check.
const SuperRole = "admin"

// ForbiddenError indicates a denied action with a machine-readable reason.
type ForbiddenError struct {
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("action %s denied: %s", e.Action, e.Reason)
}

// Actor is the authenticated identity making the request, produced by the
// credential layer upstream of this core.
type Actor struct {
	ID       string
	Role     string
	IsActive bool
}

// Resource is the view of a project an authorization decision is made
// against. It must be loaded fresh immediately before the mutation it guards;
// membership read earlier in the request may be stale.
type Resource struct {
	OwnerID string
	Team    []domain.TeamMember
}

// Decision is the outcome of CanAct. Reason is empty when allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Requirement describes what a given action needs from the resource graph.
type Requirement struct {
	// MinTeamRole is the weakest team role that may perform the action.
	// Empty means team membership alone never grants it.
	MinTeamRole string
	// SelfSubject allows the action when the actor is the subject it targets
	// (removing yourself from a team, deleting your own comment).
	SelfSubject bool
}

var teamRank = map[string]int{
	domain.RoleOwner:   4,
	domain.RoleManager: 3,
	domain.RoleMember:  2,
	domain.RoleGuest:   1,
}

// TeamRank returns the rank of a team role, 0 for unknown.
func TeamRank(role string) int { return teamRank[role] }

// CanAct evaluates, in order: super-admin bypass, resource ownership, team
// membership rank, then the self exception. It is a pure predicate with no
// side effects.
func CanAct(actor Actor, res Resource, req Requirement, subjectID string) Decision {
	if !actor.IsActive {
		return deny(ReasonInactive)
	}
	if actor.Role == SuperRole {
		return allow()
	}
	if actor.ID == res.OwnerID {
		return allow()
	}
	var membership *domain.TeamMember
	for i := range res.Team {
		if res.Team[i].UserID == actor.ID {
			membership = &res.Team[i]
			break
		}
	}
	if membership != nil && req.MinTeamRole != "" {
		if teamRank[membership.Role] >= teamRank[req.MinTeamRole] {
			return allow()
		}
	}
	if req.SelfSubject && subjectID != "" && actor.ID == subjectID {
		return allow()
	}
	if membership == nil {
		return deny(ReasonNotMember)
	}
	if req.MinTeamRole == "" {
		return deny(ReasonNotOwner)
	}
	return deny(ReasonInsufficientRole)
}

// CheckAction is the module-level RBAC gate for intents without a resource
// context ("can this role ever create a project"). The per-action table is
// authoritative; the role hierarchy is not consulted here.
func CheckAction(rules *rbac.Rules, actor Actor, action string) Decision {
	if !actor.IsActive {
		return deny(ReasonInactive)
	}
	if rules.HasActionPermission(actor.Role, action) {
		return allow()
	}
	return deny(ReasonNoPermission)
}

// Require converts a Decision into a typed error for the given action.
func Require(d Decision, action string) error {
	if d.Allowed {
		return nil
	}
	return ForbiddenError{Action: action, Reason: d.Reason}
}
