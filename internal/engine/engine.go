package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tracer/internal/authz"
	"tracer/internal/domain"
	"tracer/internal/events"
	"tracer/internal/rbac"
	"tracer/internal/repo"
)

// Engine owns every mutation of projects, teams, users and tasks. Each
// operation authorizes against freshly loaded resource state, runs in a
// single transaction with an audit event appended in-tx, and fires
// notifications only after commit.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Rules    *rbac.Rules
	Notifier events.Notifier
	Now      func() time.Time
}

func New(db *sql.DB, rules *rbac.Rules) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Rules:    rules,
		Notifier: events.NopNotifier{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) notify(ctx context.Context, n events.Notification) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Notify(ctx, n)
}

// actor loads the acting user. Authorization always starts from the stored
// record, not from whatever the request claimed.
func (e Engine) actor(ctx context.Context, actorID string) (authz.Actor, error) {
	if actorID == "" {
		return authz.Actor{}, invalidField("actor_id", "required")
	}
	u, err := e.Repo.GetUser(ctx, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return authz.Actor{}, fmt.Errorf("actor %s: %w", actorID, err)
		}
		return authz.Actor{}, err
	}
	return authz.Actor{ID: u.ID, Role: u.Role, IsActive: u.IsActive}, nil
}

// resource loads the ownership/team view of a project immediately before the
// decision that consumes it.
func (e Engine) resource(ctx context.Context, projectID string) (domain.Project, authz.Resource, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, authz.Resource{}, err
	}
	team, err := e.Repo.ListTeam(ctx, projectID)
	if err != nil {
		return domain.Project{}, authz.Resource{}, err
	}
	p.Team = team
	return p, authz.Resource{OwnerID: p.OwnerID, Team: team}, nil
}

// CreateUser registers a user record. Role must exist in the permission
// table.
func (e Engine) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.Name == "" {
		return domain.User{}, invalidField("name", "required")
	}
	if u.Role == "" {
		u.Role = "user"
	}
	if !e.Rules.KnownRole(u.Role) {
		return domain.User{}, invalidField("role", "unknown role %s", u.Role)
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	u.IsActive = true
	u.CreatedAt = e.nowString()
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// UpdateUserRole changes a user's global role.
func (e Engine) UpdateUserRole(ctx context.Context, userID, role, actorID string) (domain.User, error) {
	if !e.Rules.KnownRole(role) {
		return domain.User{}, invalidField("role", "unknown role %s", role)
	}
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.User{}, err
	}
	if err := authz.Require(authz.CheckAction(e.Rules, actor, "user.update"), "user.update"); err != nil {
		return domain.User{}, err
	}
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return u, err
	}
	if u.Role == role {
		return u, nil
	}
	from := u.Role
	u.Role = role
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateUserTx(ctx, tx, u); err != nil {
		return u, err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "user.updated", EntityKind: "user", EntityID: u.ID, ActorID: actor.ID}, events.EventPayload{"from_role": from, "to_role": role}); err != nil {
		return u, err
	}
	return u, tx.Commit()
}

// DeactivateUser flips is_active off without removing anything the user
// holds. A deactivated actor fails every authorization check but their
// history, memberships and assignments stay intact.
func (e Engine) DeactivateUser(ctx context.Context, userID, actorID string) (domain.User, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.User{}, err
	}
	if err := authz.Require(authz.CheckAction(e.Rules, actor, "user.update"), "user.update"); err != nil {
		return domain.User{}, err
	}
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return u, err
	}
	if !u.IsActive {
		return u, nil
	}
	u.IsActive = false
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateUserTx(ctx, tx, u); err != nil {
		return u, err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "user.deactivated", EntityKind: "user", EntityID: u.ID, ActorID: actor.ID}, events.EventPayload{}); err != nil {
		return u, err
	}
	return u, tx.Commit()
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	Status      string
	ActorID     string
}

// CreateProject makes the actor the owner and inserts the owner team entry in
// the same transaction, so the owner-in-team invariant holds from the first
// write.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, invalidField("name", "required")
	}
	if opts.Status == "" {
		opts.Status = domain.ProjectPlanning
	}
	if !domain.ValidProjectStatus(opts.Status) {
		return domain.Project{}, invalidField("status", "unknown status %s", opts.Status)
	}
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := authz.Require(authz.CheckAction(e.Rules, actor, "project.create"), "project.create"); err != nil {
		return domain.Project{}, err
	}
	now := e.nowString()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Project{
		ID:          id,
		OwnerID:     actor.ID,
		Name:        opts.Name,
		Description: opts.Description,
		Status:      opts.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	ownerEntry := domain.TeamMember{ProjectID: p.ID, UserID: actor.ID, Role: domain.RoleOwner, AddedAt: now}
	if err := e.Repo.UpsertTeamMemberTx(ctx, tx, ownerEntry); err != nil {
		return domain.Project{}, fmt.Errorf("insert owner membership: %w", err)
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "project.created", ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: actor.ID}, events.EventPayload{"name": p.Name, "status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Team = []domain.TeamMember{ownerEntry}
	return p, nil
}

// ProjectUpdateOptions encapsulates allowed project updates.
type ProjectUpdateOptions struct {
	ProjectID   string
	Status      string
	Description *string
	Archived    *bool
	ActorID     string
}

func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	if opts.Status != "" && !domain.ValidProjectStatus(opts.Status) {
		return domain.Project{}, invalidField("status", "unknown status %s", opts.Status)
	}
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.Project{}, err
	}
	p, res, err := e.resource(ctx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	req := authz.Requirement{MinTeamRole: domain.RoleManager}
	if err := authz.Require(authz.CanAct(actor, res, req, ""), "project.update"); err != nil {
		return p, err
	}
	changed := events.EventPayload{}
	if opts.Status != "" {
		changed["status"] = opts.Status
	}
	if opts.Description != nil {
		changed["description"] = *opts.Description
	}
	if opts.Archived != nil {
		changed["archived"] = *opts.Archived
	}
	if len(changed) == 0 {
		return p, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectTx(ctx, tx, opts.ProjectID, opts.Status, opts.Description, opts.Archived, e.nowString()); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "project.updated", ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: actor.ID}, changed); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	updated, _, err := e.resource(ctx, opts.ProjectID)
	return updated, err
}

// AddTeamMember adds a user to the project team or, when already present,
// updates their role in place. The owner role is never assigned this way;
// ownership moves only through TransferOwnership.
func (e Engine) AddTeamMember(ctx context.Context, projectID, userID, role, actorID string) (domain.Project, error) {
	if role == "" {
		role = domain.RoleMember
	}
	if !domain.ValidTeamRole(role) {
		return domain.Project{}, invalidField("role", "unknown team role %s", role)
	}
	if role == domain.RoleOwner {
		return domain.Project{}, invalidOp("add team member", "owner role is assigned through ownership transfer")
	}
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, fmt.Errorf("user %s: %w", userID, err)
		}
		return domain.Project{}, err
	}
	p, res, err := e.resource(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := authz.Require(authz.CanAct(actor, res, authz.Requirement{MinTeamRole: domain.RoleManager}, ""), "project.team.manage"); err != nil {
		return p, err
	}
	if userID == p.OwnerID {
		return p, invalidOp("add team member", "cannot change the owner's team role")
	}
	existing := false
	for _, m := range res.Team {
		if m.UserID == userID {
			existing = true
			break
		}
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertTeamMemberTx(ctx, tx, domain.TeamMember{ProjectID: projectID, UserID: userID, Role: role, AddedAt: now}); err != nil {
		return p, err
	}
	evtType := "project.member.added"
	if existing {
		evtType = "project.member.role_changed"
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: evtType, ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actor.ID}, events.EventPayload{"user_id": userID, "role": role}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	if !existing {
		e.notify(ctx, events.Notification{
			Type:      "project.invited",
			ProjectID: projectID,
			EntityID:  projectID,
			ActorID:   actor.ID,
			TargetID:  userID,
			Payload:   map[string]any{"role": role},
		})
	}
	updated, _, err := e.resource(ctx, projectID)
	return updated, err
}

// RemoveTeamMember removes a user from the team. Removing the owner is an
// invariant violation and fails whole; removing an absent user is a no-op.
// Members may remove themselves regardless of rank.
func (e Engine) RemoveTeamMember(ctx context.Context, projectID, userID, actorID string) (domain.Project, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	p, res, err := e.resource(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	req := authz.Requirement{MinTeamRole: domain.RoleManager, SelfSubject: true}
	if err := authz.Require(authz.CanAct(actor, res, req, userID), "project.team.manage"); err != nil {
		return p, err
	}
	if userID == p.OwnerID {
		return p, invalidOp("remove team member", "cannot remove the project owner from the team")
	}
	present := false
	for _, m := range res.Team {
		if m.UserID == userID {
			present = true
			break
		}
	}
	if !present {
		return p, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveTeamMemberTx(ctx, tx, projectID, userID); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "project.member.removed", ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actor.ID}, events.EventPayload{"user_id": userID}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	updated, _, err := e.resource(ctx, projectID)
	return updated, err
}

// TransferOwnership moves the project to a new owner. The new owner's team
// entry becomes owner; the previous owner stays on the team as manager.
func (e Engine) TransferOwnership(ctx context.Context, projectID, newOwnerID, actorID string) (domain.Project, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	if _, err := e.Repo.GetUser(ctx, newOwnerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, fmt.Errorf("user %s: %w", newOwnerID, err)
		}
		return domain.Project{}, err
	}
	p, res, err := e.resource(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	// Ownership transfer is owner-only (or admin); membership rank is not
	// enough.
	if err := authz.Require(authz.CanAct(actor, res, authz.Requirement{}, ""), "project.transfer"); err != nil {
		return p, err
	}
	if newOwnerID == p.OwnerID {
		return p, nil
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetProjectOwnerTx(ctx, tx, projectID, newOwnerID, now); err != nil {
		return p, err
	}
	if err := e.Repo.UpsertTeamMemberTx(ctx, tx, domain.TeamMember{ProjectID: projectID, UserID: newOwnerID, Role: domain.RoleOwner, AddedAt: now}); err != nil {
		return p, err
	}
	if err := e.Repo.UpsertTeamMemberTx(ctx, tx, domain.TeamMember{ProjectID: projectID, UserID: p.OwnerID, Role: domain.RoleManager, AddedAt: now}); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "project.ownership.transferred", ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actor.ID}, events.EventPayload{
		"from": p.OwnerID,
		"to":   newOwnerID,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	updated, _, err := e.resource(ctx, projectID)
	return updated, err
}

// DeleteProject removes the project and everything under it. Tasks are
// deleted before the project row so a crash mid-way can leave an incomplete
// deletion but never an orphaned task pointing at a missing project; with
// SQLite both steps commit atomically anyway.
func (e Engine) DeleteProject(ctx context.Context, projectID, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	p, res, err := e.resource(ctx, projectID)
	if err != nil {
		return err
	}
	if err := authz.Require(authz.CanAct(actor, res, authz.Requirement{}, ""), "project.delete"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.deleteProjectTx(ctx, tx, p.ID, actor.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// deleteProjectTx is the shared cascade used by DeleteProject and DeleteUser.
// Order matters: children first.
func (e Engine) deleteProjectTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) error {
	if err := e.Repo.DeleteProjectTasksTx(ctx, tx, projectID); err != nil {
		return fmt.Errorf("delete project tasks: %w", err)
	}
	if err := e.Repo.DeleteProjectTx(ctx, tx, projectID); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return e.Events.Append(ctx, tx, domain.Event{Type: "project.deleted", ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actorID}, events.EventPayload{})
}

// DeleteUser removes a user after reassigning everything they held:
// owned projects are promoted to their first other member (by join order) or
// cascade-deleted when the user was alone, remaining memberships are removed,
// and tasks assigned to the user move to each project's current owner. Their
// API keys are revoked and the user row is deleted last. The whole saga is
// one transaction.
func (e Engine) DeleteUser(ctx context.Context, userID, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	if err := authz.Require(authz.CheckAction(e.Rules, actor, "user.delete"), "user.delete"); err != nil {
		return err
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.removeUserTx(ctx, tx, userID, actor.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteOwnAccount is the stricter self-service path: it refuses while the
// user still owns any project, instead of silently reassigning.
func (e Engine) DeleteOwnAccount(ctx context.Context, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	owned, err := e.Repo.CountOwnedProjects(ctx, actor.ID)
	if err != nil {
		return err
	}
	if owned > 0 {
		return invalidOp("delete account", "user owns %d project(s); transfer ownership or delete them first", owned)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.removeUserTx(ctx, tx, actor.ID, actor.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) removeUserTx(ctx context.Context, tx *sql.Tx, userID, actorID string) error {
	owned, err := e.Repo.ListOwnedProjectIDsTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	now := e.nowString()
	for _, projectID := range owned {
		team, err := e.Repo.ListTeamTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		var successor string
		for _, m := range team {
			if m.UserID != userID {
				successor = m.UserID
				break
			}
		}
		if successor == "" {
			if err := e.deleteProjectTx(ctx, tx, projectID, actorID); err != nil {
				return err
			}
			continue
		}
		if err := e.Repo.SetProjectOwnerTx(ctx, tx, projectID, successor, now); err != nil {
			return err
		}
		if err := e.Repo.UpsertTeamMemberTx(ctx, tx, domain.TeamMember{ProjectID: projectID, UserID: successor, Role: domain.RoleOwner, AddedAt: now}); err != nil {
			return err
		}
		if err := e.Repo.RemoveTeamMemberTx(ctx, tx, projectID, userID); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, domain.Event{Type: "project.ownership.transferred", ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actorID}, events.EventPayload{
			"from":   userID,
			"to":     successor,
			"reason": "owner_deleted",
		}); err != nil {
			return err
		}
	}
	remaining, err := e.Repo.ListMemberProjectIDsTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	for _, projectID := range remaining {
		if err := e.Repo.RemoveTeamMemberTx(ctx, tx, projectID, userID); err != nil {
			return err
		}
	}
	if err := e.Repo.ReassignUserTasksToOwnersTx(ctx, tx, userID, now); err != nil {
		return err
	}
	if err := e.Repo.DeleteUserAPIKeysTx(ctx, tx, userID); err != nil {
		return err
	}
	if err := e.Repo.DeleteUserTx(ctx, tx, userID); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, domain.Event{Type: "user.deleted", EntityKind: "user", EntityID: userID, ActorID: actorID}, events.EventPayload{})
}
