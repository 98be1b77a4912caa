package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tracer/internal/authz"
	"tracer/internal/config"
	"tracer/internal/db"
	"tracer/internal/domain"
	"tracer/internal/engine"
	"tracer/internal/migrate"
	"tracer/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// newTestEnv opens a throwaway database and seeds one user per global role
// the tests exercise. The clock advances one minute per call so join order
// and timestamps are distinguishable.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default().Rules())
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(tick) * time.Minute)
	}
	ctx := context.Background()
	seed := []domain.User{
		{ID: "root", Name: "Root", Role: "admin"},
		{ID: "alice", Name: "Alice", Role: "supervisor"},
		{ID: "bob", Name: "Bob", Role: "installer"},
		{ID: "carol", Name: "Carol", Role: "installer"},
		{ID: "dave", Name: "Dave", Role: "user"},
	}
	for _, u := range seed {
		if _, err := eng.CreateUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) project(t *testing.T, ownerID string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name:    "Site install",
		ActorID: ownerID,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (env testEnv) addMember(t *testing.T, projectID, userID, role, actorID string) {
	t.Helper()
	if _, err := env.Engine.AddTeamMember(env.Ctx, projectID, userID, role, actorID); err != nil {
		t.Fatalf("add %s as %s: %v", userID, role, err)
	}
}

func (env testEnv) eventCount(t *testing.T, evtType string) int {
	t.Helper()
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 100, "", evtType, "", "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return len(events)
}

func teamRole(t *testing.T, p domain.Project, userID string) string {
	t.Helper()
	for _, m := range p.Team {
		if m.UserID == userID {
			return m.Role
		}
	}
	t.Fatalf("user %s not on team of %s", userID, p.ID)
	return ""
}

func TestCreateProjectOwnerInTeam(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	if p.OwnerID != "alice" {
		t.Fatalf("owner = %s, want alice", p.OwnerID)
	}
	if got := teamRole(t, p, "alice"); got != domain.RoleOwner {
		t.Fatalf("owner team role = %s, want owner", got)
	}
	if len(p.Team) != 1 {
		t.Fatalf("team size = %d, want 1", len(p.Team))
	}
}

func TestCreateProjectRequiresGrant(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "X", ActorID: "dave"})
	var forbidden authz.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("want ForbiddenError, got %v", err)
	}
	if forbidden.Reason != authz.ReasonNoPermission {
		t.Fatalf("reason = %s, want no_permission", forbidden.Reason)
	}
}

func TestAddTeamMemberUpsert(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")
	updated, err := env.Engine.AddTeamMember(env.Ctx, p.ID, "bob", domain.RoleManager, "alice")
	if err != nil {
		t.Fatalf("re-add with new role: %v", err)
	}
	if len(updated.Team) != 2 {
		t.Fatalf("team size = %d, want 2 (no duplicate entry)", len(updated.Team))
	}
	if got := teamRole(t, updated, "bob"); got != domain.RoleManager {
		t.Fatalf("bob role = %s, want manager", got)
	}
}

func TestAddTeamMemberRejectsOwnerRole(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	_, err := env.Engine.AddTeamMember(env.Ctx, p.ID, "bob", domain.RoleOwner, "alice")
	var invalid engine.InvalidOperationError
	if !errors.As(err, &invalid) {
		t.Fatalf("assigning owner role directly must fail, got %v", err)
	}
	_, err = env.Engine.AddTeamMember(env.Ctx, p.ID, "alice", domain.RoleMember, "root")
	if !errors.As(err, &invalid) {
		t.Fatalf("changing the owner's team role must fail, got %v", err)
	}
}

func TestAddTeamMemberRequiresManager(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")
	_, err := env.Engine.AddTeamMember(env.Ctx, p.ID, "carol", domain.RoleMember, "bob")
	var forbidden authz.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Reason != authz.ReasonInsufficientRole {
		t.Fatalf("member adding members: want insufficient_role, got %v", err)
	}
	_, err = env.Engine.AddTeamMember(env.Ctx, p.ID, "carol", domain.RoleMember, "dave")
	if !errors.As(err, &forbidden) || forbidden.Reason != authz.ReasonNotMember {
		t.Fatalf("outsider adding members: want not_member, got %v", err)
	}
}

func TestRemoveTeamMember(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")

	// removing the owner violates the owner-in-team invariant
	_, err := env.Engine.RemoveTeamMember(env.Ctx, p.ID, "alice", "root")
	var invalid engine.InvalidOperationError
	if !errors.As(err, &invalid) {
		t.Fatalf("removing the owner must fail, got %v", err)
	}
	after, err := env.Engine.Repo.ListTeam(env.Ctx, p.ID)
	if err != nil || len(after) != 2 {
		t.Fatalf("team must be unchanged after failed removal: %d members, %v", len(after), err)
	}

	// removing an absent user is a no-op
	if _, err := env.Engine.RemoveTeamMember(env.Ctx, p.ID, "carol", "alice"); err != nil {
		t.Fatalf("removing absent user must be a no-op: %v", err)
	}

	// a member may leave on their own
	updated, err := env.Engine.RemoveTeamMember(env.Ctx, p.ID, "bob", "bob")
	if err != nil {
		t.Fatalf("self-removal: %v", err)
	}
	if len(updated.Team) != 1 {
		t.Fatalf("team size after self-removal = %d, want 1", len(updated.Team))
	}

	// but cannot remove anyone else
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")
	env.addMember(t, p.ID, "carol", domain.RoleMember, "alice")
	var forbidden authz.ForbiddenError
	_, err = env.Engine.RemoveTeamMember(env.Ctx, p.ID, "carol", "bob")
	if !errors.As(err, &forbidden) || forbidden.Reason != authz.ReasonInsufficientRole {
		t.Fatalf("member removing someone else: want insufficient_role, got %v", err)
	}
}

func TestTransferOwnership(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")

	_, err := env.Engine.TransferOwnership(env.Ctx, p.ID, "carol", "bob")
	var forbidden authz.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Reason != authz.ReasonNotOwner {
		t.Fatalf("non-owner transfer: want not_owner, got %v", err)
	}

	updated, err := env.Engine.TransferOwnership(env.Ctx, p.ID, "bob", "alice")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if updated.OwnerID != "bob" {
		t.Fatalf("owner = %s, want bob", updated.OwnerID)
	}
	if got := teamRole(t, updated, "bob"); got != domain.RoleOwner {
		t.Fatalf("new owner team role = %s, want owner", got)
	}
	if got := teamRole(t, updated, "alice"); got != domain.RoleManager {
		t.Fatalf("previous owner team role = %s, want manager", got)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	for _, title := range []string{"one", "two", "three"} {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, Title: title, ActorID: "alice"}); err != nil {
			t.Fatalf("create task %s: %v", title, err)
		}
	}
	if err := env.Engine.DeleteProject(env.Ctx, p.ID, "alice"); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("project should be gone, got %v", err)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks remaining after project delete: %d", len(tasks))
	}
}

func TestDeleteProjectOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleManager, "alice")
	var forbidden authz.ForbiddenError
	if err := env.Engine.DeleteProject(env.Ctx, p.ID, "bob"); !errors.As(err, &forbidden) || forbidden.Reason != authz.ReasonNotOwner {
		t.Fatalf("manager deleting project: want not_owner, got %v", err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, p.ID, "root"); err != nil {
		t.Fatalf("admin bypass should delete: %v", err)
	}
}

func TestDeleteUserPromotesSuccessor(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")
	env.addMember(t, p.ID, "carol", domain.RoleMember, "alice")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: p.ID, Title: "wire cabinet", AssigneeID: "alice", ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.DeleteUser(env.Ctx, "alice", "root"); err != nil {
		t.Fatalf("delete user: %v", err)
	}

	updated, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("project must survive: %v", err)
	}
	// bob joined before carol, so bob is the successor
	if updated.OwnerID != "bob" {
		t.Fatalf("promoted owner = %s, want bob", updated.OwnerID)
	}
	m, err := env.Engine.Repo.GetTeamMember(env.Ctx, p.ID, "bob")
	if err != nil || m.Role != domain.RoleOwner {
		t.Fatalf("successor team role = %v %v, want owner", m.Role, err)
	}
	if _, err := env.Engine.Repo.GetTeamMember(env.Ctx, p.ID, "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted user must leave the team, got %v", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssigneeID == nil || *got.AssigneeID != "bob" {
		t.Fatalf("task must be reassigned to the new owner, got %v", got.AssigneeID)
	}
	if _, err := env.Engine.Repo.GetUser(env.Ctx, "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("user row must be gone, got %v", err)
	}
}

func TestDeleteUserCascadesLoneProjects(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, Title: "solo", ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteUser(env.Ctx, "alice", "root"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("sole-owner project must cascade, got %v", err)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("cascaded project left %d tasks", len(tasks))
	}
}

func TestDeleteUserRemovesPlainMemberships(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")
	if err := env.Engine.DeleteUser(env.Ctx, "bob", "root"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := env.Engine.Repo.GetTeamMember(env.Ctx, p.ID, "bob"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("membership must be gone, got %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, p.ID); err != nil {
		t.Fatalf("project must survive member deletion: %v", err)
	}
}

func TestDeleteUserRequiresGrant(t *testing.T) {
	env := newTestEnv(t)
	var forbidden authz.ForbiddenError
	if err := env.Engine.DeleteUser(env.Ctx, "dave", "alice"); !errors.As(err, &forbidden) || forbidden.Reason != authz.ReasonNoPermission {
		t.Fatalf("supervisor deleting users: want no_permission, got %v", err)
	}
}

func TestDeleteOwnAccountBlockedWhileOwning(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")

	err := env.Engine.DeleteOwnAccount(env.Ctx, "alice")
	var invalid engine.InvalidOperationError
	if !errors.As(err, &invalid) {
		t.Fatalf("self-delete while owning must fail, got %v", err)
	}
	if _, err := env.Engine.Repo.GetUser(env.Ctx, "alice"); err != nil {
		t.Fatalf("user must still exist: %v", err)
	}

	if _, err := env.Engine.TransferOwnership(env.Ctx, p.ID, "bob", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteOwnAccount(env.Ctx, "alice"); err != nil {
		t.Fatalf("self-delete after transfer: %v", err)
	}
	if _, err := env.Engine.Repo.GetUser(env.Ctx, "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("user must be gone, got %v", err)
	}
}

func TestDeactivatedActorDenied(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")
	if _, err := env.Engine.DeactivateUser(env.Ctx, "bob", "root"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, Title: "x", ActorID: "bob"})
	var forbidden authz.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Reason != authz.ReasonInactive {
		t.Fatalf("inactive actor: want inactive_actor, got %v", err)
	}
	// state stays intact
	if _, err := env.Engine.Repo.GetTeamMember(env.Ctx, p.ID, "bob"); err != nil {
		t.Fatalf("membership must survive deactivation: %v", err)
	}
}

func TestUpdateProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	desc := "switchgear replacement"
	updated, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{
		ProjectID:   p.ID,
		Status:      domain.ProjectActive,
		Description: &desc,
		ActorID:     "alice",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != domain.ProjectActive || updated.Description != desc {
		t.Fatalf("update not applied: %+v", updated)
	}
	if n := env.eventCount(t, "project.updated"); n != 1 {
		t.Fatalf("want one project.updated event, got %d", n)
	}
	if _, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ProjectID: p.ID, Status: "bogus", ActorID: "alice"}); err == nil {
		t.Fatalf("invalid status must be rejected")
	}
}

func TestDeleteUserRevokesAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key := domain.APIKey{ID: "key-1", UserID: "dave", Name: "field tablet", KeyHash: repo.HashAPIKey("plain-key")}
	if err := env.Engine.Repo.InsertAPIKey(env.Ctx, nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	if err := env.Engine.DeleteUser(env.Ctx, "dave", "root"); err != nil {
		t.Fatalf("delete user holding an api key: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, key.KeyHash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("key must be gone, got %v", err)
	}
	if _, err := env.Engine.Repo.GetUser(env.Ctx, "dave"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("user must be gone, got %v", err)
	}
}

func TestUserMutationsAudited(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.UpdateUserRole(env.Ctx, "dave", "installer", "root")
	if err != nil {
		t.Fatalf("update role: %v", err)
	}
	if u.Role != "installer" {
		t.Fatalf("role not applied: %+v", u)
	}
	if n := env.eventCount(t, "user.updated"); n != 1 {
		t.Fatalf("want one user.updated event, got %d", n)
	}
	// same-role update is a no-op and must not log again
	if _, err := env.Engine.UpdateUserRole(env.Ctx, "dave", "installer", "root"); err != nil {
		t.Fatalf("repeat update: %v", err)
	}
	if n := env.eventCount(t, "user.updated"); n != 1 {
		t.Fatalf("no-op role update must not log, got %d events", n)
	}

	if _, err := env.Engine.DeactivateUser(env.Ctx, "dave", "root"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if n := env.eventCount(t, "user.deactivated"); n != 1 {
		t.Fatalf("want one user.deactivated event, got %d", n)
	}
	if _, err := env.Engine.DeactivateUser(env.Ctx, "dave", "root"); err != nil {
		t.Fatalf("repeat deactivate: %v", err)
	}
	if n := env.eventCount(t, "user.deactivated"); n != 1 {
		t.Fatalf("no-op deactivate must not log, got %d events", n)
	}
}
