package engine_test

import (
	"errors"
	"testing"

	"tracer/internal/authz"
	"tracer/internal/domain"
	"tracer/internal/engine"
	"tracer/internal/repo"
)

func (env testEnv) task(t *testing.T, projectID, actorID string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: projectID,
		Title:     "mount inverter",
		ActorID:   actorID,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) setStatus(t *testing.T, taskID, status, actorID string) domain.Task {
	t.Helper()
	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: taskID, Status: status, ActorID: actorID})
	if err != nil {
		t.Fatalf("set status %s: %v", status, err)
	}
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	task := env.task(t, p.ID, "alice")
	if task.Status != domain.TaskTodo {
		t.Fatalf("status = %s, want todo", task.Status)
	}
	if task.CompletedAt != nil {
		t.Fatalf("new task must have no completed_at")
	}
	if task.CreatedBy != "alice" {
		t.Fatalf("created_by = %s, want alice", task.CreatedBy)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, ActorID: "alice"}); err == nil {
		t.Fatalf("empty title must be rejected")
	}
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, Title: "x", AssigneeID: "nobody", ActorID: "alice"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown assignee: want not found, got %v", err)
	}
}

func TestStatusCompletedAtRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	task := env.task(t, p.ID, "alice")

	task = env.setStatus(t, task.ID, domain.TaskCompleted, "alice")
	if task.CompletedAt == nil {
		t.Fatalf("entering completed must stamp completed_at")
	}
	stamp := *task.CompletedAt

	// same status again does not re-stamp
	task = env.setStatus(t, task.ID, domain.TaskCompleted, "alice")
	if task.CompletedAt == nil || *task.CompletedAt != stamp {
		t.Fatalf("re-completing must keep the original stamp: %v", task.CompletedAt)
	}

	// leaving completed clears unconditionally
	task = env.setStatus(t, task.ID, domain.TaskInProgress, "alice")
	if task.CompletedAt != nil {
		t.Fatalf("leaving completed must clear completed_at, got %v", *task.CompletedAt)
	}

	// completing again stamps fresh
	task = env.setStatus(t, task.ID, domain.TaskCompleted, "alice")
	if task.CompletedAt == nil || *task.CompletedAt == stamp {
		t.Fatalf("re-entry must stamp a new time, got %v", task.CompletedAt)
	}

	// persisted state matches
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.TaskCompleted || stored.CompletedAt == nil {
		t.Fatalf("stored task out of sync: %+v", stored)
	}
}

func TestStatusFreeTransitions(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	task := env.task(t, p.ID, "alice")
	// direct todo → completed is legal, as is any hop between valid statuses
	for _, status := range []string{domain.TaskCompleted, domain.TaskTodo, domain.TaskReview, domain.TaskInProgress} {
		task = env.setStatus(t, task.ID, status, "alice")
		if task.Status != status {
			t.Fatalf("status = %s, want %s", task.Status, status)
		}
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "blocked", ActorID: "alice"}); err == nil {
		t.Fatalf("unknown status must be rejected")
	}
}

func TestLogTime(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")
	task := env.task(t, p.ID, "alice")

	task, err := env.Engine.LogTime(env.Ctx, task.ID, "bob", "2025-06-01T09:00:00Z", "2025-06-01T10:30:00Z", "cabling")
	if err != nil {
		t.Fatalf("log time: %v", err)
	}
	if task.TimeSpentMinutes != 90 {
		t.Fatalf("time spent = %d, want 90", task.TimeSpentMinutes)
	}

	// 90-second entry rounds to 2 minutes; total is the sum of all logs
	task, err = env.Engine.LogTime(env.Ctx, task.ID, "bob", "2025-06-01T11:00:00Z", "2025-06-01T11:01:30Z", "")
	if err != nil {
		t.Fatalf("log time: %v", err)
	}
	if task.TimeSpentMinutes != 92 {
		t.Fatalf("time spent = %d, want 92", task.TimeSpentMinutes)
	}

	logs, err := env.Engine.Repo.ListTimeLogs(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("log count = %d, want 2", len(logs))
	}
	sum := 0
	for _, l := range logs {
		sum += l.DurationMinutes
	}
	if sum != task.TimeSpentMinutes {
		t.Fatalf("stored total %d must equal sum of logs %d", task.TimeSpentMinutes, sum)
	}
}

func TestLogTimeRejectsNegativeInterval(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	task := env.task(t, p.ID, "alice")

	_, err := env.Engine.LogTime(env.Ctx, task.ID, "alice", "2025-06-01T10:00:00Z", "2025-06-01T09:00:00Z", "")
	var invalid engine.InvalidOperationError
	if !errors.As(err, &invalid) {
		t.Fatalf("end before start must fail with invalid operation, got %v", err)
	}
	logs, err := env.Engine.Repo.ListTimeLogs(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Fatalf("rejected entry must not be stored")
	}
	if _, err := env.Engine.LogTime(env.Ctx, task.ID, "alice", "yesterday", "2025-06-01T09:00:00Z", ""); err == nil {
		t.Fatalf("unparseable start must be rejected")
	}
}

func TestLogTimeRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	task := env.task(t, p.ID, "alice")
	_, err := env.Engine.LogTime(env.Ctx, task.ID, "carol", "2025-06-01T09:00:00Z", "2025-06-01T09:30:00Z", "")
	var forbidden authz.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Reason != authz.ReasonNotMember {
		t.Fatalf("outsider logging time: want not_member, got %v", err)
	}
}

func TestSubtaskProgress(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	task := env.task(t, p.ID, "alice")

	progress, err := env.Engine.SubtaskProgress(env.Ctx, task.ID)
	if err != nil || progress != 0 {
		t.Fatalf("no subtasks: progress = %d %v, want 0", progress, err)
	}

	var subtasks []domain.Subtask
	for _, title := range []string{"anchor", "level", "torque"} {
		s, err := env.Engine.AddSubtask(env.Ctx, task.ID, title, "alice")
		if err != nil {
			t.Fatalf("add subtask: %v", err)
		}
		subtasks = append(subtasks, s)
	}

	done := true
	if _, err := env.Engine.UpdateSubtask(env.Ctx, engine.SubtaskUpdateOptions{SubtaskID: subtasks[0].ID, Completed: &done, ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	progress, err = env.Engine.SubtaskProgress(env.Ctx, task.ID)
	if err != nil || progress != 33 {
		t.Fatalf("1/3 done: progress = %d %v, want 33", progress, err)
	}

	if _, err := env.Engine.UpdateSubtask(env.Ctx, engine.SubtaskUpdateOptions{SubtaskID: subtasks[1].ID, Completed: &done, ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	progress, _ = env.Engine.SubtaskProgress(env.Ctx, task.ID)
	if progress != 67 {
		t.Fatalf("2/3 done: progress = %d, want 67", progress)
	}
}

func TestSubtaskCompletedAtMirror(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	task := env.task(t, p.ID, "alice")
	s, err := env.Engine.AddSubtask(env.Ctx, task.ID, "ground rod", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if s.Completed || s.CompletedAt != nil {
		t.Fatalf("new subtask must be incomplete: %+v", s)
	}
	done := true
	s, err = env.Engine.UpdateSubtask(env.Ctx, engine.SubtaskUpdateOptions{SubtaskID: s.ID, Completed: &done, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Completed || s.CompletedAt == nil {
		t.Fatalf("completed subtask must carry a stamp: %+v", s)
	}
	undone := false
	s, err = env.Engine.UpdateSubtask(env.Ctx, engine.SubtaskUpdateOptions{SubtaskID: s.ID, Completed: &undone, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Completed || s.CompletedAt != nil {
		t.Fatalf("reopened subtask must drop the stamp: %+v", s)
	}
}

func TestComments(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")
	env.addMember(t, p.ID, "carol", domain.RoleMember, "alice")
	task := env.task(t, p.ID, "alice")

	c, err := env.Engine.AddComment(env.Ctx, task.ID, "breaker panel is undersized", "bob")
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if _, err := env.Engine.AddComment(env.Ctx, task.ID, "", "bob"); err == nil {
		t.Fatalf("empty comment must be rejected")
	}

	// another member cannot delete it
	var forbidden authz.ForbiddenError
	if err := env.Engine.DeleteComment(env.Ctx, c.ID, "carol"); !errors.As(err, &forbidden) {
		t.Fatalf("non-author member deleting: want forbidden, got %v", err)
	}
	// the author can
	if err := env.Engine.DeleteComment(env.Ctx, c.ID, "bob"); err != nil {
		t.Fatalf("author delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetComment(env.Ctx, c.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("comment should be gone, got %v", err)
	}

	// the project owner can delete anyone's comment
	c2, err := env.Engine.AddComment(env.Ctx, task.ID, "second opinion", "carol")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteComment(env.Ctx, c2.ID, "alice"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
}

func TestUpdateTaskAssignment(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")
	task := env.task(t, p.ID, "alice")

	assignee := "bob"
	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Assign: &assignee, AssignProvided: true, ActorID: "alice"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if task.AssigneeID == nil || *task.AssigneeID != "bob" {
		t.Fatalf("assignee = %v, want bob", task.AssigneeID)
	}

	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Assign: nil, AssignProvided: true, ActorID: "alice"})
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if task.AssigneeID != nil {
		t.Fatalf("assignee should be cleared, got %v", *task.AssigneeID)
	}
}

func TestTaskSummary(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	t1 := env.task(t, p.ID, "alice")
	t2 := env.task(t, p.ID, "alice")
	env.task(t, p.ID, "alice")
	env.setStatus(t, t1.ID, domain.TaskCompleted, "alice")
	env.setStatus(t, t2.ID, domain.TaskInProgress, "alice")

	s, err := env.Engine.TaskSummary(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.Total != 3 || s.Completed != 1 || s.InProgress != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if s.ByStatus[domain.TaskTodo] != 1 {
		t.Fatalf("todo count = %d, want 1", s.ByStatus[domain.TaskTodo])
	}
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alice")
	env.addMember(t, p.ID, "bob", domain.RoleMember, "alice")
	task := env.task(t, p.ID, "alice")

	var forbidden authz.ForbiddenError
	if err := env.Engine.DeleteTask(env.Ctx, task.ID, "bob"); !errors.As(err, &forbidden) || forbidden.Reason != authz.ReasonInsufficientRole {
		t.Fatalf("member deleting task: want insufficient_role, got %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task should be gone, got %v", err)
	}
}
