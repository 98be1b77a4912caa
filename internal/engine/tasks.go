package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"tracer/internal/authz"
	"tracer/internal/domain"
	"tracer/internal/events"
	"tracer/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID              string
	ProjectID       string
	Title           string
	Description     string
	AssigneeID      string
	EstimateMinutes int
	ActorID         string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, invalidField("title", "required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, invalidField("project_id", "required")
	}
	if opts.EstimateMinutes < 0 {
		return domain.Task{}, invalidField("estimate_minutes", "must not be negative")
	}
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.Task{}, err
	}
	_, res, err := e.resource(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := authz.Require(authz.CanAct(actor, res, authz.Requirement{MinTeamRole: domain.RoleMember}, ""), "task.create"); err != nil {
		return domain.Task{}, err
	}
	if opts.AssigneeID != "" {
		if _, err := e.Repo.GetUser(ctx, opts.AssigneeID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, fmt.Errorf("assignee %s: %w", opts.AssigneeID, err)
			}
			return domain.Task{}, err
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	t := domain.Task{
		ID:              id,
		ProjectID:       opts.ProjectID,
		Title:           opts.Title,
		Description:     opts.Description,
		Status:          domain.TaskTodo,
		AssigneeID:      optionalString(opts.AssigneeID),
		CreatedBy:       actor.ID,
		EstimateMinutes: opts.EstimateMinutes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "task.created", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: actor.ID}, events.EventPayload{"title": t.Title}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	if t.AssigneeID != nil {
		e.notify(ctx, events.Notification{
			Type:      "task.assigned",
			ProjectID: t.ProjectID,
			EntityID:  t.ID,
			ActorID:   actor.ID,
			TargetID:  *t.AssigneeID,
			Payload:   map[string]any{"title": t.Title},
		})
	}
	return t, nil
}

// TaskUpdateOptions encapsulates allowed task updates.
type TaskUpdateOptions struct {
	ID              string
	Title           string
	Description     *string
	Status          string
	Assign          *string
	AssignProvided  bool
	EstimateMinutes *int
	ActorID         string
}

// UpdateTask mutates task fields. Status changes follow the completed_at
// rule: entering completed stamps it once, leaving completed clears it
// unconditionally. Any transition between valid statuses is allowed,
// including reopening a completed task.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.Status != "" && !domain.ValidTaskStatus(opts.Status) {
		return domain.Task{}, invalidField("status", "unknown status %s", opts.Status)
	}
	if opts.EstimateMinutes != nil && *opts.EstimateMinutes < 0 {
		return domain.Task{}, invalidField("estimate_minutes", "must not be negative")
	}
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	_, res, err := e.resource(ctx, t.ProjectID)
	if err != nil {
		return t, err
	}
	if err := authz.Require(authz.CanAct(actor, res, authz.Requirement{MinTeamRole: domain.RoleMember}, ""), "task.update"); err != nil {
		return t, err
	}
	original := t
	if opts.Title != "" {
		t.Title = opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	assigneeChanged := false
	if opts.AssignProvided {
		if opts.Assign == nil || *opts.Assign == "" {
			t.AssigneeID = nil
		} else {
			if _, err := e.Repo.GetUser(ctx, *opts.Assign); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return t, fmt.Errorf("assignee %s: %w", *opts.Assign, err)
				}
				return t, err
			}
			assigneeChanged = original.AssigneeID == nil || *original.AssigneeID != *opts.Assign
			t.AssigneeID = opts.Assign
		}
	}
	if opts.EstimateMinutes != nil {
		t.EstimateMinutes = *opts.EstimateMinutes
	}
	if opts.Status != "" && opts.Status != t.Status {
		applyStatusChange(&t, opts.Status, e.nowString())
	}
	t.UpdatedAt = e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "task.updated", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: actor.ID}, events.EventPayload{
		"from_status": original.Status,
		"to_status":   t.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	if assigneeChanged && t.AssigneeID != nil {
		e.notify(ctx, events.Notification{
			Type:      "task.assigned",
			ProjectID: t.ProjectID,
			EntityID:  t.ID,
			ActorID:   actor.ID,
			TargetID:  *t.AssigneeID,
			Payload:   map[string]any{"title": t.Title},
		})
	}
	return t, nil
}

// applyStatusChange enforces: completed_at is non-null iff status is
// completed. Re-entering completed does not re-stamp; leaving clears.
func applyStatusChange(t *domain.Task, status, now string) {
	wasCompleted := t.Status == domain.TaskCompleted
	t.Status = status
	if status == domain.TaskCompleted {
		if !wasCompleted {
			t.CompletedAt = &now
		}
		return
	}
	t.CompletedAt = nil
}

// DeleteTask removes a task and its child rows.
func (e Engine) DeleteTask(ctx context.Context, taskID, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	_, res, err := e.resource(ctx, t.ProjectID)
	if err != nil {
		return err
	}
	if err := authz.Require(authz.CanAct(actor, res, authz.Requirement{MinTeamRole: domain.RoleManager}, ""), "task.delete"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTaskTx(ctx, tx, taskID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "task.deleted", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: actor.ID}, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// LogTime appends a time entry and recomputes the task total from the log
// rows in the same transaction. The stored total is always the sum of the
// logs, never an incremented counter, so concurrent appends cannot lose time.
func (e Engine) LogTime(ctx context.Context, taskID, actorID, startTime, endTime, description string) (domain.Task, error) {
	start, err := time.Parse(time.RFC3339, startTime)
	if err != nil {
		return domain.Task{}, invalidField("start_time", "must be RFC3339: %v", err)
	}
	end, err := time.Parse(time.RFC3339, endTime)
	if err != nil {
		return domain.Task{}, invalidField("end_time", "must be RFC3339: %v", err)
	}
	if end.Before(start) {
		return domain.Task{}, invalidOp("log time", "end_time is before start_time")
	}
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	_, res, err := e.resource(ctx, t.ProjectID)
	if err != nil {
		return t, err
	}
	if err := authz.Require(authz.CanAct(actor, res, authz.Requirement{MinTeamRole: domain.RoleMember}, ""), "task.time.log"); err != nil {
		return t, err
	}
	duration := int(math.Round(end.Sub(start).Minutes()))
	now := e.nowString()
	entry := domain.TimeLog{
		ID:              uuid.New().String(),
		TaskID:          t.ID,
		UserID:          actor.ID,
		StartTime:       start.UTC().Format(time.RFC3339),
		EndTime:         end.UTC().Format(time.RFC3339),
		DurationMinutes: duration,
		Description:     description,
		CreatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTimeLogTx(ctx, tx, entry); err != nil {
		return t, fmt.Errorf("insert time log: %w", err)
	}
	total, err := e.Repo.SumTimeLogsTx(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	t.TimeSpentMinutes = total
	t.UpdatedAt = now
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "task.time.logged", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: actor.ID}, events.EventPayload{
		"duration_minutes": duration,
		"total_minutes":    total,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// AddSubtask appends an incomplete subtask.
func (e Engine) AddSubtask(ctx context.Context, taskID, title, actorID string) (domain.Subtask, error) {
	if title == "" {
		return domain.Subtask{}, invalidField("title", "required")
	}
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Subtask{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Subtask{}, err
	}
	_, res, err := e.resource(ctx, t.ProjectID)
	if err != nil {
		return domain.Subtask{}, err
	}
	if err := authz.Require(authz.CanAct(actor, res, authz.Requirement{MinTeamRole: domain.RoleMember}, ""), "task.update"); err != nil {
		return domain.Subtask{}, err
	}
	s := domain.Subtask{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		Title:     title,
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSubtaskTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "task.subtask.added", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: actor.ID}, events.EventPayload{"title": title}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// SubtaskUpdateOptions encapsulates allowed subtask updates.
type SubtaskUpdateOptions struct {
	SubtaskID string
	Title     *string
	Completed *bool
	ActorID   string
}

// UpdateSubtask mutates a subtask in place; completed_at mirrors the
// completed flag the same way a task's completed_at mirrors its status.
func (e Engine) UpdateSubtask(ctx context.Context, opts SubtaskUpdateOptions) (domain.Subtask, error) {
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.Subtask{}, err
	}
	s, err := e.Repo.GetSubtask(ctx, opts.SubtaskID)
	if err != nil {
		return s, err
	}
	t, err := e.Repo.GetTask(ctx, s.TaskID)
	if err != nil {
		return s, err
	}
	_, res, err := e.resource(ctx, t.ProjectID)
	if err != nil {
		return s, err
	}
	if err := authz.Require(authz.CanAct(actor, res, authz.Requirement{MinTeamRole: domain.RoleMember}, ""), "task.update"); err != nil {
		return s, err
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return s, invalidField("title", "must not be empty")
		}
		s.Title = *opts.Title
	}
	if opts.Completed != nil && *opts.Completed != s.Completed {
		s.Completed = *opts.Completed
		if s.Completed {
			now := e.nowString()
			s.CompletedAt = &now
		} else {
			s.CompletedAt = nil
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSubtaskTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "task.subtask.updated", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: actor.ID}, events.EventPayload{
		"subtask_id": s.ID,
		"completed":  s.Completed,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// SubtaskProgress returns the task's aggregate completion as a whole
// percentage: round(100 * completed / total), 0 for a task with no subtasks.
func (e Engine) SubtaskProgress(ctx context.Context, taskID string) (int, error) {
	subtasks, err := e.Repo.ListSubtasks(ctx, taskID)
	if err != nil {
		return 0, err
	}
	return SubtaskProgress(subtasks), nil
}

// SubtaskProgress computes progress over an in-memory subtask list.
func SubtaskProgress(subtasks []domain.Subtask) int {
	if len(subtasks) == 0 {
		return 0
	}
	done := 0
	for _, s := range subtasks {
		if s.Completed {
			done++
		}
	}
	return int(math.Round(100 * float64(done) / float64(len(subtasks))))
}

// AddComment appends a comment. Comments are append-only; there is no edit.
func (e Engine) AddComment(ctx context.Context, taskID, text, actorID string) (domain.Comment, error) {
	if text == "" {
		return domain.Comment{}, invalidField("text", "required")
	}
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Comment{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Comment{}, err
	}
	_, res, err := e.resource(ctx, t.ProjectID)
	if err != nil {
		return domain.Comment{}, err
	}
	if err := authz.Require(authz.CanAct(actor, res, authz.Requirement{MinTeamRole: domain.RoleGuest}, ""), "task.comment"); err != nil {
		return domain.Comment{}, err
	}
	c := domain.Comment{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		UserID:    actor.ID,
		Text:      text,
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCommentTx(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "task.comment.added", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: actor.ID}, events.EventPayload{"comment_id": c.ID}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// DeleteComment allows the author to delete their own comment; the project
// owner (or admin) may delete any comment.
func (e Engine) DeleteComment(ctx context.Context, commentID, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	c, err := e.Repo.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	t, err := e.Repo.GetTask(ctx, c.TaskID)
	if err != nil {
		return err
	}
	_, res, err := e.resource(ctx, t.ProjectID)
	if err != nil {
		return err
	}
	req := authz.Requirement{SelfSubject: true}
	if err := authz.Require(authz.CanAct(actor, res, req, c.UserID), "task.comment.delete"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteCommentTx(ctx, tx, commentID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, domain.Event{Type: "task.comment.deleted", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: actor.ID}, events.EventPayload{"comment_id": commentID}); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskSummary aggregates a project's tasks by status.
type TaskSummary struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	Completed  int            `json:"completed"`
	InProgress int            `json:"in_progress"`
}

func (e Engine) TaskSummary(ctx context.Context, projectID string) (TaskSummary, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return TaskSummary{}, err
	}
	counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return TaskSummary{}, err
	}
	s := TaskSummary{ByStatus: counts}
	for _, n := range counts {
		s.Total += n
	}
	s.Completed = counts[domain.TaskCompleted]
	s.InProgress = counts[domain.TaskInProgress]
	return s, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
