package server

import (
	"encoding/json"

	"github.com/google/uuid"

	"tracer/internal/domain"
	"tracer/internal/engine"
	"tracer/internal/repo"
)

// Request payloads

type CreateUserRequest struct {
	ID    *string `json:"id,omitempty"`
	Name  string  `json:"name"`
	Email string  `json:"email,omitempty" format:"email"`
	Role  string  `json:"role,omitempty"`
}

type UpdateUserRequest struct {
	Role     *string `json:"role,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

type CreateProjectRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Status      string  `json:"status,omitempty" enum:"planning,active,completed,on_hold,cancelled"`
}

type UpdateProjectRequest struct {
	Status      string  `json:"status,omitempty" enum:"planning,active,completed,on_hold,cancelled"`
	Description *string `json:"description,omitempty"`
	Archived    *bool   `json:"archived,omitempty"`
}

type TeamMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty" enum:"manager,member,guest"`
}

type TransferOwnershipRequest struct {
	NewOwnerID string `json:"new_owner_id"`
}

type CreateTaskRequest struct {
	ID              *string `json:"id,omitempty"`
	Title           string  `json:"title"`
	Description     *string `json:"description,omitempty"`
	AssigneeID      *string `json:"assignee_id,omitempty"`
	EstimateMinutes int     `json:"estimate_minutes,omitempty" minimum:"0"`
}

type UpdateTaskRequest struct {
	Title           *string `json:"title,omitempty"`
	Description     *string `json:"description,omitempty"`
	Status          *string `json:"status,omitempty" enum:"todo,in_progress,review,completed"`
	AssigneeID      *string `json:"assignee_id,omitempty"`
	EstimateMinutes *int    `json:"estimate_minutes,omitempty" minimum:"0"`
}

type LogTimeRequest struct {
	StartTime   string `json:"start_time" format:"date-time"`
	EndTime     string `json:"end_time" format:"date-time"`
	Description string `json:"description,omitempty"`
}

type SubtaskRequest struct {
	Title string `json:"title"`
}

type UpdateSubtaskRequest struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type UserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TeamMemberResponse struct {
	UserID  string `json:"user_id"`
	Role    string `json:"role" enum:"owner,manager,member,guest"`
	AddedAt string `json:"added_at" format:"date-time"`
}

type ProjectResponse struct {
	ID          string               `json:"id"`
	OwnerID     string               `json:"owner_id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Status      string               `json:"status" enum:"planning,active,completed,on_hold,cancelled"`
	IsArchived  bool                 `json:"is_archived"`
	Team        []TeamMemberResponse `json:"team"`
	CreatedAt   string               `json:"created_at" format:"date-time"`
	UpdatedAt   string               `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	Status           string  `json:"status" enum:"todo,in_progress,review,completed"`
	AssigneeID       *string `json:"assignee_id,omitempty"`
	CreatedBy        string  `json:"created_by"`
	EstimateMinutes  int     `json:"estimate_minutes"`
	TimeSpentMinutes int     `json:"time_spent_minutes"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type TaskDetailResponse struct {
	TaskResponse
	Subtasks []SubtaskResponse `json:"subtasks"`
	Comments []CommentResponse `json:"comments"`
	Progress int               `json:"subtask_progress"`
}

type TimeLogResponse struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	UserID          string `json:"user_id"`
	StartTime       string `json:"start_time" format:"date-time"`
	EndTime         string `json:"end_time" format:"date-time"`
	DurationMinutes int    `json:"duration_minutes"`
	Description     string `json:"description,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type SubtaskResponse struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Title       string  `json:"title"`
	Completed   bool    `json:"completed"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type CommentResponse struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskSummaryResponse struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	Completed  int            `json:"completed"`
	InProgress int            `json:"in_progress"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Modules     []string `json:"modules"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Mappers

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}

func mapUsers(items []domain.User) []UserResponse {
	out := make([]UserResponse, 0, len(items))
	for _, u := range items {
		out = append(out, userResponse(u))
	}
	return out
}

func teamResponse(team []domain.TeamMember) []TeamMemberResponse {
	out := make([]TeamMemberResponse, 0, len(team))
	for _, m := range team {
		out = append(out, TeamMemberResponse{UserID: m.UserID, Role: m.Role, AddedAt: m.AddedAt})
	}
	return out
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Name:        p.Name,
		Description: p.Description,
		Status:      p.Status,
		IsArchived:  p.IsArchived,
		Team:        teamResponse(p.Team),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		ProjectID:        t.ProjectID,
		Title:            t.Title,
		Description:      t.Description,
		Status:           t.Status,
		AssigneeID:       t.AssigneeID,
		CreatedBy:        t.CreatedBy,
		EstimateMinutes:  t.EstimateMinutes,
		TimeSpentMinutes: t.TimeSpentMinutes,
		CompletedAt:      t.CompletedAt,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func subtaskResponse(s domain.Subtask) SubtaskResponse {
	return SubtaskResponse{
		ID:          s.ID,
		TaskID:      s.TaskID,
		Title:       s.Title,
		Completed:   s.Completed,
		CompletedAt: s.CompletedAt,
		CreatedAt:   s.CreatedAt,
	}
}

func mapSubtasks(items []domain.Subtask) []SubtaskResponse {
	out := make([]SubtaskResponse, 0, len(items))
	for _, s := range items {
		out = append(out, subtaskResponse(s))
	}
	return out
}

func commentResponse(c domain.Comment) CommentResponse {
	return CommentResponse{
		ID:        c.ID,
		TaskID:    c.TaskID,
		UserID:    c.UserID,
		Text:      c.Text,
		CreatedAt: c.CreatedAt,
	}
}

func mapComments(items []domain.Comment) []CommentResponse {
	out := make([]CommentResponse, 0, len(items))
	for _, c := range items {
		out = append(out, commentResponse(c))
	}
	return out
}

func timeLogResponse(l domain.TimeLog) TimeLogResponse {
	return TimeLogResponse{
		ID:              l.ID,
		TaskID:          l.TaskID,
		UserID:          l.UserID,
		StartTime:       l.StartTime,
		EndTime:         l.EndTime,
		DurationMinutes: l.DurationMinutes,
		Description:     l.Description,
		CreatedAt:       l.CreatedAt,
	}
}

func mapTimeLogs(items []domain.TimeLog) []TimeLogResponse {
	out := make([]TimeLogResponse, 0, len(items))
	for _, l := range items {
		out = append(out, timeLogResponse(l))
	}
	return out
}

func summaryResponse(s engine.TaskSummary) TaskSummaryResponse {
	by := s.ByStatus
	if by == nil {
		by = map[string]int{}
	}
	return TaskSummaryResponse{
		Total:      s.Total,
		ByStatus:   by,
		Completed:  s.Completed,
		InProgress: s.InProgress,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func userFromRequest(id string, req CreateUserRequest) domain.User {
	return domain.User{
		ID:    id,
		Name:  req.Name,
		Email: req.Email,
		Role:  req.Role,
	}
}

func domainAPIKey(userID, name, plain string) domain.APIKey {
	return domain.APIKey{
		ID:      uuid.New().String(),
		UserID:  userID,
		Name:    name,
		KeyHash: repo.HashAPIKey(plain),
	}
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
