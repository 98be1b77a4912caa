package domain

// User is an authenticated identity with a global role. The global role is
// checked against the permission table; project-level rights come from the
// project team instead.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role" enum:"admin,supervisor,accountant,warehouse,installer,user"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"owner_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Status      string       `json:"status" enum:"planning,active,completed,on_hold,cancelled"`
	IsArchived  bool         `json:"is_archived"`
	Team        []TeamMember `json:"team,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	UpdatedAt   string       `json:"updated_at" format:"date-time"`
}

// TeamMember links a user to a project with a ranked role. The project owner
// always appears in the team with role owner.
type TeamMember struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role" enum:"owner,manager,member,guest"`
	AddedAt   string `json:"added_at" format:"date-time"`
}

type Task struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	Status           string  `json:"status" enum:"todo,in_progress,review,completed"`
	AssigneeID       *string `json:"assignee_id,omitempty"`
	CreatedBy        string  `json:"created_by"`
	EstimateMinutes  int     `json:"estimate_minutes"`
	TimeSpentMinutes int     `json:"time_spent_minutes"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
}

// TimeLog is an append-only entry; time_spent_minutes on the task is always
// recomputed from the sum of these rows, never incremented separately.
type TimeLog struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	UserID          string `json:"user_id"`
	StartTime       string `json:"start_time" format:"date-time"`
	EndTime         string `json:"end_time" format:"date-time"`
	DurationMinutes int    `json:"duration_minutes"`
	Description     string `json:"description,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Subtask struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Title       string  `json:"title"`
	Completed   bool    `json:"completed"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Comment struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Project statuses.
const (
	ProjectPlanning  = "planning"
	ProjectActive    = "active"
	ProjectCompleted = "completed"
	ProjectOnHold    = "on_hold"
	ProjectCancelled = "cancelled"
)

// Task statuses.
const (
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskReview     = "review"
	TaskCompleted  = "completed"
)

// Team roles, strongest first.
const (
	RoleOwner   = "owner"
	RoleManager = "manager"
	RoleMember  = "member"
	RoleGuest   = "guest"
)

func ValidProjectStatus(s string) bool {
	switch s {
	case ProjectPlanning, ProjectActive, ProjectCompleted, ProjectOnHold, ProjectCancelled:
		return true
	}
	return false
}

func ValidTaskStatus(s string) bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskReview, TaskCompleted:
		return true
	}
	return false
}

func ValidTeamRole(s string) bool {
	switch s {
	case RoleOwner, RoleManager, RoleMember, RoleGuest:
		return true
	}
	return false
}
