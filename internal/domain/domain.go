package domain

// Roles. Admin and super user are the elevated set.
const (
	RoleMember    = "member"
	RoleAdmin     = "admin"
	RoleSuperUser = "super_user"
)

// Task statuses. The status set is flat; any transition is allowed.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         string `json:"role" enum:"member,admin,super_user"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Elevated reports whether the user holds a role with blanket task rights.
func (u User) Elevated() bool {
	return u.Role == RoleAdmin || u.Role == RoleSuperUser
}

type Task struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"todo,in_progress,done"`
	Priority    string  `json:"priority" enum:"low,medium,high"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CreatorID   string  `json:"creator_id"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// UserRef is the lightweight projection embedded in expanded tasks.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// TaskView is a Task with creator/assignee references resolved to
// UserRef projections. It is a read-side value, never persisted.
type TaskView struct {
	Task
	Creator  UserRef  `json:"creator"`
	Assignee *UserRef `json:"assignee,omitempty"`
}

func ValidStatus(s string) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

func ValidRole(r string) bool {
	switch r {
	case RoleMember, RoleAdmin, RoleSuperUser:
		return true
	}
	return false
}
