package server

import (
	"crewboard/internal/domain"
)

// Request payloads

type RegisterRequest struct {
	Name     string `json:"name" minLength:"1"`
	Email    string `json:"email" format:"email"`
	Password string `json:"password" minLength:"8"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type CreateTaskRequest struct {
	Title       string  `json:"title" minLength:"1"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"todo,in_progress,done"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

// Response payloads

type UserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role" enum:"member,admin,super_user"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type UserRefResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type TaskResponse struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Status      string           `json:"status" enum:"todo,in_progress,done"`
	Priority    string           `json:"priority" enum:"low,medium,high"`
	Creator     UserRefResponse  `json:"creator"`
	Assignee    *UserRefResponse `json:"assignee,omitempty"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
	UpdatedAt   string           `json:"updated_at" format:"date-time"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type DeletedResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func toUserResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

func toUserRefResponse(r domain.UserRef) UserRefResponse {
	return UserRefResponse{ID: r.ID, Name: r.Name, Email: r.Email}
}

func toTaskResponse(v domain.TaskView) TaskResponse {
	out := TaskResponse{
		ID:          v.ID,
		Title:       v.Title,
		Description: v.Description,
		Status:      v.Status,
		Priority:    v.Priority,
		Creator:     toUserRefResponse(v.Creator),
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
	}
	if v.Assignee != nil {
		ref := toUserRefResponse(*v.Assignee)
		out.Assignee = &ref
	}
	return out
}
