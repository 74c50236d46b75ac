package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"crewboard/internal/broker"
	"crewboard/internal/domain"
	"crewboard/internal/engine/policy"
	"crewboard/internal/repo"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Broker broker.Publisher
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, pub broker.Publisher, logger *log.Logger) Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Broker: pub,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) publish(ev broker.Event) {
	if e.Broker == nil {
		return
	}
	e.Broker.Publish(broker.ScopeAll, ev)
}

// Register creates a user account with a bcrypt password hash. The role is
// always member; elevated accounts are provisioned out of band.
func (e Engine) Register(ctx context.Context, name, email, password string) (domain.User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" {
		return domain.User{}, ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, ValidationError{Field: "email", Reason: "must be a valid address"}
	}
	if len(password) < 8 {
		return domain.User{}, ValidationError{Field: "password", Reason: "must be at least 8 characters"}
	}
	if _, err := e.Repo.GetUserByEmail(ctx, email); err == nil {
		return domain.User{}, ErrEmailTaken
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:           uuid.New().String(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         domain.RoleMember,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// CreateUser provisions an account with an explicit role. CLI only; the
// HTTP API never exposes role assignment.
func (e Engine) CreateUser(ctx context.Context, name, email, password, role string) (domain.User, error) {
	if !domain.ValidRole(role) {
		return domain.User{}, ValidationError{Field: "role", Reason: "must be member, admin, or super_user"}
	}
	u, err := e.Register(ctx, name, email, password)
	if err != nil {
		return domain.User{}, err
	}
	if role != domain.RoleMember {
		if _, err := e.DB.ExecContext(ctx, `UPDATE users SET role=? WHERE id=?`, role, u.ID); err != nil {
			return domain.User{}, err
		}
		u.Role = role
	}
	return u, nil
}

// Authenticate verifies credentials and returns the matching user.
func (e Engine) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	return u, nil
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx)
}

// TaskListFilters narrows ListTasks; zero values mean unfiltered.
type TaskListFilters struct {
	Status     string
	AssigneeID string
}

// ListTasks returns expanded tasks visible to the actor. Elevated roles see
// everything; everyone else only tasks they created or are assigned to.
func (e Engine) ListTasks(ctx context.Context, actor domain.User, f TaskListFilters) ([]domain.TaskView, error) {
	filters := repo.TaskFilters{
		Status:     f.Status,
		AssigneeID: f.AssigneeID,
	}
	if !actor.Elevated() {
		filters.ViewerID = actor.ID
	}
	tasks, err := e.Repo.ListTasks(ctx, filters)
	if err != nil {
		return nil, err
	}
	return e.expandTasks(ctx, tasks)
}

// GetTask returns one expanded task. Tasks outside the actor's visibility
// read as absent, not forbidden.
func (e Engine) GetTask(ctx context.Context, actor domain.User, id string) (domain.TaskView, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.TaskView{}, err
	}
	if !actor.Elevated() && actor.ID != t.CreatorID && (t.AssigneeID == nil || actor.ID != *t.AssigneeID) {
		return domain.TaskView{}, fmt.Errorf("task %s: %w", id, repo.ErrNotFound)
	}
	return e.expandTask(ctx, t)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Title       string
	Description string
	Priority    string
	AssigneeID  *string
}

func (e Engine) CreateTask(ctx context.Context, actor domain.User, opts TaskCreateOptions) (domain.TaskView, error) {
	if !policy.CanCreate(actor) {
		return domain.TaskView{}, policy.ForbiddenError{Operation: "task.create"}
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.TaskView{}, ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.TaskView{}, ValidationError{Field: "priority", Reason: "must be low, medium, or high"}
	}
	assignee := opts.AssigneeID
	if assignee != nil && *assignee == "" {
		assignee = nil
	}
	if assignee != nil {
		if err := e.checkAssignee(ctx, *assignee); err != nil {
			return domain.TaskView{}, err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:          uuid.New().String(),
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusTodo,
		Priority:    opts.Priority,
		AssigneeID:  assignee,
		CreatorID:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskView{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.TaskView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskView{}, err
	}
	view, err := e.expandTask(ctx, t)
	if err != nil {
		return domain.TaskView{}, err
	}
	e.publish(broker.Event{Type: broker.EventTaskCreated, Task: &view})
	return view, nil
}

// TaskUpdateOptions carries the provided subset of mutable fields. Nil
// pointers are untouched fields; AssignProvided with a nil Assign clears
// the assignee.
type TaskUpdateOptions struct {
	ID             string
	Title          *string
	Description    *string
	Status         *string
	Priority       *string
	AssignProvided bool
	Assign         *string
}

func (e Engine) UpdateTask(ctx context.Context, actor domain.User, opts TaskUpdateOptions) (domain.TaskView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskView{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.TaskView{}, err
	}
	if !policy.CanMutate(actor, t) {
		return domain.TaskView{}, policy.ForbiddenError{Operation: "task.update"}
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return domain.TaskView{}, ValidationError{Field: "title", Reason: "must not be empty"}
		}
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Status != nil {
		if !domain.ValidStatus(*opts.Status) {
			return domain.TaskView{}, ValidationError{Field: "status", Reason: "must be todo, in_progress, or done"}
		}
		t.Status = *opts.Status
	}
	if opts.Priority != nil {
		if !domain.ValidPriority(*opts.Priority) {
			return domain.TaskView{}, ValidationError{Field: "priority", Reason: "must be low, medium, or high"}
		}
		t.Priority = *opts.Priority
	}
	if opts.AssignProvided {
		if opts.Assign == nil || *opts.Assign == "" {
			t.AssigneeID = nil
		} else {
			if err := e.checkAssignee(ctx, *opts.Assign); err != nil {
				return domain.TaskView{}, err
			}
			t.AssigneeID = opts.Assign
		}
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.TaskView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskView{}, err
	}
	view, err := e.expandTask(ctx, t)
	if err != nil {
		return domain.TaskView{}, err
	}
	e.publish(broker.Event{Type: broker.EventTaskUpdated, Task: &view})
	return view, nil
}

func (e Engine) DeleteTask(ctx context.Context, actor domain.User, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if !policy.CanDelete(actor, t) {
		return policy.ForbiddenError{Operation: "task.delete"}
	}
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(broker.Event{Type: broker.EventTaskDeleted, TaskID: id})
	return nil
}

func (e Engine) checkAssignee(ctx context.Context, id string) error {
	if _, err := e.Repo.GetUser(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ValidationError{Field: "assignee_id", Reason: "unknown user"}
		}
		return err
	}
	return nil
}

// expandTask joins creator/assignee ids against the user table, returning
// the read-side projection.
func (e Engine) expandTask(ctx context.Context, t domain.Task) (domain.TaskView, error) {
	views, err := e.expandTasks(ctx, []domain.Task{t})
	if err != nil {
		return domain.TaskView{}, err
	}
	return views[0], nil
}

func (e Engine) expandTasks(ctx context.Context, tasks []domain.Task) ([]domain.TaskView, error) {
	ids := make([]string, 0, len(tasks)*2)
	for _, t := range tasks {
		ids = append(ids, t.CreatorID)
		if t.AssigneeID != nil {
			ids = append(ids, *t.AssigneeID)
		}
	}
	users, err := e.Repo.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	views := make([]domain.TaskView, 0, len(tasks))
	for _, t := range tasks {
		v := domain.TaskView{Task: t, Creator: userRef(users, t.CreatorID)}
		if t.AssigneeID != nil {
			ref := userRef(users, *t.AssigneeID)
			v.Assignee = &ref
		}
		views = append(views, v)
	}
	return views, nil
}

// userRef tolerates dangling references: the id survives even if the user
// record is gone.
func userRef(users map[string]domain.User, id string) domain.UserRef {
	if u, ok := users[id]; ok {
		return domain.UserRef{ID: u.ID, Name: u.Name, Email: u.Email}
	}
	return domain.UserRef{ID: id}
}
