package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"

	"crewboard/internal/broker"
	"crewboard/internal/db"
	"crewboard/internal/domain"
	"crewboard/internal/engine/policy"
	"crewboard/internal/migrate"
	"crewboard/internal/repo"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []broker.Event
}

func (c *capturePublisher) Publish(scope string, ev broker.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *capturePublisher) last(t *testing.T) broker.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		t.Fatal("no events published")
	}
	return c.events[len(c.events)-1]
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestEngine(t *testing.T) (Engine, *capturePublisher) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pub := &capturePublisher{}
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return New(conn, pub, logger), pub
}

func mustUser(t *testing.T, e Engine, name, role string) domain.User {
	t.Helper()
	u, err := e.CreateUser(context.Background(), name, name+"@example.com", "password123", role)
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func TestRegisterAndAuthenticate(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	u, err := e.Register(ctx, "Alma", "Alma@Example.com", "password123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Email != "alma@example.com" {
		t.Errorf("email not normalized: %s", u.Email)
	}
	if u.Role != domain.RoleMember {
		t.Errorf("registered role should be member, got %s", u.Role)
	}
	if u.PasswordHash == "password123" || u.PasswordHash == "" {
		t.Error("password must be stored hashed")
	}

	if _, err := e.Authenticate(ctx, "alma@example.com", "password123"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := e.Authenticate(ctx, "alma@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password should fail with ErrInvalidCredentials, got %v", err)
	}
	if _, err := e.Authenticate(ctx, "nobody@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email should fail with ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Register(ctx, "A", "dup@example.com", "password123"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := e.Register(ctx, "B", "DUP@example.com", "password456"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("duplicate email should fail with ErrEmailTaken, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	var ve ValidationError
	if _, err := e.Register(ctx, "", "x@example.com", "password123"); !errors.As(err, &ve) {
		t.Errorf("empty name should be a validation error, got %v", err)
	}
	if _, err := e.Register(ctx, "X", "not-an-email", "password123"); !errors.As(err, &ve) {
		t.Errorf("bad email should be a validation error, got %v", err)
	}
	if _, err := e.Register(ctx, "X", "x@example.com", "short"); !errors.As(err, &ve) {
		t.Errorf("short password should be a validation error, got %v", err)
	}
}

func TestCreateTaskRequiresElevatedRole(t *testing.T) {
	e, pub := newTestEngine(t)
	ctx := context.Background()
	member := mustUser(t, e, "member", domain.RoleMember)
	admin := mustUser(t, e, "admin", domain.RoleAdmin)

	var fe policy.ForbiddenError
	if _, err := e.CreateTask(ctx, member, TaskCreateOptions{Title: "nope"}); !errors.As(err, &fe) {
		t.Fatalf("member create should be forbidden, got %v", err)
	}
	if pub.count() != 0 {
		t.Error("forbidden create must not publish an event")
	}

	view, err := e.CreateTask(ctx, admin, TaskCreateOptions{Title: "Ship it"})
	if err != nil {
		t.Fatalf("admin create: %v", err)
	}
	if view.Status != domain.StatusTodo || view.Priority != domain.PriorityMedium {
		t.Errorf("defaults not applied: %+v", view.Task)
	}
	if view.Creator.ID != admin.ID {
		t.Errorf("creator projection wrong: %+v", view.Creator)
	}
	ev := pub.last(t)
	if ev.Type != broker.EventTaskCreated || ev.Task == nil || ev.Task.ID != view.ID {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestListTasksVisibility(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	admin := mustUser(t, e, "admin", domain.RoleAdmin)
	alice := mustUser(t, e, "alice", domain.RoleMember)
	bob := mustUser(t, e, "bob", domain.RoleMember)

	if _, err := e.CreateTask(ctx, admin, TaskCreateOptions{Title: "for alice", AssigneeID: &alice.ID}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.CreateTask(ctx, admin, TaskCreateOptions{Title: "unassigned"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := e.ListTasks(ctx, admin, TaskListFilters{})
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("admin should see 2 tasks, got %d", len(all))
	}

	mine, err := e.ListTasks(ctx, alice, TaskListFilters{})
	if err != nil {
		t.Fatalf("alice list: %v", err)
	}
	if len(mine) != 1 || mine[0].Title != "for alice" {
		t.Fatalf("alice should see only her task, got %+v", mine)
	}

	none, err := e.ListTasks(ctx, bob, TaskListFilters{})
	if err != nil {
		t.Fatalf("bob list: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("bob should see nothing, got %d", len(none))
	}
}

func TestListTasksStatusFilter(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	admin := mustUser(t, e, "admin", domain.RoleAdmin)

	v, err := e.CreateTask(ctx, admin, TaskCreateOptions{Title: "one"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.CreateTask(ctx, admin, TaskCreateOptions{Title: "two"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	done := domain.StatusDone
	if _, err := e.UpdateTask(ctx, admin, TaskUpdateOptions{ID: v.ID, Status: &done}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := e.ListTasks(ctx, admin, TaskListFilters{Status: domain.StatusDone})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != v.ID {
		t.Fatalf("status filter wrong: %+v", got)
	}
}

func TestGetTaskVisibility(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	admin := mustUser(t, e, "admin", domain.RoleAdmin)
	stranger := mustUser(t, e, "stranger", domain.RoleMember)

	v, err := e.CreateTask(ctx, admin, TaskCreateOptions{Title: "hidden"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.GetTask(ctx, admin, v.ID); err != nil {
		t.Fatalf("admin get: %v", err)
	}
	// Invisible reads as missing, not forbidden.
	if _, err := e.GetTask(ctx, stranger, v.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("stranger get should be not found, got %v", err)
	}
	if _, err := e.GetTask(ctx, admin, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("unknown id should be not found, got %v", err)
	}
}

func TestUpdateTaskAuthorization(t *testing.T) {
	e, pub := newTestEngine(t)
	ctx := context.Background()
	admin := mustUser(t, e, "admin", domain.RoleAdmin)
	assignee := mustUser(t, e, "assignee", domain.RoleMember)
	stranger := mustUser(t, e, "stranger", domain.RoleMember)

	v, err := e.CreateTask(ctx, admin, TaskCreateOptions{Title: "work", AssigneeID: &assignee.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	inProgress := domain.StatusInProgress
	updated, err := e.UpdateTask(ctx, assignee, TaskUpdateOptions{ID: v.ID, Status: &inProgress})
	if err != nil {
		t.Fatalf("assignee update: %v", err)
	}
	if updated.Status != domain.StatusInProgress {
		t.Errorf("status not updated: %s", updated.Status)
	}
	if ev := pub.last(t); ev.Type != broker.EventTaskUpdated {
		t.Errorf("expected update event, got %s", ev.Type)
	}

	before := pub.count()
	var fe policy.ForbiddenError
	if _, err := e.UpdateTask(ctx, stranger, TaskUpdateOptions{ID: v.ID, Status: &inProgress}); !errors.As(err, &fe) {
		t.Fatalf("stranger update should be forbidden, got %v", err)
	}
	if pub.count() != before {
		t.Error("forbidden update must not publish an event")
	}
}

func TestUpdateTaskClearAssignee(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	admin := mustUser(t, e, "admin", domain.RoleAdmin)
	assignee := mustUser(t, e, "assignee", domain.RoleMember)

	v, err := e.CreateTask(ctx, admin, TaskCreateOptions{Title: "work", AssigneeID: &assignee.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v.Assignee == nil {
		t.Fatal("assignee projection missing")
	}

	cleared, err := e.UpdateTask(ctx, admin, TaskUpdateOptions{ID: v.ID, AssignProvided: true})
	if err != nil {
		t.Fatalf("clear assignee: %v", err)
	}
	if cleared.AssigneeID != nil || cleared.Assignee != nil {
		t.Errorf("assignee should be cleared: %+v", cleared)
	}

	// Omitted field leaves the assignee alone.
	title := "renamed"
	v2, err := e.CreateTask(ctx, admin, TaskCreateOptions{Title: "second", AssigneeID: &assignee.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	kept, err := e.UpdateTask(ctx, admin, TaskUpdateOptions{ID: v2.ID, Title: &title})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if kept.AssigneeID == nil || *kept.AssigneeID != assignee.ID {
		t.Errorf("assignee should be untouched: %+v", kept)
	}
}

func TestUpdateTaskValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	admin := mustUser(t, e, "admin", domain.RoleAdmin)
	v, err := e.CreateTask(ctx, admin, TaskCreateOptions{Title: "work"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bad := "sideways"
	var ve ValidationError
	if _, err := e.UpdateTask(ctx, admin, TaskUpdateOptions{ID: v.ID, Status: &bad}); !errors.As(err, &ve) {
		t.Errorf("bad status should be a validation error, got %v", err)
	}
	empty := "  "
	if _, err := e.UpdateTask(ctx, admin, TaskUpdateOptions{ID: v.ID, Title: &empty}); !errors.As(err, &ve) {
		t.Errorf("blank title should be a validation error, got %v", err)
	}
}

func TestDeleteTaskAuthorization(t *testing.T) {
	e, pub := newTestEngine(t)
	ctx := context.Background()
	admin := mustUser(t, e, "admin", domain.RoleAdmin)
	assignee := mustUser(t, e, "assignee", domain.RoleMember)

	v, err := e.CreateTask(ctx, admin, TaskCreateOptions{Title: "work", AssigneeID: &assignee.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var fe policy.ForbiddenError
	if err := e.DeleteTask(ctx, assignee, v.ID); !errors.As(err, &fe) {
		t.Fatalf("assignee delete should be forbidden, got %v", err)
	}

	if err := e.DeleteTask(ctx, admin, v.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	ev := pub.last(t)
	if ev.Type != broker.EventTaskDeleted || ev.TaskID != v.ID {
		t.Errorf("unexpected delete event %+v", ev)
	}

	before := pub.count()
	if err := e.DeleteTask(ctx, admin, v.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
	if pub.count() != before {
		t.Error("failed delete must not publish an event")
	}
}

func TestUserRefDanglingKeepsID(t *testing.T) {
	users := map[string]domain.User{
		"u1": {ID: "u1", Name: "Alma", Email: "alma@example.com"},
	}
	ref := userRef(users, "u1")
	if ref.Name != "Alma" || ref.Email != "alma@example.com" {
		t.Errorf("known user should be fully resolved: %+v", ref)
	}
	ghost := userRef(users, "gone")
	if ghost.ID != "gone" || ghost.Name != "" || ghost.Email != "" {
		t.Errorf("dangling ref should keep only the id: %+v", ghost)
	}
}
