package policy

import (
	"testing"

	"crewboard/internal/domain"
)

func user(id, role string) domain.User {
	return domain.User{ID: id, Role: role}
}

func taskOf(creator string, assignee *string) domain.Task {
	return domain.Task{ID: "t1", CreatorID: creator, AssigneeID: assignee}
}

func strPtr(s string) *string { return &s }

func TestCanCreate(t *testing.T) {
	cases := []struct {
		role string
		want bool
	}{
		{domain.RoleMember, false},
		{domain.RoleAdmin, true},
		{domain.RoleSuperUser, true},
	}
	for _, tc := range cases {
		if got := CanCreate(user("u1", tc.role)); got != tc.want {
			t.Errorf("CanCreate(%s) = %v, want %v", tc.role, got, tc.want)
		}
	}
}

func TestCanMutate(t *testing.T) {
	task := taskOf("creator", strPtr("assignee"))
	cases := []struct {
		name  string
		actor domain.User
		want  bool
	}{
		{"admin", user("other", domain.RoleAdmin), true},
		{"super user", user("other", domain.RoleSuperUser), true},
		{"creator", user("creator", domain.RoleMember), true},
		{"assignee", user("assignee", domain.RoleMember), true},
		{"stranger", user("other", domain.RoleMember), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanMutate(tc.actor, task); got != tc.want {
				t.Errorf("CanMutate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCanMutateNoAssignee(t *testing.T) {
	task := taskOf("creator", nil)
	if CanMutate(user("other", domain.RoleMember), task) {
		t.Error("member stranger should not mutate unassigned task")
	}
	if !CanMutate(user("creator", domain.RoleMember), task) {
		t.Error("creator should mutate unassigned task")
	}
}

func TestCanDeleteExcludesAssignee(t *testing.T) {
	task := taskOf("creator", strPtr("assignee"))
	if CanDelete(user("assignee", domain.RoleMember), task) {
		t.Error("assignee alone should not delete")
	}
	if !CanDelete(user("creator", domain.RoleMember), task) {
		t.Error("creator should delete")
	}
	if !CanDelete(user("other", domain.RoleAdmin), task) {
		t.Error("admin should delete")
	}
}

func TestCanList(t *testing.T) {
	if !CanList(user("u1", domain.RoleMember)) {
		t.Error("every authenticated actor can list")
	}
}

func TestForbiddenErrorMessage(t *testing.T) {
	err := ForbiddenError{Operation: "task.create"}
	if err.Error() != "operation task.create not permitted" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
