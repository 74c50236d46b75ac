// Package policy holds the role-based authorization rules for tasks.
// Decisions are pure functions of the actor and the task; no I/O.
package policy

import (
	"fmt"

	"crewboard/internal/domain"
)

// ForbiddenError indicates a valid actor with insufficient permission.
type ForbiddenError struct {
	Operation string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("operation %s not permitted", e.Operation)
}

// CanList is true for every authenticated actor. Non-elevated actors get a
// filtered result set instead of a refusal; see engine.ListTasks.
func CanList(actor domain.User) bool {
	return true
}

// CanCreate restricts task creation to elevated roles.
func CanCreate(actor domain.User) bool {
	return actor.Elevated()
}

// CanMutate allows elevated roles, the creator, and the assignee.
// Identity comparison is by opaque id string.
func CanMutate(actor domain.User, t domain.Task) bool {
	if actor.Elevated() {
		return true
	}
	if actor.ID == t.CreatorID {
		return true
	}
	return t.AssigneeID != nil && actor.ID == *t.AssigneeID
}

// CanDelete allows elevated roles and the creator. Being assignee alone is
// not enough, asymmetric with CanMutate.
func CanDelete(actor domain.User, t domain.Task) bool {
	if actor.Elevated() {
		return true
	}
	return actor.ID == t.CreatorID
}
