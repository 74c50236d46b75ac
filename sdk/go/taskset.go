package crewboardsdk

import (
	"encoding/json"
	"sort"
	"sync"
)

// Stream event names, matching the server's SSE frames.
const (
	EventTaskCreated = "task_created"
	EventTaskUpdated = "task_updated"
	EventTaskDeleted = "task_deleted"
)

// TaskSet maintains a local mirror of the task list, reconciling an
// initial snapshot with incremental stream events. Applying the same
// event twice converges to the same state.
type TaskSet struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewTaskSet returns an empty task mirror.
func NewTaskSet() *TaskSet {
	return &TaskSet{tasks: make(map[string]Task)}
}

// ApplySnapshot replaces the mirror with a full listing.
func (s *TaskSet) ApplySnapshot(tasks []Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]Task, len(tasks))
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
}

// Apply folds one stream event into the mirror. task_created merges by
// id, so replays are harmless. task_updated replaces an existing entry
// only; updates for tasks outside the mirror are dropped, never inserted.
func (s *TaskSet) Apply(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch event {
	case EventTaskCreated:
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.ID == "" {
			return nil
		}
		s.tasks[t.ID] = t
	case EventTaskUpdated:
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if _, ok := s.tasks[t.ID]; !ok {
			return nil
		}
		s.tasks[t.ID] = t
	case EventTaskDeleted:
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &ref); err != nil {
			return err
		}
		delete(s.tasks, ref.ID)
	}
	return nil
}

// Get returns the task with the given id.
func (s *TaskSet) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Len returns the number of mirrored tasks.
func (s *TaskSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Tasks returns the mirrored tasks ordered by creation time, then id.
func (s *TaskSet) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
