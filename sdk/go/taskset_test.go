package crewboardsdk

import (
	"encoding/json"
	"testing"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestTaskSetSnapshotAndEvents(t *testing.T) {
	set := NewTaskSet()
	set.ApplySnapshot([]Task{
		{ID: "a", Title: "first", CreatedAt: "2026-01-01T00:00:00Z"},
		{ID: "b", Title: "second", CreatedAt: "2026-01-02T00:00:00Z"},
	})
	if set.Len() != 2 {
		t.Fatalf("expected 2 tasks, got %d", set.Len())
	}

	if err := set.Apply(EventTaskUpdated, mustJSON(t, Task{ID: "a", Title: "renamed", CreatedAt: "2026-01-01T00:00:00Z"})); err != nil {
		t.Fatalf("apply update: %v", err)
	}
	got, ok := set.Get("a")
	if !ok || got.Title != "renamed" {
		t.Fatalf("update not applied: %+v", got)
	}

	if err := set.Apply(EventTaskDeleted, []byte(`{"id":"b"}`)); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if _, ok := set.Get("b"); ok {
		t.Fatal("deleted task still present")
	}

	if err := set.Apply(EventTaskCreated, mustJSON(t, Task{ID: "c", Title: "third", CreatedAt: "2026-01-03T00:00:00Z"})); err != nil {
		t.Fatalf("apply create: %v", err)
	}
	tasks := set.Tasks()
	if len(tasks) != 2 || tasks[0].ID != "a" || tasks[1].ID != "c" {
		t.Fatalf("unexpected listing order: %+v", tasks)
	}
}

func TestTaskSetIdempotent(t *testing.T) {
	set := NewTaskSet()
	created := mustJSON(t, Task{ID: "a", Title: "once"})
	for i := 0; i < 3; i++ {
		if err := set.Apply(EventTaskCreated, created); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if set.Len() != 1 {
		t.Fatalf("repeated create should converge to 1 task, got %d", set.Len())
	}

	// An update for a task outside the mirror is dropped, never inserted.
	if err := set.Apply(EventTaskUpdated, mustJSON(t, Task{ID: "z", Title: "unseen"})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := set.Get("z"); ok {
		t.Fatal("update for unseen task must not insert")
	}

	// Deleting twice is a no-op the second time.
	for i := 0; i < 2; i++ {
		if err := set.Apply(EventTaskDeleted, []byte(`{"id":"a"}`)); err != nil {
			t.Fatalf("apply delete: %v", err)
		}
	}
	if _, ok := set.Get("a"); ok {
		t.Fatal("task should stay deleted")
	}
}

func TestTaskSetIgnoresMalformedAndUnknown(t *testing.T) {
	set := NewTaskSet()
	if err := set.Apply(EventTaskCreated, []byte(`not json`)); err == nil {
		t.Error("malformed payload should error")
	}
	if err := set.Apply("heartbeat", []byte(`{}`)); err != nil {
		t.Errorf("unknown event types are ignored: %v", err)
	}
	if err := set.Apply(EventTaskCreated, []byte(`{"title":"no id"}`)); err != nil {
		t.Errorf("missing id is skipped, not an error: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("nothing should be stored, got %d", set.Len())
	}
}
