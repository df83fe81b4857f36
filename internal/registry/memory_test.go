package registry

import (
	"agentq/internal/domain"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestMemoryCreate(t *testing.T) {
	reg := NewMemory()
	task := reg.Create("deploy a counter")

	if task.ID == "" {
		t.Fatal("empty id")
	}
	if task.Status != domain.StatusPending || len(task.Logs) != 0 || task.Result != nil || task.Error != nil {
		t.Fatalf("unexpected new task: %+v", task)
	}
	got, ok := reg.Get(task.ID)
	if !ok || got.Prompt != "deploy a counter" {
		t.Fatalf("get after create: %+v %v", got, ok)
	}
}

func TestMemoryAppendLogSplitsLines(t *testing.T) {
	reg := NewMemory()
	task := reg.Create("p")

	reg.AppendLog(task.ID, "a\nb\nc")

	got, _ := reg.Get(task.ID)
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got.Logs, want) {
		t.Fatalf("logs = %q, want %q", got.Logs, want)
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	reg := NewMemory()
	task := reg.Create("p")
	reg.AppendLog(task.ID, "one")

	snap, _ := reg.Get(task.ID)
	snap.Logs[0] = "mutated"
	snap.Status = domain.StatusFailed

	again, _ := reg.Get(task.ID)
	if again.Logs[0] != "one" || again.Status != domain.StatusPending {
		t.Fatalf("registry state leaked through snapshot: %+v", again)
	}
}

func TestMemorySetErrorFailsAtomically(t *testing.T) {
	reg := NewMemory()
	task := reg.Create("p")
	reg.UpdateStatus(task.ID, domain.StatusInProgress)

	reg.SetError(task.ID, "boom")

	got, _ := reg.Get(task.ID)
	if got.Status != domain.StatusFailed || got.Error == nil || *got.Error != "boom" {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestMemoryTerminalIsImmutable(t *testing.T) {
	reg := NewMemory()
	task := reg.Create("p")
	reg.UpdateStatus(task.ID, domain.StatusInProgress)
	reg.SetResult(task.ID, domain.Result{"ok": true})
	reg.UpdateStatus(task.ID, domain.StatusCompleted)

	reg.SetError(task.ID, "late")
	reg.SetResult(task.ID, domain.Result{"other": 1})
	reg.UpdateStatus(task.ID, domain.StatusInProgress)
	reg.AppendLog(task.ID, "done")

	got, _ := reg.Get(task.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status changed after terminal: %s", got.Status)
	}
	if got.Error != nil || got.Result["ok"] != true || len(got.Result) != 1 {
		t.Fatalf("result/error changed after terminal: %+v", got)
	}
	if got.Logs[len(got.Logs)-1] != "done" {
		t.Fatalf("closing log not appended: %q", got.Logs)
	}
}

func TestMemoryUnknownIDIgnored(t *testing.T) {
	reg := NewMemory()
	reg.UpdateStatus("nope", domain.StatusInProgress)
	reg.AppendLog("nope", "x")
	reg.SetResult("nope", domain.Result{"a": 1})
	reg.SetError("nope", "x")

	if _, ok := reg.Get("nope"); ok {
		t.Fatal("mutation created a task")
	}
	if len(reg.List()) != 0 {
		t.Fatal("registry not empty")
	}
}

func TestMemoryDelete(t *testing.T) {
	reg := NewMemory()
	task := reg.Create("p")

	if reg.Delete("unknown") {
		t.Fatal("delete of unknown id returned true")
	}
	if len(reg.List()) != 1 {
		t.Fatal("delete of unknown id changed the registry")
	}
	if !reg.Delete(task.ID) {
		t.Fatal("delete of known id returned false")
	}
	if _, ok := reg.Get(task.ID); ok {
		t.Fatal("task still present after delete")
	}
}

func TestMemoryListOrdered(t *testing.T) {
	reg := NewMemory()
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, reg.Create(fmt.Sprintf("p%d", i)).ID)
	}
	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.Before(list[i-1].CreatedAt) {
			t.Fatalf("list not ordered by creation: %v", list)
		}
	}
}

func TestMemoryConcurrentTasksStayIsolated(t *testing.T) {
	reg := NewMemory()
	const tasks, lines = 16, 200

	ids := make([]string, tasks)
	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = reg.Create("p").ID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}

	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			for n := 0; n < lines; n++ {
				reg.AppendLog(id, fmt.Sprintf("%d-%d", i, n))
			}
		}(i, id)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 0; n < lines; n++ {
				reg.Get(id)
			}
		}(id)
	}
	wg.Wait()

	for i, id := range ids {
		got, _ := reg.Get(id)
		if len(got.Logs) != lines {
			t.Fatalf("task %d: %d lines, want %d", i, len(got.Logs), lines)
		}
		for n, line := range got.Logs {
			if want := fmt.Sprintf("%d-%d", i, n); line != want {
				t.Fatalf("task %d line %d = %q, want %q", i, n, line, want)
			}
		}
	}
}
