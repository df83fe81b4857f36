package worker

import (
	"agentq/internal/domain"
	"agentq/internal/registry"
	"context"
	"reflect"
	"strings"
	"testing"
	"time"
)

type scriptBuilder struct {
	program string
	script  string
}

func (b scriptBuilder) Build(prompt string) Invocation {
	program := b.program
	if program == "" {
		program = "/bin/sh"
	}
	return Invocation{
		Program: program,
		Args:    []string{"-c", b.script, "worker", prompt},
		Env:     map[string]string{"PATH": "/usr/local/bin:/usr/bin:/bin"},
	}
}

func testConfig() Config {
	return Config{MergeStderr: true, Simulate: true, SimulationStep: time.Millisecond}
}

func runScript(t *testing.T, script string, cfg Config) domain.Task {
	t.Helper()
	reg := registry.NewMemory()
	ex := NewExecutor(reg, scriptBuilder{script: script}, cfg)
	task := reg.Create("prompt")

	if err := ex.Execute(context.Background(), domain.Job{TaskID: task.ID, Prompt: task.Prompt}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, ok := reg.Get(task.ID)
	if !ok {
		t.Fatal("task vanished")
	}
	return got
}

// workerLogs strips the executor's own opening and closing lines.
func workerLogs(task domain.Task) []string {
	logs := task.Logs
	if len(logs) > 0 && strings.HasPrefix(logs[0], "Starting task ") {
		logs = logs[1:]
	}
	if n := len(logs); n > 0 && logs[n-1] == "Agent finished successfully." {
		logs = logs[:n-1]
	}
	return logs
}

func TestExecuteSentinelResult(t *testing.T) {
	task := runScript(t, `echo x; echo 'RESULT: {"app_id":"5"}'; echo y`, testConfig())

	if task.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, error = %v", task.Status, task.Error)
	}
	if !reflect.DeepEqual(task.Result, domain.Result{"app_id": "5"}) {
		t.Fatalf("result = %#v", task.Result)
	}
	if got := workerLogs(task); !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Fatalf("logs = %q", got)
	}
	if task.Logs[len(task.Logs)-1] != "Agent finished successfully." {
		t.Fatalf("missing closing line: %q", task.Logs)
	}
	if task.Error != nil {
		t.Fatalf("error set on success: %s", *task.Error)
	}
}

func TestExecuteLastSentinelWins(t *testing.T) {
	task := runScript(t, `echo 'RESULT: {"n":"1"}'; echo 'RESULT: {"n":"2"}'`, testConfig())

	if task.Result["n"] != "2" {
		t.Fatalf("result = %#v", task.Result)
	}
}

func TestExecuteMalformedSentinel(t *testing.T) {
	task := runScript(t, `echo 'RESULT: not-json'`, testConfig())

	if task.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", task.Status)
	}
	if task.Result[RawResultKey] != "not-json" {
		t.Fatalf("result = %#v", task.Result)
	}
}

func TestExecuteSynthesizesResult(t *testing.T) {
	task := runScript(t, `echo working; echo; echo done`, testConfig())

	if task.Status != domain.StatusCompleted || task.Result == nil {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Result["message"] != "Agent finished without explicit result" {
		t.Fatalf("result = %#v", task.Result)
	}
	if got := workerLogs(task); !reflect.DeepEqual(got, []string{"working", "done"}) {
		t.Fatalf("empty line not ignored: %q", got)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	task := runScript(t, `echo 'RESULT: {"ignored":true}'; exit 3`, testConfig())

	if task.Status != domain.StatusFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if task.Error == nil || !strings.Contains(*task.Error, "3") {
		t.Fatalf("error = %v", task.Error)
	}
	if task.Result != nil {
		t.Fatalf("result stored on failure: %#v", task.Result)
	}
}

func TestExecuteExitOne(t *testing.T) {
	task := runScript(t, `exit 1`, testConfig())

	if task.Status != domain.StatusFailed || task.Error == nil || *task.Error != "Agent worker exited with code 1" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestExecuteKilledBySignal(t *testing.T) {
	task := runScript(t, `echo dying; kill -KILL $$`, testConfig())

	if task.Status != domain.StatusFailed || task.Error == nil || *task.Error != "Agent worker exited with code -9" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestExecuteMergesStderr(t *testing.T) {
	task := runScript(t, `echo out; echo err 1>&2`, testConfig())

	if got := workerLogs(task); !reflect.DeepEqual(got, []string{"out", "err"}) {
		t.Fatalf("logs = %q", got)
	}
}

func TestExecuteDropsStderrWhenNotMerged(t *testing.T) {
	cfg := testConfig()
	cfg.MergeStderr = false
	task := runScript(t, `echo out; echo err 1>&2`, cfg)

	if got := workerLogs(task); !reflect.DeepEqual(got, []string{"out"}) {
		t.Fatalf("logs = %q", got)
	}
}

func TestExecuteMultiLineLogsKeepOrder(t *testing.T) {
	task := runScript(t, `printf 'a\nb\r\nc\n'`, testConfig())

	if got := workerLogs(task); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("logs = %q", got)
	}
}

func TestExecuteLineTooLong(t *testing.T) {
	task := runScript(t, `head -c 2000000 /dev/zero | tr '\0' a; echo; sleep 5`, testConfig())

	if task.Status != domain.StatusFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if task.Error == nil || !strings.HasPrefix(*task.Error, "Runtime error:") {
		t.Fatalf("error = %v", task.Error)
	}
}

func TestExecuteRuntimeUnavailableSimulates(t *testing.T) {
	reg := registry.NewMemory()
	ex := NewExecutor(reg, scriptBuilder{program: "/nonexistent/agent-runtime"}, testConfig())
	task := reg.Create("prompt")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ex.Execute(context.Background(), domain.Job{TaskID: task.ID, Prompt: task.Prompt})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("simulation did not finish in time")
	}

	got, _ := reg.Get(task.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, error = %v", got.Status, got.Error)
	}
	if got.Result[SimulatedKey] != true {
		t.Fatalf("simulation marker missing: %#v", got.Result)
	}
	if got.Logs[len(got.Logs)-1] != "Simulation complete." {
		t.Fatalf("logs = %q", got.Logs)
	}
	if len(got.Logs) != 1+1+len(simulationSteps)+1 {
		t.Fatalf("unexpected log count: %q", got.Logs)
	}
}

func TestExecuteRuntimeNotOnPath(t *testing.T) {
	reg := registry.NewMemory()
	ex := NewExecutor(reg, scriptBuilder{program: "agentq-no-such-runtime"}, testConfig())
	task := reg.Create("prompt")

	_ = ex.Execute(context.Background(), domain.Job{TaskID: task.ID, Prompt: task.Prompt})

	got, _ := reg.Get(task.ID)
	if got.Status != domain.StatusCompleted || got.Result[SimulatedKey] != true {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestExecuteRuntimeUnavailableWithoutSimulation(t *testing.T) {
	cfg := testConfig()
	cfg.Simulate = false
	reg := registry.NewMemory()
	ex := NewExecutor(reg, scriptBuilder{program: "/nonexistent/agent-runtime"}, cfg)
	task := reg.Create("prompt")

	_ = ex.Execute(context.Background(), domain.Job{TaskID: task.ID, Prompt: task.Prompt})

	got, _ := reg.Get(task.ID)
	if got.Status != domain.StatusFailed || got.Error == nil || !strings.HasPrefix(*got.Error, "Failed to start agent worker") {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestExecuteGenuineResultHasNoSimulationMarker(t *testing.T) {
	task := runScript(t, `echo 'RESULT: {"app_id":"7"}'`, testConfig())
	if _, ok := task.Result[SimulatedKey]; ok {
		t.Fatalf("genuine result carries simulation marker: %#v", task.Result)
	}
}

func TestExecuteTimeout(t *testing.T) {
	reg := registry.NewMemory()
	ex := NewExecutor(reg, scriptBuilder{script: `echo started; sleep 10`}, testConfig())
	task := reg.Create("prompt")

	start := time.Now()
	_ = ex.Execute(context.Background(), domain.Job{TaskID: task.ID, Prompt: task.Prompt, Timeout: 200 * time.Millisecond})
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not stop the worker")
	}

	got, _ := reg.Get(task.ID)
	if got.Status != domain.StatusFailed || got.Error == nil || !strings.Contains(*got.Error, "timed out") {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestExecuteDefaultTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultTimeout = 200 * time.Millisecond
	task := runScript(t, `sleep 10`, cfg)

	if task.Status != domain.StatusFailed || !strings.Contains(*task.Error, "timed out") {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestExecuteCancel(t *testing.T) {
	reg := registry.NewMemory()
	ex := NewExecutor(reg, scriptBuilder{script: `echo started; sleep 10`}, testConfig())
	task := reg.Create("prompt")

	if ex.Cancel(task.ID) {
		t.Fatal("cancel of a task that is not running returned true")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ex.Execute(context.Background(), domain.Job{TaskID: task.ID, Prompt: task.Prompt})
	}()

	waitFor(t, func() bool {
		got, _ := reg.Get(task.ID)
		return len(workerLogs(got)) > 0
	})
	if ex.Running() != 1 {
		t.Fatalf("running = %d", ex.Running())
	}
	if !ex.Cancel(task.ID) {
		t.Fatal("cancel returned false for a running task")
	}
	<-done

	got, _ := reg.Get(task.ID)
	if got.Status != domain.StatusFailed || got.Error == nil || *got.Error != "Agent worker cancelled" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if ex.Running() != 0 {
		t.Fatalf("running = %d after finish", ex.Running())
	}
}

func TestExecuteSkipsDeletedTask(t *testing.T) {
	reg := registry.NewMemory()
	ex := NewExecutor(reg, scriptBuilder{script: `echo should-not-run`}, testConfig())
	task := reg.Create("prompt")
	reg.Delete(task.ID)

	if err := ex.Execute(context.Background(), domain.Job{TaskID: task.ID, Prompt: task.Prompt}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, ok := reg.Get(task.ID); ok {
		t.Fatal("deleted task resurrected")
	}
}

func TestExecuteSkipsClaimedTask(t *testing.T) {
	reg := registry.NewMemory()
	ex := NewExecutor(reg, scriptBuilder{script: `echo again`}, testConfig())
	task := reg.Create("prompt")
	reg.UpdateStatus(task.ID, domain.StatusInProgress)

	_ = ex.Execute(context.Background(), domain.Job{TaskID: task.ID, Prompt: task.Prompt})

	got, _ := reg.Get(task.ID)
	if got.Status != domain.StatusInProgress || len(got.Logs) != 0 {
		t.Fatalf("claimed task was run twice: %+v", got)
	}
}

func TestExecuteDeleteWhileRunning(t *testing.T) {
	reg := registry.NewMemory()
	ex := NewExecutor(reg, scriptBuilder{script: `echo one; sleep 0.3; echo two`}, testConfig())
	task := reg.Create("prompt")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ex.Execute(context.Background(), domain.Job{TaskID: task.ID, Prompt: task.Prompt})
	}()
	waitFor(t, func() bool {
		got, _ := reg.Get(task.ID)
		return len(workerLogs(got)) > 0
	})
	if !reg.Delete(task.ID) {
		t.Fatal("delete failed")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not run to completion after delete")
	}
	if _, ok := reg.Get(task.ID); ok {
		t.Fatal("task reappeared after delete")
	}
}

func TestExecuteRejectsEmptyJob(t *testing.T) {
	ex := NewExecutor(registry.NewMemory(), scriptBuilder{}, testConfig())
	if err := ex.Execute(context.Background(), domain.Job{}); err == nil {
		t.Fatal("expected error for job without task id")
	}
}

func TestExecuteConcurrentTasksDoNotInterleave(t *testing.T) {
	reg := registry.NewMemory()
	ex := NewExecutor(reg, scriptBuilder{script: `for i in 1 2 3 4 5; do echo "$1-$i"; done`}, testConfig())

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = reg.Create(string(rune('a' + i))).ID
	}

	done := make(chan struct{}, len(ids))
	for _, id := range ids {
		task, _ := reg.Get(id)
		go func(task domain.Task) {
			_ = ex.Execute(context.Background(), domain.Job{TaskID: task.ID, Prompt: task.Prompt})
			done <- struct{}{}
		}(task)
	}
	for range ids {
		<-done
	}

	for _, id := range ids {
		got, _ := reg.Get(id)
		var want []string
		for i := 1; i <= 5; i++ {
			want = append(want, got.Prompt+"-"+string(rune('0'+i)))
		}
		if logs := workerLogs(got); !reflect.DeepEqual(logs, want) {
			t.Fatalf("task %s logs = %q, want %q", id, logs, want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
