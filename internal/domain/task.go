package domain

import "time"

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further status change is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the task lifecycle.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Result is the opaque structured payload a worker reports on success.
type Result map[string]any

type Task struct {
	ID        string     `json:"id"`
	Prompt    string     `json:"prompt"`
	Status    TaskStatus `json:"status"`
	Logs      []string   `json:"logs"`
	Result    Result     `json:"result"`
	Error     *string    `json:"error"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func NewTask(id, prompt string, now time.Time) *Task {
	return &Task{
		ID:        id,
		Prompt:    prompt,
		Status:    StatusPending,
		Logs:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the task to status. It returns false and leaves the task
// untouched when the edge is not allowed or when completing without a result.
func (t *Task) Transition(to TaskStatus, now time.Time) bool {
	if !CanTransition(t.Status, to) {
		return false
	}
	if to == StatusCompleted && t.Result == nil {
		return false
	}
	if to == StatusFailed && t.Error == nil {
		msg := "task failed"
		t.Error = &msg
	}
	if to == StatusFailed {
		t.Result = nil
	}
	t.Status = to
	t.touch(now)
	return true
}

// SetResult stages the success payload. Only the first result is kept and a
// terminal task never accepts one.
func (t *Task) SetResult(r Result, now time.Time) bool {
	if t.Status.IsTerminal() || t.Result != nil || r == nil {
		return false
	}
	t.Result = cloneResult(r)
	t.touch(now)
	return true
}

// Fail records msg and moves the task to failed in one step.
func (t *Task) Fail(msg string, now time.Time) bool {
	if !CanTransition(t.Status, StatusFailed) {
		return false
	}
	t.Error = &msg
	t.Result = nil
	t.Status = StatusFailed
	t.touch(now)
	return true
}

// AppendLog appends every line of message. Appends stay legal after the task
// is terminal so a closing line can still be recorded.
func (t *Task) AppendLog(message string, now time.Time) {
	lines := SplitLines(message)
	if len(lines) == 0 {
		return
	}
	t.Logs = append(t.Logs, lines...)
	t.touch(now)
}

func (t *Task) touch(now time.Time) {
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
}

// Clone returns a deep copy safe to hand out of the registry.
func (t *Task) Clone() Task {
	c := *t
	c.Logs = make([]string, len(t.Logs))
	copy(c.Logs, t.Logs)
	c.Result = cloneResult(t.Result)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return c
}

// SplitLines splits s on \r\n, \n and \r. A trailing line break does not
// produce an empty final line.
func SplitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			lines = append(lines, s[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, s[start:i])
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func cloneResult(r Result) Result {
	if r == nil {
		return nil
	}
	return Result(cloneMap(r))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case Result:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}
