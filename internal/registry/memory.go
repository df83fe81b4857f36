package registry

import (
	"agentq/internal/domain"
	"agentq/internal/ports"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var _ ports.Registry = (*Memory)(nil)

// Memory keeps tasks in a map behind one mutex. The lock is held only for the
// duration of a single call.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	now   func() time.Time
	newID func() string
}

func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]*domain.Task),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func (m *Memory) Create(prompt string) domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.newID()
	for _, taken := m.tasks[id]; taken; _, taken = m.tasks[id] {
		id = m.newID()
	}
	t := domain.NewTask(id, prompt, m.now())
	m.tasks[id] = t
	log.Debug().Str("task_id", id).Msg("task created")
	return t.Clone()
}

func (m *Memory) Get(id string) (domain.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

func (m *Memory) UpdateStatus(id string, status domain.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	from := t.Status
	if !t.Transition(status, m.now()) {
		log.Debug().Str("task_id", id).Str("from", string(from)).Str("to", string(status)).
			Msg("status transition refused")
		return
	}
	log.Info().Str("task_id", id).Str("status", string(status)).Msg("task status updated")
}

func (m *Memory) AppendLog(id, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.AppendLog(message, m.now())
	}
}

// SetResult stages the payload; the status change is a separate call.
func (m *Memory) SetResult(id string, result domain.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	if !t.SetResult(result, m.now()) {
		log.Debug().Str("task_id", id).Msg("result refused")
	}
}

// SetError records the message and marks the task failed atomically.
func (m *Memory) SetError(id, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	if !t.Fail(message, m.now()) {
		log.Debug().Str("task_id", id).Str("status", string(t.Status)).Msg("error refused on terminal task")
		return
	}
	log.Error().Str("task_id", id).Msgf("task failed: %s", message)
}

func (m *Memory) List() []domain.Task {
	m.mu.Lock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return false
	}
	delete(m.tasks, id)
	log.Info().Str("task_id", id).Msg("task deleted")
	return true
}
