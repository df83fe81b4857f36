package ports

import "agentq/internal/domain"

// Registry owns every Task. Mutators ignore unknown ids and reads return
// copies, never the live record.
type Registry interface {
	Create(prompt string) domain.Task
	Get(id string) (domain.Task, bool)
	UpdateStatus(id string, status domain.TaskStatus)
	AppendLog(id, message string)
	SetResult(id string, result domain.Result)
	SetError(id, message string)
	List() []domain.Task
	Delete(id string) bool
}
