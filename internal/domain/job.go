package domain

import (
	"encoding/json"
	"time"
)

// Job is the unit a pool goroutine claims from the queue.
type Job struct {
	TaskID  string
	Prompt  string
	Timeout time.Duration
}

type jobWire struct {
	TaskID    string `json:"task_id"`
	Prompt    string `json:"prompt"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobWire{
		TaskID:    j.TaskID,
		Prompt:    j.Prompt,
		TimeoutMs: j.Timeout.Milliseconds(),
	})
}

func (j *Job) UnmarshalJSON(b []byte) error {
	var w jobWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	j.TaskID = w.TaskID
	j.Prompt = w.Prompt
	j.Timeout = time.Duration(w.TimeoutMs) * time.Millisecond
	return nil
}
