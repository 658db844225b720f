package jobs

import (
	"encoding/json"
	"time"
)

// State of a job inside its queue.
type State string

const (
	StateWaiting         State = "waiting"
	StateDelayed         State = "delayed"
	StateActive          State = "active"
	StateWaitingChildren State = "waiting-children"
	StateFailed          State = "failed"
)

// Options control scheduling and retries of a job. Zero values fall back to
// the queue defaults, except Delay and Key.
type Options struct {
	// Key deduplicates pending jobs: while a job with the same key is
	// waiting or delayed, Add returns that job instead of a new one.
	Key      string
	Delay    time.Duration
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

func (o Options) withDefaults(d Options) Options {
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// Job is a unit of work. Processors receive a copy that is safe to read
// while the queue keeps going.
type Job struct {
	ID           string
	Name         string
	Queue        string
	Data         json.RawMessage
	Opts         Options
	State        State
	AttemptsMade int
	FailedReason string
	CreatedAt    time.Time
	ReadyAt      time.Time // when the job becomes runnable
	FinishedAt   time.Time

	parent   *Job
	pending  int
	children map[string]json.RawMessage
}

// Decode unmarshals the job data into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

// ChildrenValues returns the results of the job's children keyed by child
// id. A child that failed for good has a JSON null value.
func (j *Job) ChildrenValues() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(j.children))
	for id, v := range j.children {
		out[id] = v
	}
	return out
}

// DecodeChildren decodes every child result into T. Failed children map
// to nil.
func DecodeChildren[T any](j *Job) (map[string]*T, error) {
	out := make(map[string]*T, len(j.children))
	for id, raw := range j.children {
		if len(raw) == 0 || string(raw) == "null" {
			out[id] = nil
			continue
		}
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

// view returns the copy handed to processors.
func (j *Job) view() *Job {
	c := *j
	c.children = j.ChildrenValues()
	if j.parent != nil {
		c.parent = &Job{ID: j.parent.ID, Name: j.parent.Name, Queue: j.parent.Queue}
	}
	return &c
}

// FlowJob describes a tree of jobs registered at once. A parent only runs
// once all of its children have finished.
type FlowJob struct {
	Name     string
	Data     any
	Opts     Options
	Children []*FlowJob
}
