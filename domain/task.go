package domain

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Status is the moderation state of a task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRefused  Status = "refused"
)

// AnonymousName is used when a submitter leaves their name blank.
const AnonymousName = "Anonymous"

// Stream is a named voting session.
type Stream struct {
	ID        string    `json:"stream_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// Task is a proposal submitted into a stream.
type Task struct {
	ID          string    `json:"_id"`
	StreamID    string    `json:"stream_id"`
	UserName    string    `json:"user_name"`
	Description string    `json:"description"`
	Votes       int64     `json:"votes"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// StreamDetail is a stream with its tasks ordered by votes.
type StreamDetail struct {
	Stream Stream `json:"stream"`
	Tasks  []Task `json:"tasks"`
}

// ParseTargetStatus accepts the statuses a moderator may assign.
func ParseTargetStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusAccepted, StatusRefused:
		return s, nil
	default:
		return "", &ValidationError{Field: "status", Reason: "must be accepted or refused"}
	}
}

// SortTasksByVotes orders tasks by votes descending. Ties keep the oldest
// task first so the order is stable across reads.
func SortTasksByVotes(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Votes != tasks[j].Votes {
			return tasks[i].Votes > tasks[j].Votes
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// SortStreamsNewestFirst orders streams by creation time descending.
func SortStreamsNewestFirst(streams []Stream) {
	sort.SliceStable(streams, func(i, j int) bool {
		return streams[i].CreatedAt.After(streams[j].CreatedAt)
	})
}

// TaskMachine validates and applies single task transitions against the store.
//
// The status graph is permissive: accepted and refused are both
// reachable from pending and from each other.
type TaskMachine struct {
	st  Store
	now func() time.Time
}

func NewTaskMachine(st Store) TaskMachine {
	return TaskMachine{st: st, now: time.Now}
}

// Create inserts a pending task with zero votes into an existing stream.
func (m TaskMachine) Create(ctx context.Context, streamID, userName, description string) (Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Task{}, &ValidationError{Field: "description", Reason: "is required"}
	}
	stream, err := m.st.FindStream(ctx, streamID)
	if err != nil {
		return Task{}, err
	}
	if stream == nil {
		return Task{}, StreamNotFound(streamID)
	}
	userName = strings.TrimSpace(userName)
	if userName == "" {
		userName = AnonymousName
	}
	t := Task{
		StreamID:    stream.ID,
		UserName:    userName,
		Description: description,
		Votes:       0,
		Status:      StatusPending,
		CreatedAt:   m.now().UTC(),
	}
	id, err := m.st.InsertTask(ctx, t)
	if err != nil {
		return Task{}, err
	}
	t.ID = id
	return t, nil
}

// Vote adds exactly one vote and returns the stream the task belongs to.
// Callers reload the task through Load.
func (m TaskMachine) Vote(ctx context.Context, id string) (streamID string, err error) {
	return m.st.UpdateTaskVotes(ctx, id, 1)
}

// SetStatus overwrites the task status and returns the task's stream.
func (m TaskMachine) SetStatus(ctx context.Context, id string, status Status) (streamID string, err error) {
	if status != StatusAccepted && status != StatusRefused {
		return "", &ValidationError{Field: "status", Reason: "must be accepted or refused"}
	}
	return m.st.UpdateTaskStatus(ctx, id, status)
}

// Delete removes the task and returns the stream it belonged to.
func (m TaskMachine) Delete(ctx context.Context, id string) (streamID string, err error) {
	t, err := m.st.FindTask(ctx, id)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", TaskNotFound(id)
	}
	existed, err := m.st.DeleteTask(ctx, id)
	if err != nil {
		return "", err
	}
	if !existed {
		return "", TaskNotFound(id)
	}
	return t.StreamID, nil
}

// Load returns the canonical stored task or a NotFoundError.
func (m TaskMachine) Load(ctx context.Context, id string) (Task, error) {
	t, err := m.st.FindTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if t == nil {
		return Task{}, TaskNotFound(id)
	}
	return *t, nil
}
