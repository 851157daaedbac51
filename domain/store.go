package domain

import "context"

// Store is the document store contract. Every call touches a single document;
// there are no multi-document transactions.
type Store interface {
	// InsertTask persists a new task and returns the identifier assigned to it.
	InsertTask(ctx context.Context, t Task) (string, error)
	// FindTask returns nil, nil when the task does not exist.
	FindTask(ctx context.Context, id string) (*Task, error)
	// UpdateTaskVotes atomically adds delta to the vote count and returns the
	// task's stream. It returns a NotFoundError when the task does not exist
	// at commit time.
	UpdateTaskVotes(ctx context.Context, id string, delta int64) (streamID string, err error)
	// UpdateTaskStatus sets the status and returns the task's stream, or a
	// NotFoundError when the task does not exist.
	UpdateTaskStatus(ctx context.Context, id string, status Status) (streamID string, err error)
	// DeleteTask reports whether a task was removed.
	DeleteTask(ctx context.Context, id string) (bool, error)

	InsertStream(ctx context.Context, s Stream) error
	// FindStream returns nil, nil when the stream does not exist.
	FindStream(ctx context.Context, id string) (*Stream, error)
	// ListStreams returns streams newest first.
	ListStreams(ctx context.Context) ([]Stream, error)
	// ListTasksForStream returns the stream's tasks ordered by votes, highest first.
	ListTasksForStream(ctx context.Context, streamID string) ([]Task, error)

	Ping(ctx context.Context) error
}

// Deduper records idempotency keys for task submissions.
type Deduper interface {
	// Add records the key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove deletes a previously added key, used when the write fails.
	Remove(ctx context.Context, scope, key string) error
}

// streamInvalidator is implemented by stores that cache per-stream reads.
type streamInvalidator interface {
	InvalidateStream(ctx context.Context, streamID string)
}

// cachePinger is implemented by stores fronted by a cache.
type cachePinger interface {
	PingCache(ctx context.Context) error
}
