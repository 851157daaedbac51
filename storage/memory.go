package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"taskstream/domain"
)

// Memory is an in-process domain.Store used for local runs and tests.
type Memory struct {
	mu      sync.RWMutex
	streams map[string]domain.Stream
	tasks   map[string]domain.Task
}

func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string]domain.Stream),
		tasks:   make(map[string]domain.Task),
	}
}

func (m *Memory) InsertTask(ctx context.Context, t domain.Task) (string, error) {
	t.ID = uuid.NewString()
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return t.ID, nil
}

func (m *Memory) FindTask(ctx context.Context, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) UpdateTaskVotes(ctx context.Context, id string, delta int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return "", domain.TaskNotFound(id)
	}
	t.Votes += delta
	m.tasks[id] = t
	return t.StreamID, nil
}

func (m *Memory) UpdateTaskStatus(ctx context.Context, id string, status domain.Status) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return "", domain.TaskNotFound(id)
	}
	t.Status = status
	m.tasks[id] = t
	return t.StreamID, nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return false, nil
	}
	delete(m.tasks, id)
	return true, nil
}

func (m *Memory) InsertStream(ctx context.Context, s domain.Stream) error {
	m.mu.Lock()
	m.streams[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) FindStream(ctx context.Context, id string) (*domain.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ListStreams(ctx context.Context) ([]domain.Stream, error) {
	m.mu.RLock()
	streams := make([]domain.Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()
	domain.SortStreamsNewestFirst(streams)
	return streams, nil
}

func (m *Memory) ListTasksForStream(ctx context.Context, streamID string) ([]domain.Task, error) {
	m.mu.RLock()
	tasks := []domain.Task{}
	for _, t := range m.tasks {
		if t.StreamID == streamID {
			tasks = append(tasks, t)
		}
	}
	m.mu.RUnlock()
	domain.SortTasksByVotes(tasks)
	return tasks, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
