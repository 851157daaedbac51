package domain

import (
	"context"
	"strconv"
	"sync"
)

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]Task
	streams map[string]Stream
	nextID  int
	writes  int
	finds   int

	insertErr error
	voteErr   error
	statusErr error
	deleteErr error
	findErr   error
	pingErr   error

	// afterWrite runs after a successful vote or status write, before the
	// caller gets a chance to reload.
	afterWrite func(id string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]Task{}, streams: map[string]Stream{}}
}

func (f *fakeStore) InsertTask(ctx context.Context, t Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.nextID++
	t.ID = "t" + strconv.Itoa(f.nextID)
	f.tasks[t.ID] = t
	f.writes++
	return t.ID, nil
}

func (f *fakeStore) FindTask(ctx context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return nil, f.findErr
	}
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) UpdateTaskVotes(ctx context.Context, id string, delta int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	if f.voteErr != nil {
		f.mu.Unlock()
		return "", f.voteErr
	}
	t, ok := f.tasks[id]
	if !ok {
		f.mu.Unlock()
		return "", TaskNotFound(id)
	}
	t.Votes += delta
	f.tasks[id] = t
	f.writes++
	hook := f.afterWrite
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return t.StreamID, nil
}

func (f *fakeStore) UpdateTaskStatus(ctx context.Context, id string, status Status) (string, error) {
	f.mu.Lock()
	if f.statusErr != nil {
		f.mu.Unlock()
		return "", f.statusErr
	}
	t, ok := f.tasks[id]
	if !ok {
		f.mu.Unlock()
		return "", TaskNotFound(id)
	}
	t.Status = status
	f.tasks[id] = t
	f.writes++
	hook := f.afterWrite
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return t.StreamID, nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	if _, ok := f.tasks[id]; !ok {
		return false, nil
	}
	delete(f.tasks, id)
	f.writes++
	return true, nil
}

func (f *fakeStore) InsertStream(ctx context.Context, s Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[s.ID] = s
	f.writes++
	return nil
}

func (f *fakeStore) FindStream(ctx context.Context, id string) (*Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeStore) ListStreams(ctx context.Context) ([]Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Stream, 0, len(f.streams))
	for _, s := range f.streams {
		out = append(out, s)
	}
	SortStreamsNewestFirst(out)
	return out, nil
}

func (f *fakeStore) ListTasksForStream(ctx context.Context, streamID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Task{}
	for _, t := range f.tasks {
		if t.StreamID == streamID {
			out = append(out, t)
		}
	}
	SortTasksByVotes(out)
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) findCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finds
}

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type sentEvent struct {
	room  string
	event string
	data  []byte
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (r *recordingBroadcaster) Broadcast(room, event string, payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEvent{room: room, event: event, data: payload})
	return 1
}

func (r *recordingBroadcaster) events() []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentEvent, len(r.sent))
	copy(out, r.sent)
	return out
}
