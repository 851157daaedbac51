package domain

import (
	"context"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultStoreTimeout = 5 * time.Second

// Broadcaster fans a payload out to every current member of a room.
type Broadcaster interface {
	Broadcast(room, event string, payload []byte) int
}

// Submission is a participant's task proposal.
type Submission struct {
	StreamID       string
	UserName       string
	Description    string
	IdempotencyKey string
}

// Health is the result of a readiness probe.
type Health struct {
	Status         string `json:"status"`
	StoreReachable bool   `json:"store_reachable"`
	CacheReachable *bool  `json:"cache_reachable,omitempty"`
}

// CoordinatorOptions configures a Coordinator. Zero values are usable.
type CoordinatorOptions struct {
	StoreTimeout time.Duration
	Deduper      Deduper
	Logger       *log.Logger
	NewStreamID  func() string
	Now          func() time.Time
}

// Coordinator sequences every mutation as store write, canonical reload and
// room broadcast. A broadcast is only issued for state the store confirmed.
//
// Reload and broadcast for one room happen under that room's lock, so
// subscribers see a room's events in the order the store state was read. The
// store writes themselves are never serialized.
type Coordinator struct {
	store   Store
	tasks   TaskMachine
	rooms   Broadcaster
	dedupe  Deduper
	locks   *roomLocks
	timeout time.Duration
	log     *log.Logger
	newID   func() string
	now     func() time.Time
}

func NewCoordinator(st Store, rooms Broadcaster, opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		store:   st,
		tasks:   NewTaskMachine(st),
		rooms:   rooms,
		dedupe:  opts.Deduper,
		locks:   newRoomLocks(),
		timeout: opts.StoreTimeout,
		log:     opts.Logger,
		newID:   opts.NewStreamID,
		now:     opts.Now,
	}
	if c.timeout <= 0 {
		c.timeout = defaultStoreTimeout
	}
	if c.log == nil {
		c.log = log.StandardLogger()
	}
	if c.newID == nil {
		c.newID = newStreamID
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.tasks.now = c.now
	return c
}

func newStreamID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// storeContext bounds the store calls of one operation. It is detached from
// the caller's cancellation: a client that disconnects mid-request does not
// abort a write that is already in flight.
func (c *Coordinator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

// CreateStream registers a new active stream.
func (c *Coordinator) CreateStream(ctx context.Context, name string) (Stream, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Stream{}, &ValidationError{Field: "name", Reason: "is required"}
	}
	s := Stream{ID: c.newID(), Name: name, CreatedAt: c.now().UTC(), Active: true}
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	if err := c.store.InsertStream(sctx, s); err != nil {
		return Stream{}, err
	}
	c.log.WithFields(log.Fields{"stream": s.ID, "name": s.Name}).Info("stream created")
	return s, nil
}

// ListStreams returns all streams, newest first.
func (c *Coordinator) ListStreams(ctx context.Context) ([]Stream, error) {
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	streams, err := c.store.ListStreams(sctx)
	if err != nil {
		return nil, err
	}
	if streams == nil {
		streams = []Stream{}
	}
	return streams, nil
}

// GetStreamDetail returns the stream and its tasks ordered by votes.
//
// The task list is read under the room lock. A cached store fills its entry
// on a miss, and the lock keeps that fill from landing after a concurrent
// writer's invalidation.
func (c *Coordinator) GetStreamDetail(ctx context.Context, streamID string) (StreamDetail, error) {
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	s, err := c.store.FindStream(sctx, streamID)
	if err != nil {
		return StreamDetail{}, err
	}
	if s == nil {
		return StreamDetail{}, StreamNotFound(streamID)
	}
	unlock := c.locks.lock(streamID)
	tasks, err := c.store.ListTasksForStream(sctx, streamID)
	unlock()
	if err != nil {
		return StreamDetail{}, err
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return StreamDetail{Stream: *s, Tasks: tasks}, nil
}

// SubmitTask creates a pending task and announces it to the stream's room.
func (c *Coordinator) SubmitTask(ctx context.Context, sub Submission) (Task, error) {
	if strings.TrimSpace(sub.Description) == "" {
		return Task{}, &ValidationError{Field: "description", Reason: "is required"}
	}
	sctx, cancel := c.storeContext(ctx)
	defer cancel()

	key := sub.IdempotencyKey
	if key != "" && c.dedupe != nil {
		added, err := c.dedupe.Add(sctx, sub.StreamID, key)
		switch {
		case err != nil:
			c.log.WithError(err).WithField("stream", sub.StreamID).Warn("deduper unavailable; accepting submission")
			key = ""
		case !added:
			return Task{}, ErrDuplicateSubmission
		}
	} else {
		key = ""
	}

	// The new id only becomes known to other clients through this broadcast,
	// so holding the room lock across the insert keeps new_task ahead of any
	// update for the same task.
	unlock := c.locks.lock(sub.StreamID)
	t, err := c.tasks.Create(sctx, sub.StreamID, sub.UserName, sub.Description)
	if err != nil {
		unlock()
		if key != "" {
			if rerr := c.dedupe.Remove(sctx, sub.StreamID, key); rerr != nil {
				c.log.WithError(rerr).WithField("stream", sub.StreamID).Error("dedupe rollback failed")
			}
		}
		return Task{}, err
	}
	c.invalidate(sctx, t.StreamID)
	c.broadcast(t.StreamID, EventNewTask, t)
	unlock()
	return t, nil
}

// VoteTask adds one vote and broadcasts the reloaded task.
func (c *Coordinator) VoteTask(ctx context.Context, taskID string) (Task, error) {
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	streamID, err := c.tasks.Vote(sctx, taskID)
	if err != nil {
		return Task{}, err
	}
	return c.publishUpdate(sctx, streamID, taskID)
}

// SetTaskStatus moves the task to accepted or refused and broadcasts it.
func (c *Coordinator) SetTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	st, err := ParseTargetStatus(status)
	if err != nil {
		return Task{}, err
	}
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	streamID, err := c.tasks.SetStatus(sctx, taskID, st)
	if err != nil {
		return Task{}, err
	}
	c.log.WithFields(log.Fields{"task": taskID, "stream": streamID, "status": st}).Info("task status changed")
	return c.publishUpdate(sctx, streamID, taskID)
}

// DeleteTask removes a task and broadcasts its identifier to the stream's room.
func (c *Coordinator) DeleteTask(ctx context.Context, taskID string) error {
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	streamID, err := c.tasks.Delete(sctx, taskID)
	if err != nil {
		return err
	}
	c.log.WithFields(log.Fields{"task": taskID, "stream": streamID}).Info("task deleted")

	unlock := c.locks.lock(streamID)
	defer unlock()
	c.invalidate(sctx, streamID)
	c.broadcast(streamID, EventTaskDeleted, TaskDeletedEventData{TaskID: taskID})
	return nil
}

// Health probes the store, and the cache when one is configured.
func (c *Coordinator) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	h := Health{Status: "up", StoreReachable: true}
	if err := c.store.Ping(ctx); err != nil {
		c.log.WithError(err).Warn("store ping failed")
		h.Status = "down"
		h.StoreReachable = false
	}
	if cp, ok := c.store.(cachePinger); ok {
		reachable := cp.PingCache(ctx) == nil
		h.CacheReachable = &reachable
	}
	return h
}

// publishUpdate reloads the task under the room lock and broadcasts it. A task
// that vanished since the write (a racing delete) is reported as not found and
// nothing is broadcast.
func (c *Coordinator) publishUpdate(ctx context.Context, room, taskID string) (Task, error) {
	unlock := c.locks.lock(room)
	defer unlock()
	c.invalidate(ctx, room)
	t, err := c.tasks.Load(ctx, taskID)
	if err != nil {
		if IsNotFound(err) {
			c.log.WithFields(log.Fields{"task": taskID, "stream": room}).Info("task removed before broadcast")
		}
		return Task{}, err
	}
	c.broadcast(room, EventTaskUpdated, t)
	return t, nil
}

func (c *Coordinator) broadcast(room, event string, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		c.log.WithError(err).WithFields(log.Fields{"room": room, "event": event}).Error("marshal broadcast payload")
		return
	}
	n := c.rooms.Broadcast(room, event, data)
	c.log.WithFields(log.Fields{"room": room, "event": event, "delivered": n}).Debug("broadcast")
}

func (c *Coordinator) invalidate(ctx context.Context, streamID string) {
	if inv, ok := c.store.(streamInvalidator); ok {
		inv.InvalidateStream(ctx, streamID)
	}
}
