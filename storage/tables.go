package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"taskstream/domain"
)

const (
	streamPartition = "stream"
	taskPartition   = "task"

	edmInt64 = "Edm.Int64"

	maxMergeAttempts = 16
)

var errMergeContention = errors.New("task update kept losing the etag race")

// Tables is the Azure Table Storage implementation of domain.Store.
type Tables struct {
	svc          *aztables.ServiceClient
	streamsTable *aztables.Client
	tasksTable   *aztables.Client
	names        []string
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr, streamsTable, tasksTable string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Millisecond * 200,
				MaxRetryDelay: time.Second * 5,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{
		svc:          svc,
		streamsTable: svc.NewClient(streamsTable),
		tasksTable:   svc.NewClient(tasksTable),
		names:        []string{streamsTable, tasksTable},
	}, nil
}

// EnsureTables creates the backing tables if they are missing.
func (s *Tables) EnsureTables(ctx context.Context) error {
	for _, name := range s.names {
		_, err := s.svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return fmt.Errorf("create table %s: %w", name, err)
			}
		}
	}
	return nil
}

type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type streamEntity struct {
	entity
	Name          string `json:"Name"`
	Active        bool   `json:"Active"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

type taskEntity struct {
	entity
	StreamID      string `json:"StreamID"`
	UserName      string `json:"UserName"`
	Description   string `json:"Description"`
	Votes         int64  `json:"Votes,string"`
	VotesType     string `json:"Votes@odata.type"`
	Status        string `json:"Status"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

type taskVotesUpdate struct {
	entity
	Votes     int64  `json:"Votes,string"`
	VotesType string `json:"Votes@odata.type"`
}

type taskStatusUpdate struct {
	entity
	Status string `json:"Status"`
}

func toStreamEntity(st domain.Stream) streamEntity {
	return streamEntity{
		entity:        entity{PartitionKey: streamPartition, RowKey: st.ID},
		Name:          st.Name,
		Active:        st.Active,
		CreatedAt:     st.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
	}
}

func (e streamEntity) toDomain() domain.Stream {
	return domain.Stream{
		ID:        e.RowKey,
		Name:      e.Name,
		Active:    e.Active,
		CreatedAt: time.Unix(0, e.CreatedAt).UTC(),
	}
}

func toTaskEntity(t domain.Task) taskEntity {
	return taskEntity{
		entity:        entity{PartitionKey: taskPartition, RowKey: t.ID},
		StreamID:      t.StreamID,
		UserName:      t.UserName,
		Description:   t.Description,
		Votes:         t.Votes,
		VotesType:     edmInt64,
		Status:        string(t.Status),
		CreatedAt:     t.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
	}
}

func (e taskEntity) toDomain() domain.Task {
	return domain.Task{
		ID:          e.RowKey,
		StreamID:    e.StreamID,
		UserName:    e.UserName,
		Description: e.Description,
		Votes:       e.Votes,
		Status:      domain.Status(e.Status),
		CreatedAt:   time.Unix(0, e.CreatedAt).UTC(),
	}
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return ent.toDomain(), nil
}

func decodeStream(data []byte) (domain.Stream, error) {
	var ent streamEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Stream{}, err
	}
	return ent.toDomain(), nil
}

func hasStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.StoreUnavailableError{Op: op, Err: err}
}

// streamFilter builds an OData filter matching tasks of one stream.
func streamFilter(streamID string) string {
	return "PartitionKey eq '" + taskPartition + "' and StreamID eq '" + strings.ReplaceAll(streamID, "'", "''") + "'"
}

func (s *Tables) InsertTask(ctx context.Context, t domain.Task) (string, error) {
	t.ID = uuid.NewString()
	payload, err := sonic.Marshal(toTaskEntity(t))
	if err != nil {
		return "", err
	}
	if _, err := s.tasksTable.AddEntity(ctx, payload, nil); err != nil {
		return "", unavailable("insert task", err)
	}
	return t.ID, nil
}

func (s *Tables) getTask(ctx context.Context, id string) (*domain.Task, azcore.ETag, error) {
	resp, err := s.tasksTable.GetEntity(ctx, taskPartition, id, nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, "", nil
		}
		return nil, "", unavailable("find task", err)
	}
	t, err := decodeTask(resp.Value)
	if err != nil {
		return nil, "", err
	}
	return &t, resp.ETag, nil
}

func (s *Tables) FindTask(ctx context.Context, id string) (*domain.Task, error) {
	t, _, err := s.getTask(ctx, id)
	return t, err
}

// mergeTask reads the task and merges the fields built by patch, guarded by
// the read's etag. A lost race rereads the entity and tries again. It returns
// the task's stream.
func (s *Tables) mergeTask(ctx context.Context, op, id string, patch func(t *domain.Task) any) (string, error) {
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		t, etag, err := s.getTask(ctx, id)
		if err != nil {
			return "", err
		}
		if t == nil {
			return "", domain.TaskNotFound(id)
		}
		payload, err := sonic.Marshal(patch(t))
		if err != nil {
			return "", err
		}
		_, err = s.tasksTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
		switch {
		case err == nil:
			return t.StreamID, nil
		case hasStatus(err, http.StatusPreconditionFailed):
			continue
		case hasStatus(err, http.StatusNotFound):
			return "", domain.TaskNotFound(id)
		default:
			return "", unavailable(op, err)
		}
	}
	return "", unavailable(op, errMergeContention)
}

func (s *Tables) UpdateTaskVotes(ctx context.Context, id string, delta int64) (string, error) {
	return s.mergeTask(ctx, "vote task", id, func(t *domain.Task) any {
		return taskVotesUpdate{
			entity:    entity{PartitionKey: taskPartition, RowKey: id},
			Votes:     t.Votes + delta,
			VotesType: edmInt64,
		}
	})
}

func (s *Tables) UpdateTaskStatus(ctx context.Context, id string, status domain.Status) (string, error) {
	return s.mergeTask(ctx, "set task status", id, func(*domain.Task) any {
		return taskStatusUpdate{
			entity: entity{PartitionKey: taskPartition, RowKey: id},
			Status: string(status),
		}
	})
}

func (s *Tables) DeleteTask(ctx context.Context, id string) (bool, error) {
	_, err := s.tasksTable.DeleteEntity(ctx, taskPartition, id, nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, unavailable("delete task", err)
	}
	return true, nil
}

func (s *Tables) InsertStream(ctx context.Context, st domain.Stream) error {
	payload, err := sonic.Marshal(toStreamEntity(st))
	if err != nil {
		return err
	}
	_, err = s.streamsTable.AddEntity(ctx, payload, nil)
	return unavailable("insert stream", err)
}

func (s *Tables) FindStream(ctx context.Context, id string) (*domain.Stream, error) {
	resp, err := s.streamsTable.GetEntity(ctx, streamPartition, id, nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, unavailable("find stream", err)
	}
	st, err := decodeStream(resp.Value)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Tables) ListStreams(ctx context.Context) ([]domain.Stream, error) {
	filter := "PartitionKey eq '" + streamPartition + "'"
	pager := s.streamsTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	streams := []domain.Stream{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, unavailable("list streams", err)
		}
		for _, e := range resp.Entities {
			st, err := decodeStream(e)
			if err != nil {
				return nil, err
			}
			streams = append(streams, st)
		}
	}
	domain.SortStreamsNewestFirst(streams)
	return streams, nil
}

func (s *Tables) ListTasksForStream(ctx context.Context, streamID string) ([]domain.Task, error) {
	filter := streamFilter(streamID)
	pager := s.tasksTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, unavailable("list tasks", err)
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	domain.SortTasksByVotes(tasks)
	return tasks, nil
}

// Ping lists at most one table to confirm the account answers.
func (s *Tables) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.svc.NewListTablesPager(&aztables.ListTablesOptions{Top: &top})
	_, err := pager.NextPage(ctx)
	return unavailable("ping", err)
}
