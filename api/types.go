package api

import (
	"context"

	"taskstream/domain"
	"taskstream/subscription"
)

// Coordinator is the write and read surface the handlers drive.
type Coordinator interface {
	CreateStream(ctx context.Context, name string) (domain.Stream, error)
	ListStreams(ctx context.Context) ([]domain.Stream, error)
	GetStreamDetail(ctx context.Context, streamID string) (domain.StreamDetail, error)
	SubmitTask(ctx context.Context, sub domain.Submission) (domain.Task, error)
	VoteTask(ctx context.Context, taskID string) (domain.Task, error)
	SetTaskStatus(ctx context.Context, taskID, status string) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	Health(ctx context.Context) domain.Health
}

// Rooms is the connection registry used by the realtime endpoints.
type Rooms interface {
	Connect() *subscription.Conn
	Lookup(id string) (*subscription.Conn, bool)
	Join(c *subscription.Conn, room string) error
	Leave(c *subscription.Conn, room string)
	Disconnect(c *subscription.Conn)
}

// Authenticator issues and checks moderator credentials.
type Authenticator interface {
	Login(username, password string) (string, error)
	ModeratorFromAuthHeader(h string) (string, error)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

type createStreamRequest struct {
	Name string `json:"name"`
}

type submitTaskRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type configResponse struct {
	PublicURL string `json:"public_url"`
}

type connectedEventData struct {
	ConnID string `json:"conn_id"`
}
