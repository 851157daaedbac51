package api

import (
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskstream/domain"
)

const (
	maxBodySize          = 64 << 10
	headerIdempotencyKey = "Idempotency-Key"
	defaultHeartbeat     = 30 * time.Second
)

// Options carries the transport settings that are not collaborators.
type Options struct {
	PublicURL string
	Heartbeat time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, coord Coordinator, rooms Rooms, auth Authenticator, opts Options, logger *log.Logger) {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	e.JSONSerializer = sonicSerializer{}

	e.POST("/api/admin/login", login(auth))
	e.POST("/api/streams", instrument(logger, "/api/streams", createStream(coord, auth)))
	e.GET("/api/streams", listStreams(coord, auth))
	e.GET("/api/streams/:id", getStreamDetail(coord))
	e.POST("/api/streams/:id/task", instrument(logger, "/api/streams/:id/task", submitTask(coord)))
	e.PUT("/api/tasks/:id/vote", instrument(logger, "/api/tasks/:id/vote", voteTask(coord)))
	e.PATCH("/api/tasks/:id/status", instrument(logger, "/api/tasks/:id/status", setTaskStatus(coord, auth)))
	e.DELETE("/api/tasks/:id", instrument(logger, "/api/tasks/:id", deleteTask(coord, auth)))

	e.GET("/api/events", streamEvents(rooms, opts.Heartbeat, logger))
	e.POST("/api/connections/:conn/rooms/:room", joinRoom(rooms))
	e.DELETE("/api/connections/:conn/rooms/:room", leaveRoom(rooms))

	e.GET("/api/config", getConfig(opts.PublicURL))
	e.GET("/healthz", healthz(coord))
}

type meteredHandler func(c echo.Context, m *requestMetrics) error

// instrument runs h inside a request span and logs its metrics. Errors that
// h already rendered are not passed on to echo.
func instrument(logger *log.Logger, route string, h meteredHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, spanCtx := newRequestMetrics(c.Request().Context(), logger, c.Request().Method, route)
		c.SetRequest(c.Request().WithContext(spanCtx))

		var err error
		defer func() {
			m.Log(c.Response().Status, err)
		}()
		err = h(c, m)
		if err != nil && c.Response().Committed {
			return nil
		}
		return err
	}
}

func fail(c echo.Context, m *requestMetrics, err error) error {
	_, stage := writeError(c, err)
	m.SetErrorStage(stage)
	return err
}

func authorize(c echo.Context, auth Authenticator, m *requestMetrics) error {
	start := time.Now()
	_, err := auth.ModeratorFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	m.ObserveAuth(time.Since(start))
	return err
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Reason: "invalid body"}
	}
	return nil
}

func respond(c echo.Context, m *requestMetrics, status int, v any) error {
	start := time.Now()
	err := c.JSON(status, v)
	m.ObserveEncode(time.Since(start))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

func login(auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req loginRequest
		if err := decodeBody(c, &req); err != nil {
			writeError(c, err)
			return nil
		}
		token, err := auth.Login(req.Username, req.Password)
		if err != nil {
			writeError(c, err)
			return nil
		}
		return c.JSON(http.StatusOK, loginResponse{AccessToken: token})
	}
}

func createStream(coord Coordinator, auth Authenticator) meteredHandler {
	return func(c echo.Context, m *requestMetrics) error {
		if err := authorize(c, auth, m); err != nil {
			return fail(c, m, err)
		}
		var req createStreamRequest
		if err := decodeBody(c, &req); err != nil {
			return fail(c, m, err)
		}
		start := time.Now()
		s, err := coord.CreateStream(c.Request().Context(), req.Name)
		m.ObserveOp(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		m.SetRoom(s.ID)
		return respond(c, m, http.StatusCreated, s)
	}
}

func listStreams(coord Coordinator, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.ModeratorFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			writeError(c, err)
			return nil
		}
		streams, err := coord.ListStreams(c.Request().Context())
		if err != nil {
			writeError(c, err)
			return nil
		}
		return c.JSON(http.StatusOK, streams)
	}
}

func getStreamDetail(coord Coordinator) echo.HandlerFunc {
	return func(c echo.Context) error {
		detail, err := coord.GetStreamDetail(c.Request().Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return nil
		}
		return c.JSON(http.StatusOK, detail)
	}
}

func submitTask(coord Coordinator) meteredHandler {
	return func(c echo.Context, m *requestMetrics) error {
		streamID := c.Param("id")
		m.SetRoom(streamID)
		var req submitTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return fail(c, m, err)
		}
		start := time.Now()
		task, err := coord.SubmitTask(c.Request().Context(), domain.Submission{
			StreamID:       streamID,
			UserName:       req.Name,
			Description:    req.Description,
			IdempotencyKey: c.Request().Header.Get(headerIdempotencyKey),
		})
		m.ObserveOp(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respond(c, m, http.StatusCreated, task)
	}
}

func voteTask(coord Coordinator) meteredHandler {
	return func(c echo.Context, m *requestMetrics) error {
		start := time.Now()
		task, err := coord.VoteTask(c.Request().Context(), c.Param("id"))
		m.ObserveOp(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		m.SetRoom(task.StreamID)
		return respond(c, m, http.StatusOK, task)
	}
}

func setTaskStatus(coord Coordinator, auth Authenticator) meteredHandler {
	return func(c echo.Context, m *requestMetrics) error {
		if err := authorize(c, auth, m); err != nil {
			return fail(c, m, err)
		}
		var req setStatusRequest
		if err := decodeBody(c, &req); err != nil {
			return fail(c, m, err)
		}
		start := time.Now()
		task, err := coord.SetTaskStatus(c.Request().Context(), c.Param("id"), req.Status)
		m.ObserveOp(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		m.SetRoom(task.StreamID)
		return respond(c, m, http.StatusOK, task)
	}
}

func deleteTask(coord Coordinator, auth Authenticator) meteredHandler {
	return func(c echo.Context, m *requestMetrics) error {
		if err := authorize(c, auth, m); err != nil {
			return fail(c, m, err)
		}
		id := c.Param("id")
		start := time.Now()
		err := coord.DeleteTask(c.Request().Context(), id)
		m.ObserveOp(time.Since(start))
		if err != nil {
			return fail(c, m, err)
		}
		return respond(c, m, http.StatusOK, domain.TaskDeletedEventData{TaskID: id})
	}
}

func getConfig(publicURL string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, configResponse{PublicURL: publicURL})
	}
}

func healthz(coord Coordinator) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := coord.Health(c.Request().Context())
		status := http.StatusOK
		if !h.StoreReachable {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, h)
	}
}
