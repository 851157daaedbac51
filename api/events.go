package api

import (
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskstream/domain"
	"taskstream/internal/consts"
)

const eventConnected = "connected"

func writeEvent(w io.Writer, name string, data []byte) error {
	if _, err := io.WriteString(w, consts.SSEEventPrefix+name+"\n"+consts.SSEDataPrefix); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n\n")
	return err
}

// streamEvents holds an SSE connection open for the lifetime of the request.
// The first frame carries the connection id used by the join and leave
// endpoints; ?room= joins one room up front.
func streamEvents(rooms Rooms, heartbeat time.Duration, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		conn := rooms.Connect()
		defer rooms.Disconnect(conn)
		entry := logger.WithField("conn", conn.ID())

		if room := c.QueryParam("room"); room != "" {
			if err := rooms.Join(conn, room); err != nil {
				entry.WithError(err).Warn("initial join failed")
				return c.String(http.StatusInternalServerError, "join failed")
			}
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		hello, _ := sonic.Marshal(connectedEventData{ConnID: conn.ID()})
		if err := writeEvent(c.Response(), eventConnected, hello); err != nil {
			return nil
		}
		flusher.Flush()
		entry.Info("event stream opened")
		defer entry.Info("event stream closed")

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-conn.Done():
				return nil
			case ev := <-conn.Events():
				if err := writeEvent(c.Response(), ev.Name, ev.Data); err != nil {
					entry.WithError(err).Debug("event write failed")
					return nil
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := io.WriteString(c.Response(), consts.SSEKeepAlive); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func joinRoom(rooms Rooms) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, ok := rooms.Lookup(c.Param("conn"))
		if !ok {
			writeError(c, &domain.NotFoundError{Kind: "connection", ID: c.Param("conn")})
			return nil
		}
		if err := rooms.Join(conn, c.Param("room")); err != nil {
			writeError(c, err)
			return nil
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func leaveRoom(rooms Rooms) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, ok := rooms.Lookup(c.Param("conn"))
		if !ok {
			writeError(c, &domain.NotFoundError{Kind: "connection", ID: c.Param("conn")})
			return nil
		}
		rooms.Leave(conn, c.Param("room"))
		return c.NoContent(http.StatusNoContent)
	}
}
