package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"taskstream/domain"
	"taskstream/storage"
	"taskstream/subscription"
)

type testServer struct {
	e     *echo.Echo
	rooms *subscription.Registry
	token string
}

func newTestServer(t *testing.T, st domain.Store, dedupe domain.Deduper) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	if st == nil {
		st = storage.NewMemory()
	}
	rooms := subscription.NewRegistry(64, logger)
	coord := domain.NewCoordinator(st, rooms, domain.CoordinatorOptions{Logger: logger, Deduper: dedupe})
	auth := newTestAuth(t)
	token, err := auth.Login("admin", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	e := echo.New()
	Register(e, coord, rooms, auth, Options{PublicURL: "https://vote.example", Heartbeat: time.Hour}, logger)
	return &testServer{e: e, rooms: rooms, token: token}
}

func (s *testServer) do(method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createStream(t *testing.T, name string) domain.Stream {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/streams", `{"name":"`+name+`"}`, s.token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create stream: %d %s", rec.Code, rec.Body.String())
	}
	var st domain.Stream
	decodeJSON(t, rec.Body.Bytes(), &st)
	return st
}

func (s *testServer) submit(t *testing.T, streamID, description string) domain.Task {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/streams/"+streamID+"/task", `{"name":"ann","description":"`+description+`"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	decodeJSON(t, rec.Body.Bytes(), &task)
	return task
}

func decodeJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := sonic.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

// sseRecorder is a ResponseWriter safe to read while a handler streams into it.
type sseRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
	status int
}

func newSSERecorder() *sseRecorder { return &sseRecorder{header: make(http.Header)} }

func (r *sseRecorder) Header() http.Header { return r.header }

func (r *sseRecorder) WriteHeader(code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

func (r *sseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *sseRecorder) Flush() {}

func (r *sseRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

type sseFrame struct {
	Event string
	Data  string
}

func parseFrames(body string) []sseFrame {
	var frames []sseFrame
	for _, chunk := range strings.Split(body, "\n\n") {
		var f sseFrame
		for _, line := range strings.Split(chunk, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		if f.Event != "" {
			frames = append(frames, f)
		}
	}
	return frames
}

type subscriber struct {
	rec    *sseRecorder
	connID string
}

// frames waits until at least n frames arrived and returns them all.
func (s *subscriber) frames(t *testing.T, n int) []sseFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		frames := parseFrames(s.rec.String())
		if len(frames) >= n {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d frames, got %d: %q", n, len(frames), s.rec.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *testServer) subscribe(t *testing.T, room string) *subscriber {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	path := "/api/events"
	if room != "" {
		path += "?room=" + room
	}
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := newSSERecorder()
	done := make(chan struct{})
	go func() {
		s.e.ServeHTTP(rec, req)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Errorf("event stream did not exit")
		}
	})

	sub := &subscriber{rec: rec}
	first := sub.frames(t, 1)[0]
	if first.Event != eventConnected {
		t.Fatalf("expected connected frame first, got %+v", first)
	}
	var hello connectedEventData
	decodeJSON(t, []byte(first.Data), &hello)
	sub.connID = hello.ConnID
	return sub
}

func tasksFrom(t *testing.T, frames []sseFrame, event string) []domain.Task {
	t.Helper()
	var out []domain.Task
	for _, f := range frames {
		if f.Event != event {
			continue
		}
		var task domain.Task
		decodeJSON(t, []byte(f.Data), &task)
		out = append(out, task)
	}
	return out
}

func countEvents(frames []sseFrame, event string) int {
	n := 0
	for _, f := range frames {
		if f.Event == event {
			n++
		}
	}
	return n
}
