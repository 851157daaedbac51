package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"taskstream/domain"
)

const azuriteKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

// tableServer answers the entity calls the tasks table makes for a single
// row. Every successful merge bumps the etag.
type tableServer struct {
	mu      sync.Mutex
	task    *taskEntity
	version int

	// lostRaces merges fail with 412 while another writer adds a vote.
	lostRaces   int
	mergeStatus int

	gets     int
	merges   int
	ifMatch  []string
	votesIn  []int64
	statusIn []string
}

func (f *tableServer) etag() string {
	return fmt.Sprintf(`W/"datetime'v%d'"`, f.version)
}

func tableError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-ms-error-code", code)
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"odata.error":{"code":%q,"message":{"lang":"en-US","value":%q}}}`, code, code)
}

func (f *tableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.Contains(r.URL.Path, "/tasks(") {
		tableError(w, http.StatusNotFound, "TableNotFound")
		return
	}
	switch r.Method {
	case http.MethodGet:
		f.gets++
		if f.task == nil {
			tableError(w, http.StatusNotFound, "ResourceNotFound")
			return
		}
		body, _ := sonic.Marshal(f.task)
		w.Header().Set("Content-Type", "application/json;odata=minimalmetadata")
		w.Header().Set("ETag", f.etag())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	case http.MethodPatch:
		f.merges++
		f.ifMatch = append(f.ifMatch, r.Header.Get("If-Match"))
		if f.mergeStatus != 0 {
			tableError(w, f.mergeStatus, "ResourceNotFound")
			return
		}
		if f.lostRaces > 0 {
			f.lostRaces--
			f.task.Votes++
			f.version++
			tableError(w, http.StatusPreconditionFailed, "UpdateConditionNotSatisfied")
			return
		}
		if r.Header.Get("If-Match") != f.etag() {
			tableError(w, http.StatusPreconditionFailed, "UpdateConditionNotSatisfied")
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var patch map[string]any
		if err := sonic.Unmarshal(raw, &patch); err != nil {
			tableError(w, http.StatusBadRequest, "InvalidInput")
			return
		}
		if v, ok := patch["Votes"].(string); ok {
			n, _ := strconv.ParseInt(v, 10, 64)
			f.votesIn = append(f.votesIn, n)
			f.task.Votes = n
		}
		if s, ok := patch["Status"].(string); ok {
			f.statusIn = append(f.statusIn, s)
			f.task.Status = s
		}
		f.version++
		w.Header().Set("ETag", f.etag())
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if f.task == nil {
			tableError(w, http.StatusNotFound, "ResourceNotFound")
			return
		}
		f.task = nil
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTablesAgainst(t *testing.T, f *tableServer) *Tables {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	connStr := "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=" + azuriteKey +
		";TableEndpoint=" + srv.URL + "/devstoreaccount1;"
	tables, err := NewTables(connStr, "streams", "tasks")
	if err != nil {
		t.Fatalf("new tables: %v", err)
	}
	return tables
}

func storedTask(votes int64) *taskEntity {
	ent := toTaskEntity(domain.Task{
		ID:          "t1",
		StreamID:    "s1",
		Description: "Fix login bug",
		Votes:       votes,
		Status:      domain.StatusPending,
		CreatedAt:   time.Unix(1700000000, 0),
	})
	return &ent
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTablesVoteRereadsAfterLostRace(t *testing.T) {
	f := &tableServer{task: storedTask(3), lostRaces: 1}
	tables := newTablesAgainst(t, f)

	streamID, err := tables.UpdateTaskVotes(testContext(t), "t1", 1)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if streamID != "s1" {
		t.Fatalf("unexpected stream %q", streamID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gets != 2 || f.merges != 2 {
		t.Fatalf("expected two reads and two merges, got %d/%d", f.gets, f.merges)
	}
	if f.ifMatch[0] == f.ifMatch[1] {
		t.Fatalf("retry must use the reread etag, both were %q", f.ifMatch[0])
	}
	// The competing writer's vote lands first, so the retry writes 3+1+1.
	if len(f.votesIn) != 1 || f.votesIn[0] != 5 || f.task.Votes != 5 {
		t.Fatalf("expected merged votes 5, got %v (stored %d)", f.votesIn, f.task.Votes)
	}
}

func TestTablesVoteOnMissingTask(t *testing.T) {
	tables := newTablesAgainst(t, &tableServer{})
	if _, err := tables.UpdateTaskVotes(testContext(t), "t1", 1); !domain.IsNotFound(err) {
		t.Fatalf("expected not found for missing row, got %v", err)
	}

	// The row disappears between the read and the merge.
	f := &tableServer{task: storedTask(0), mergeStatus: http.StatusNotFound}
	tables = newTablesAgainst(t, f)
	if _, err := tables.UpdateTaskVotes(testContext(t), "t1", 1); !domain.IsNotFound(err) {
		t.Fatalf("expected not found when merge 404s, got %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.merges != 1 {
		t.Fatalf("a 404 merge must not be retried, got %d merges", f.merges)
	}
}

func TestTablesVoteGivesUpUnderContention(t *testing.T) {
	f := &tableServer{task: storedTask(0), lostRaces: maxMergeAttempts + 5}
	tables := newTablesAgainst(t, f)

	_, err := tables.UpdateTaskVotes(testContext(t), "t1", 1)
	if !domain.IsUnavailable(err) {
		t.Fatalf("expected unavailable after contention, got %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.merges != maxMergeAttempts {
		t.Fatalf("expected %d merges, got %d", maxMergeAttempts, f.merges)
	}
	if len(f.votesIn) != 0 {
		t.Fatalf("no merge should have applied, got %v", f.votesIn)
	}
}

func TestTablesStatusUpdate(t *testing.T) {
	f := &tableServer{task: storedTask(2), lostRaces: 1}
	tables := newTablesAgainst(t, f)

	streamID, err := tables.UpdateTaskStatus(testContext(t), "t1", domain.StatusAccepted)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if streamID != "s1" || len(f.statusIn) != 1 || f.task.Status != string(domain.StatusAccepted) {
		t.Fatalf("unexpected result %q / %v", streamID, f.statusIn)
	}
	if len(f.votesIn) != 0 || f.task.Votes != 3 {
		t.Fatalf("status merge must leave votes alone, got %v (stored %d)", f.votesIn, f.task.Votes)
	}

	missing := &tableServer{task: storedTask(0), mergeStatus: http.StatusNotFound}
	tables = newTablesAgainst(t, missing)
	if _, err := tables.UpdateTaskStatus(testContext(t), "t1", domain.StatusRefused); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTablesDeleteTask(t *testing.T) {
	f := &tableServer{task: storedTask(0)}
	tables := newTablesAgainst(t, f)
	ctx := testContext(t)

	deleted, err := tables.DeleteTask(ctx, "t1")
	if err != nil || !deleted {
		t.Fatalf("first delete: %v %v", deleted, err)
	}
	deleted, err = tables.DeleteTask(ctx, "t1")
	if err != nil || deleted {
		t.Fatalf("second delete should report nothing removed, got %v %v", deleted, err)
	}
	task, err := tables.FindTask(ctx, "t1")
	if err != nil || task != nil {
		t.Fatalf("deleted task should be absent, got %+v %v", task, err)
	}
}
