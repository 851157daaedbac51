package storage

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/bytedance/sonic"

	"taskstream/domain"
)

func TestDecodeTaskFromTableEntity(t *testing.T) {
	raw := []byte(`{
		"odata.etag": "W/\"datetime'2024-01-01T00%3A00%3A00Z'\"",
		"PartitionKey": "task",
		"RowKey": "abc",
		"Timestamp": "2024-01-01T00:00:00Z",
		"StreamID": "s1",
		"UserName": "ann",
		"Description": "Fix login bug",
		"Votes@odata.type": "Edm.Int64",
		"Votes": "7",
		"Status": "accepted",
		"CreatedAt@odata.type": "Edm.Int64",
		"CreatedAt": "1700000000000000000"
	}`)
	task, err := decodeTask(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := domain.Task{
		ID:          "abc",
		StreamID:    "s1",
		UserName:    "ann",
		Description: "Fix login bug",
		Votes:       7,
		Status:      domain.StatusAccepted,
		CreatedAt:   time.Unix(0, 1700000000000000000).UTC(),
	}
	if task != want {
		t.Fatalf("unexpected task:\n got %+v\nwant %+v", task, want)
	}
}

func TestTaskEntityEncoding(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	payload, err := sonic.Marshal(toTaskEntity(domain.Task{ID: "abc", StreamID: "s1", Votes: 2, Status: domain.StatusPending, CreatedAt: created}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := sonic.Unmarshal(payload, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["PartitionKey"] != taskPartition || fields["RowKey"] != "abc" {
		t.Fatalf("unexpected keys: %v", fields)
	}
	if fields["Votes"] != "2" || fields["Votes@odata.type"] != edmInt64 {
		t.Fatalf("votes must be an Edm.Int64 string, got %v (%v)", fields["Votes"], fields["Votes@odata.type"])
	}
}

func TestStreamEntityRoundTrip(t *testing.T) {
	st := domain.Stream{ID: "s1", Name: "Sprint Planning", Active: true, CreatedAt: time.Unix(1700000000, 5).UTC()}
	payload, err := sonic.Marshal(toStreamEntity(st))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := decodeStream(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != st {
		t.Fatalf("unexpected stream %+v", got)
	}
}

func TestStreamFilterEscapesQuotes(t *testing.T) {
	got := streamFilter("o'brien")
	want := "PartitionKey eq 'task' and StreamID eq 'o''brien'"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestErrorMapping(t *testing.T) {
	notFound := &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "ResourceNotFound"}
	if !hasStatus(notFound, http.StatusNotFound) {
		t.Fatalf("expected 404 to match")
	}
	if hasStatus(errors.New("boom"), http.StatusNotFound) {
		t.Fatalf("plain errors carry no status")
	}
	if unavailable("op", nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
	err := unavailable("vote task", notFound)
	if !domain.IsUnavailable(err) {
		t.Fatalf("expected StoreUnavailableError, got %T", err)
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected wrapped response error")
	}
}
