package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ecociel/docmq/lib/domain"
	"github.com/twmb/franz-go/pkg/kgo"
)

// mockClient mocks kgo.Client for testing
type mockClient struct {
	produceErr   error
	lastRecord   *kgo.Record
	produceCalls int
}

func (m *mockClient) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.produceCalls++
	if len(rs) > 0 {
		m.lastRecord = rs[0]
	}

	if m.produceErr != nil {
		return kgo.ProduceResults{
			{
				Err: m.produceErr,
			},
		}
	}
	return kgo.ProduceResults{}
}

var at = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func TestPublish_Success(t *testing.T) {
	mock := &mockClient{}
	pub := New(mock, "docmq.events")

	ev := domain.Event{
		Kind:     domain.EventAssigned,
		Queue:    "jobs",
		TaskID:   "t-1",
		Worker:   "worker-1",
		Priority: 3,
		Deadline: at.Add(time.Minute),
		At:       at,
	}

	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if mock.produceCalls != 1 {
		t.Fatalf("expected 1 produce call, got: %d", mock.produceCalls)
	}

	rec := mock.lastRecord
	if rec.Topic != "docmq.events" {
		t.Errorf("expected topic docmq.events, got %s", rec.Topic)
	}
	if string(rec.Key) != "jobs/t-1" {
		t.Errorf("expected key jobs/t-1, got %s", string(rec.Key))
	}

	var got domain.Event
	if err := json.Unmarshal(rec.Value, &got); err != nil {
		t.Fatalf("unmarshal value: %v", err)
	}
	if got.Kind != ev.Kind || got.Worker != ev.Worker || !got.Deadline.Equal(ev.Deadline) {
		t.Errorf("expected %+v, got %+v", ev, got)
	}
}

func TestPublish_DefaultTopic(t *testing.T) {
	mock := &mockClient{}
	pub := New(mock, "")

	if err := pub.Publish(context.Background(), domain.Event{Kind: domain.EventCreated, Queue: "jobs", TaskID: "t-1"}); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if mock.lastRecord.Topic != "" {
		t.Errorf("expected empty topic, got %s", mock.lastRecord.Topic)
	}
}

func TestPublish_Error(t *testing.T) {
	expectedErr := errors.New("kafka connection failed")
	mock := &mockClient{produceErr: expectedErr}
	pub := New(mock, "docmq.events")

	err := pub.Publish(context.Background(), domain.Event{Kind: domain.EventCompleted, Queue: "jobs", TaskID: "t-9"})

	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if !errors.Is(err, expectedErr) {
		t.Errorf("expected error to be %v, got %v", expectedErr, err)
	}

	if mock.produceCalls != 1 {
		t.Errorf("expected 1 produce call, got: %d", mock.produceCalls)
	}
}

func TestEventToRec_Headers(t *testing.T) {
	ev := domain.Event{
		Kind:       domain.EventErrored,
		Queue:      "jobs",
		TaskID:     "t-2",
		Diagnostic: "boom",
		At:         at,
	}

	rec, err := eventToRec(ev)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if len(rec.Headers) != 3 {
		t.Fatalf("expected 3 headers, got %d", len(rec.Headers))
	}

	headerMap := make(map[string]string)
	for _, h := range rec.Headers {
		headerMap[h.Key] = string(h.Value)
	}

	if headerMap[domain.HeaderKind] != "errored" {
		t.Errorf("expected kind errored, got %q", headerMap[domain.HeaderKind])
	}
	if headerMap[domain.HeaderQueue] != "jobs" {
		t.Errorf("expected queue jobs, got %q", headerMap[domain.HeaderQueue])
	}
	if headerMap[domain.HeaderID] != "t-2" {
		t.Errorf("expected id t-2, got %q", headerMap[domain.HeaderID])
	}
}

func TestEventToRec_OmitsZeroDeadline(t *testing.T) {
	rec, err := eventToRec(domain.Event{Kind: domain.EventCreated, Queue: "jobs", TaskID: "t-3", At: at})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(rec.Value, &raw); err != nil {
		t.Fatalf("unmarshal value: %v", err)
	}
	if _, ok := raw["deadline"]; ok {
		t.Error("expected no deadline for unassigned task")
	}
}
