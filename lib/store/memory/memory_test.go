package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ecociel/docmq/lib/domain"
	"github.com/ecociel/docmq/lib/store"
	"github.com/ecociel/docmq/lib/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	doc := domain.Document{ID: "t1", Queue: "jobs", Data: json.RawMessage(`{"x":1}`)}
	if err := s.Create(ctx, &doc); err != nil {
		t.Fatalf("create: %v", err)
	}
	doc.Data[2] = 'z'

	got, err := s.Get(ctx, "jobs", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != `{"x":1}` {
		t.Errorf("stored document was mutated through caller: %s", got.Data)
	}
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New().Find(ctx, store.Query{Queue: "jobs"}); err == nil {
		t.Error("expected error on cancelled context")
	}
}
