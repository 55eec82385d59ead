package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ecociel/docmq/lib/domain"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer defines the interface for producing messages to Kafka
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Publisher writes task lifecycle events to a topic. Records of one task share
// a key so they land on one partition in order.
type Publisher struct {
	client Producer
	topic  string
}

// New publishes to topic, or to the client's default produce topic when topic
// is empty.
func New(client Producer, topic string) *Publisher {
	return &Publisher{client: client, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	record, err := eventToRec(ev)
	if err != nil {
		return err
	}
	record.Topic = p.topic
	if err := p.client.ProduceSync(ctx, &record).FirstErr(); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	return nil
}

func eventToRec(ev domain.Event) (rec kgo.Record, err error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return rec, fmt.Errorf("serialize %s event: %w", ev.Kind, err)
	}
	rec.Key = []byte(ev.Queue + "/" + ev.TaskID)
	rec.Value = value
	rec.Headers = []kgo.RecordHeader{
		{Key: domain.HeaderKind, Value: []byte(ev.Kind)},
		{Key: domain.HeaderQueue, Value: []byte(ev.Queue)},
		{Key: domain.HeaderID, Value: []byte(ev.TaskID)},
	}
	return rec, nil
}
