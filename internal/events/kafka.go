package events

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pitabwire/caseportal/model"
)

// HeaderEventType carries the event type on every produced record.
const HeaderEventType = "event-type"

// KafkaPublisher produces case events to a Kafka topic, keyed by case id so
// that events for one case stay ordered within a partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher connects a producer to brokers.
func NewKafkaPublisher(brokers []string, topic string, opts ...kgo.Opt) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: no brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	client, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}, opts...)...)
	if err != nil {
		return nil, errors.Wrap(err, "kafka publisher: create client")
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

// Publish produces evt and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, evt model.Event) error {
	record, err := EncodeRecord(p.topic, evt)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.Wrapf(err, "produce %s for case %q", evt.Type, evt.CaseID)
	}
	return nil
}

// HealthCheck checks broker connectivity.
func (p *KafkaPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the client.
func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

// EncodeRecord renders evt as a Kafka record.
func EncodeRecord(topic string, evt model.Event) (*kgo.Record, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(evt.CaseID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventType, Value: []byte(evt.Type)},
		},
	}, nil
}
