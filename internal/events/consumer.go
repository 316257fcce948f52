package events

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// StatusUpdate is a status change reported by an external case-management
// system for a portal case.
type StatusUpdate struct {
	CaseID     string
	Status     string
	ExternalID string
}

// StatusHandler applies external status updates.
type StatusHandler interface {
	ApplyStatusUpdate(ctx context.Context, update StatusUpdate) error
}

// ParseStatusUpdate reads {"case_id": ..., "status": ..., "external_id": ...}.
// case_id is required, and at least one of status and external_id must be set.
func ParseStatusUpdate(payload []byte) (StatusUpdate, error) {
	if !gjson.ValidBytes(payload) {
		return StatusUpdate{}, errors.New("status update: payload is not valid JSON")
	}
	res := gjson.GetManyBytes(payload, "case_id", "status", "external_id")
	u := StatusUpdate{
		CaseID:     res[0].String(),
		Status:     res[1].String(),
		ExternalID: res[2].String(),
	}
	if u.CaseID == "" {
		return StatusUpdate{}, errors.New("status update: case_id is required")
	}
	if u.Status == "" && u.ExternalID == "" {
		return StatusUpdate{}, errors.Newf("status update for case %q carries neither status nor external_id", u.CaseID)
	}
	return u, nil
}

// StatusConsumer reads status updates from a Kafka topic as part of a
// consumer group and hands them to a StatusHandler. Updates that fail to
// parse or apply are logged and skipped.
type StatusConsumer struct {
	client  *kgo.Client
	handler StatusHandler
	logger  *zap.Logger
}

// NewStatusConsumer joins group and subscribes to topic.
func NewStatusConsumer(brokers []string, group, topic string, handler StatusHandler, logger *zap.Logger, opts ...kgo.Opt) (*StatusConsumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("status consumer: no brokers configured")
	}
	client, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
	}, opts...)...)
	if err != nil {
		return nil, errors.Wrap(err, "status consumer: create client")
	}
	return &StatusConsumer{client: client, handler: handler, logger: logger}, nil
}

// Run polls until ctx is cancelled.
func (c *StatusConsumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("status consumer fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err),
			)
		})
		fetches.EachRecord(func(r *kgo.Record) {
			c.handle(ctx, r)
		})
	}
}

func (c *StatusConsumer) handle(ctx context.Context, r *kgo.Record) {
	update, err := ParseStatusUpdate(r.Value)
	if err != nil {
		c.logger.Warn("status consumer: dropping malformed record",
			zap.String("topic", r.Topic),
			zap.Int64("offset", r.Offset),
			zap.Error(err),
		)
		return
	}
	if err := c.handler.ApplyStatusUpdate(ctx, update); err != nil {
		c.logger.Warn("status consumer: update rejected",
			zap.String("case_id", update.CaseID),
			zap.String("status", update.Status),
			zap.Error(err),
		)
	}
}

// Close leaves the group and closes the client.
func (c *StatusConsumer) Close() {
	c.client.Close()
}
