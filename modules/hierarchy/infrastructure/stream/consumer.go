package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/modules/hierarchy/infrastructure/wire"
	"github.com/invory/hierarchies/pkg/configuration"
)

// ApplyFunc hands one decoded event to the reconciler.
type ApplyFunc func(ctx context.Context, ev domain.InventoryEvent) error

// Consumer is one hierarchy's worker on the inventory change stream. Offsets
// are committed per record, only after the event's mutations and downstream
// publish succeeded, so a crash replays the event instead of losing it.
type Consumer struct {
	hierarchyID int64
	kafka       configuration.KafkaOptions
	keycloak    configuration.KeycloakOptions
	apply       ApplyFunc
	// onIdle fires after IdlePollsBeforeDrain consecutive empty polls;
	// the watchdog uses the lull to drain the rebuild queue.
	onIdle func(ctx context.Context)
	log    logrus.FieldLogger
}

func NewConsumer(
	hierarchyID int64,
	kafka configuration.KafkaOptions,
	keycloak configuration.KeycloakOptions,
	apply ApplyFunc,
	onIdle func(ctx context.Context),
	log logrus.FieldLogger,
) *Consumer {
	return &Consumer{
		hierarchyID: hierarchyID,
		kafka:       kafka,
		keycloak:    keycloak,
		apply:       apply,
		onIdle:      onIdle,
		log:         log.WithField("hierarchy_id", hierarchyID),
	}
}

// Run blocks until ctx is cancelled or an unrecoverable error occurs. The
// supervisor restarts it with back-off.
func (c *Consumer) Run(ctx context.Context) error {
	cl, err := kgo.NewClient(ClientOptions(c.kafka, c.keycloak,
		kgo.ConsumerGroup(GroupID(c.kafka.ConsumerGroupID, c.hierarchyID)),
		kgo.ConsumeTopics(c.kafka.SubscribeTopics...),
		kgo.DisableAutoCommit(),
	)...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer cl.Close()

	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pollCtx, cancel := context.WithTimeout(ctx, c.kafka.PollTimeout)
		fetches := cl.PollFetches(pollCtx)
		cancel()
		if fetches.IsClientClosed() {
			return ctx.Err()
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			fetchErr = fmt.Errorf("fetch %s/%d: %w", topic, partition, err)
		})
		if fetchErr != nil {
			return fetchErr
		}

		recs := fetches.Records()
		if len(recs) == 0 {
			idle++
			if c.onIdle != nil && idle >= c.kafka.IdlePollsBeforeDrain {
				c.onIdle(ctx)
				idle = 0
			}
			continue
		}
		idle = 0

		for _, rec := range recs {
			if err := c.handle(ctx, cl, rec); err != nil {
				return err
			}
		}
	}
}

// handle processes one record and commits its offset. Malformed messages
// are committed without processing.
func (c *Consumer) handle(ctx context.Context, cl *kgo.Client, rec *kgo.Record) error {
	class, kind, ok := ParseKey(rec.Key)
	if !ok {
		eventsSkipped.Inc()
		return cl.CommitRecords(ctx, rec)
	}

	ev, err := wire.ParseEvent(class, kind, rec.Value)
	if err != nil {
		c.log.WithError(err).WithField("key", string(rec.Key)).Warn("malformed event payload, skipping")
		eventsSkipped.Inc()
		return cl.CommitRecords(ctx, rec)
	}

	if err := c.apply(ctx, ev); err != nil {
		applyFailures.Inc()
		return fmt.Errorf("apply %s:%s: %w", class, kind, err)
	}
	eventsConsumed.WithLabelValues(string(class), string(kind)).Inc()
	return cl.CommitRecords(ctx, rec)
}
