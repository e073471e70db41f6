package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/modules/hierarchy/infrastructure/wire"
	"github.com/invory/hierarchies/modules/hierarchy/services"
	"github.com/invory/hierarchies/pkg/configuration"
)

// LifecycleConsumer watches the downstream hierarchy topic for Hierarchy
// lifecycle events and drives the supervisor: a created or completed
// hierarchy gets a worker, a deleted or rebuilding one loses it.
type LifecycleConsumer struct {
	kafka      configuration.KafkaOptions
	keycloak   configuration.KeycloakOptions
	supervisor *services.Supervisor
	deleter    *services.HierarchyDeleteService
	log        logrus.FieldLogger
}

func NewLifecycleConsumer(
	kafka configuration.KafkaOptions,
	keycloak configuration.KeycloakOptions,
	supervisor *services.Supervisor,
	deleter *services.HierarchyDeleteService,
	log logrus.FieldLogger,
) *LifecycleConsumer {
	return &LifecycleConsumer{kafka: kafka, keycloak: keycloak, supervisor: supervisor, deleter: deleter, log: log}
}

func (c *LifecycleConsumer) Run(ctx context.Context) error {
	cl, err := kgo.NewClient(ClientOptions(c.kafka, c.keycloak,
		kgo.ConsumerGroup(c.kafka.ConsumerGroupID+"_lifecycle"),
		kgo.ConsumeTopics(c.kafka.ProducerTopic),
	)...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer cl.Close()

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

		for _, rec := range fetches.Records() {
			c.handle(ctx, rec)
		}
	}
}

func (c *LifecycleConsumer) handle(ctx context.Context, rec *kgo.Record) {
	head, tail, found := strings.Cut(string(rec.Key), ":")
	if !found || domain.Class(head) != domain.ClassHierarchy {
		return
	}
	kind := domain.Kind(tail)
	if !domain.ValidKind(kind) {
		return
	}

	objs, err := wire.Objects(rec.Value)
	if err != nil {
		c.log.WithError(err).Warn("malformed hierarchy lifecycle payload")
		return
	}
	for _, raw := range objs {
		h, err := wire.ParseHierarchy(raw)
		if err != nil {
			c.log.WithError(err).Warn("malformed hierarchy entity")
			continue
		}
		switch {
		case kind == domain.KindCreated:
			c.supervisor.Start(ctx, h.ID)
		case kind == domain.KindDeleted:
			c.supervisor.Stop(h.ID)
			if c.deleter != nil {
				// The worker is gone; finish the cascade if the row is
				// still there. The originating delete already announced
				// itself, so the change set is discarded.
				var cs domain.ChangeSet
				if err := c.deleter.Delete(ctx, h.ID, &cs); err != nil {
					c.log.WithError(err).WithField("hierarchy_id", h.ID).Error("hierarchy cascade delete failed")
				}
			}
		case kind == domain.KindUpdated && h.Status == domain.StatusInProcess:
			c.supervisor.Stop(h.ID)
		case kind == domain.KindUpdated && h.Status == domain.StatusComplete:
			c.supervisor.Start(ctx, h.ID)
		}
	}
}
