package stream

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/modules/hierarchy/infrastructure/wire"
	"github.com/invory/hierarchies/pkg/configuration"
	"github.com/invory/hierarchies/pkg/eventbus"
)

// Publisher fans committed ChangeSets out to the downstream hierarchy
// topic. Entities are grouped per class and kind, chunked to at most
// ProducerMaxMsgLen per message, and produced over a fresh connection per
// change set so one slow hierarchy never blocks another's worker.
type Publisher struct {
	kafka    configuration.KafkaOptions
	keycloak configuration.KeycloakOptions
	log      logrus.FieldLogger
}

func NewPublisher(kafka configuration.KafkaOptions, keycloak configuration.KeycloakOptions, log logrus.FieldLogger) *Publisher {
	return &Publisher{kafka: kafka, keycloak: keycloak, log: log}
}

// Register subscribes the publisher to committed change sets on the bus.
func (p *Publisher) Register(bus eventbus.EventBus) {
	bus.Subscribe(p.Handle)
}

// Handle publishes one committed change set. Runs synchronously on the
// reconciler's goroutine: the upstream offset is committed only after this
// returns.
func (p *Publisher) Handle(cs domain.ChangeSet) {
	if cs.Empty() {
		return
	}
	if err := p.publish(context.Background(), cs); err != nil {
		publishFailures.Inc()
		p.log.WithError(err).WithField("hierarchy_id", cs.HierarchyID).Error("downstream publish failed")
	}
}

type changeGroup struct {
	class    domain.Class
	kind     domain.Kind
	entities []any
}

// groupChanges buckets changes per (class, kind), preserving first-seen
// group order and the order of entities inside a group.
func groupChanges(cs domain.ChangeSet) []changeGroup {
	var groups []changeGroup
	index := map[string]int{}
	for _, ch := range cs.Changes {
		k := string(ch.Class) + ":" + string(ch.Kind)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, changeGroup{class: ch.Class, kind: ch.Kind})
		}
		groups[i].entities = append(groups[i].entities, ch.Entity)
	}
	return groups
}

func (p *Publisher) publish(ctx context.Context, cs domain.ChangeSet) error {
	cl, err := kgo.NewClient(ClientOptions(p.kafka, p.keycloak)...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer cl.Close()

	for _, g := range groupChanges(cs) {
		for start := 0; start < len(g.entities); start += p.kafka.ProducerMaxMsgLen {
			end := start + p.kafka.ProducerMaxMsgLen
			if end > len(g.entities) {
				end = len(g.entities)
			}
			var payload []byte
			for _, entity := range g.entities[start:end] {
				raw, err := wire.EncodeEntity(entity)
				if err != nil {
					return err
				}
				payload = wire.AppendObject(payload, raw)
			}
			rec := &kgo.Record{
				Topic: p.kafka.ProducerTopic,
				Key:   EventKey(g.class, g.kind),
				Value: payload,
			}
			if err := cl.ProduceSync(ctx, rec).FirstErr(); err != nil {
				return fmt.Errorf("produce %s:%s: %w", g.class, g.kind, err)
			}
			batchesPublished.WithLabelValues(string(g.class), string(g.kind)).Inc()
		}
	}
	return nil
}
