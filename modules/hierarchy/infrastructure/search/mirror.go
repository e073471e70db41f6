// Package search mirrors node snapshots into Elasticsearch so read-side
// consumers can answer "children of these parents" without touching the
// relational store. The mirror is best-effort: indexing failures are logged
// and never fail the originating mutation.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/pkg/eventbus"
)

type Mirror struct {
	es  *elasticsearch.Client
	log logrus.FieldLogger
}

func NewMirror(url string, log logrus.FieldLogger) (*Mirror, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{url}})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return &Mirror{es: es, log: log}, nil
}

// Register subscribes the mirror to committed change sets.
func (m *Mirror) Register(bus eventbus.EventBus) {
	bus.Subscribe(m.Handle)
}

func objIndex(hierarchyID int64) string {
	return fmt.Sprintf("hierarchy_obj_%d_index", hierarchyID)
}

func childrenIndex(hierarchyID int64) string {
	return fmt.Sprintf("hierarchy_children_%d_index", hierarchyID)
}

type nodeDoc struct {
	ID               string   `json:"id"`
	LevelID          int64    `json:"level_id"`
	Level            int      `json:"level"`
	ObjectTypeID     int64    `json:"object_type_id"`
	ObjectID         *int64   `json:"object_id"`
	Key              string   `json:"key"`
	AdditionalParams *string  `json:"additional_params"`
	Latitude         *float64 `json:"latitude"`
	Longitude        *float64 `json:"longitude"`
	ParentID         *string  `json:"parent_id"`
	Path             string   `json:"path"`
	ChildCount       int64    `json:"child_count"`
	Active           bool     `json:"active"`
}

func toDoc(n domain.Node) nodeDoc {
	doc := nodeDoc{
		ID:               n.ID.String(),
		LevelID:          n.LevelID,
		Level:            n.Level,
		ObjectTypeID:     n.ObjectTypeID,
		ObjectID:         n.ObjectID,
		Key:              n.Key,
		AdditionalParams: n.AdditionalParams,
		Latitude:         n.Latitude,
		Longitude:        n.Longitude,
		Path:             n.Path,
		ChildCount:       n.ChildCount,
		Active:           n.Active,
	}
	if n.ParentID != nil {
		s := n.ParentID.String()
		doc.ParentID = &s
	}
	return doc
}

// Handle mirrors one committed change set. Runs synchronously on the bus;
// errors are logged only.
func (m *Mirror) Handle(cs domain.ChangeSet) {
	body, err := m.bulkBody(cs)
	if err != nil {
		m.log.WithError(err).Error("search mirror: build bulk body")
		return
	}
	if body.Len() == 0 {
		return
	}
	res, err := m.es.Bulk(bytes.NewReader(body.Bytes()))
	if err != nil {
		m.log.WithError(err).WithField("hierarchy_id", cs.HierarchyID).Error("search mirror: bulk request")
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		m.log.WithFields(logrus.Fields{
			"hierarchy_id": cs.HierarchyID,
			"status":       res.StatusCode,
		}).Error("search mirror: bulk rejected")
	}
	_, _ = io.Copy(io.Discard, res.Body)
}

func (m *Mirror) bulkBody(cs domain.ChangeSet) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ch := range cs.Changes {
		if ch.Class != domain.ClassObj {
			continue
		}
		n, ok := ch.Entity.(domain.Node)
		if !ok {
			continue
		}
		switch ch.Kind {
		case domain.KindCreated, domain.KindUpdated:
			if err := enc.Encode(map[string]any{"index": map[string]any{"_index": objIndex(cs.HierarchyID), "_id": n.ID.String()}}); err != nil {
				return nil, err
			}
			if err := enc.Encode(toDoc(n)); err != nil {
				return nil, err
			}
			if err := m.appendChildrenOps(enc, cs.HierarchyID, n, true); err != nil {
				return nil, err
			}
		case domain.KindDeleted:
			if err := enc.Encode(map[string]any{"delete": map[string]any{"_index": objIndex(cs.HierarchyID), "_id": n.ID.String()}}); err != nil {
				return nil, err
			}
			if err := enc.Encode(map[string]any{"delete": map[string]any{"_index": childrenIndex(cs.HierarchyID), "_id": n.ID.String()}}); err != nil {
				return nil, err
			}
			if err := m.appendChildrenOps(enc, cs.HierarchyID, n, false); err != nil {
				return nil, err
			}
		}
	}
	return &buf, nil
}

// appendChildrenOps keeps the parent's children[] document in sync via a
// scripted upsert.
func (m *Mirror) appendChildrenOps(enc *json.Encoder, hierarchyID int64, n domain.Node, add bool) error {
	if n.ParentID == nil {
		return nil
	}
	parent := n.ParentID.String()
	if err := enc.Encode(map[string]any{"update": map[string]any{"_index": childrenIndex(hierarchyID), "_id": parent}}); err != nil {
		return err
	}
	var script string
	if add {
		script = "if (!ctx._source.children.contains(params.id)) { ctx._source.children.add(params.id) }"
	} else {
		script = "ctx._source.children.removeIf(c -> c == params.id)"
	}
	return enc.Encode(map[string]any{
		"script": map[string]any{
			"source": script,
			"lang":   "painless",
			"params": map[string]any{"id": n.ID.String()},
		},
		"upsert": map[string]any{"parent_id": parent, "children": []string{n.ID.String()}},
	})
}

// NodesByParents returns the ids of nodes whose parent is in the given set.
func (m *Mirror) NodesByParents(ctx context.Context, hierarchyID int64, parentIDs []uuid.UUID) ([]uuid.UUID, error) {
	parents := make([]string, 0, len(parentIDs))
	for _, id := range parentIDs {
		parents = append(parents, id.String())
	}
	query, err := json.Marshal(map[string]any{
		"query":   map[string]any{"terms": map[string]any{"parent_id": parents}},
		"_source": false,
	})
	if err != nil {
		return nil, err
	}
	res, err := m.es.Search(
		m.es.Search.WithContext(ctx),
		m.es.Search.WithIndex(objIndex(hierarchyID)),
		m.es.Search.WithBody(bytes.NewReader(query)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search mirror: query failed with status %d", res.StatusCode)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID string `json:"_id"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		id, err := uuid.Parse(hit.ID)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
