package wire

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
)

// Downstream entity schemas. The hierarchy service only produces these, so
// the codecs are append-only.

func AppendHierarchy(b []byte, h domain.Hierarchy) []byte {
	b = appendInt64(b, 1, h.ID)
	b = appendString(b, 2, h.Name)
	b = appendString(b, 3, h.Description)
	b = appendString(b, 4, h.Author)
	b = appendString(b, 5, string(h.Status))
	return appendBool(b, 6, h.CreateEmptyNodes)
}

func AppendLevel(b []byte, l domain.Level) []byte {
	b = appendInt64(b, 1, l.ID)
	b = appendInt64(b, 2, l.HierarchyID)
	b = appendInt64(b, 3, int64(l.Level))
	b = appendString(b, 4, l.Name)
	b = appendInt64(b, 5, l.ObjectTypeID)
	b = appendBool(b, 6, l.IsVirtual)
	if l.ParamTypeID != nil {
		b = appendInt64(b, 7, *l.ParamTypeID)
	}
	if l.AdditionalParamsID != nil {
		b = appendInt64(b, 8, *l.AdditionalParamsID)
	}
	if l.LatitudeID != nil {
		b = appendInt64(b, 9, *l.LatitudeID)
	}
	if l.LongitudeID != nil {
		b = appendInt64(b, 10, *l.LongitudeID)
	}
	for _, attr := range l.KeyAttrs {
		b = appendString(b, 11, attr)
	}
	if l.AttrAsParent != nil {
		b = appendInt64(b, 12, *l.AttrAsParent)
	}
	if l.ParentID != nil {
		b = appendInt64(b, 13, *l.ParentID)
	}
	return b
}

func AppendNode(b []byte, n domain.Node) []byte {
	b = appendString(b, 1, n.ID.String())
	b = appendInt64(b, 2, n.HierarchyID)
	b = appendInt64(b, 3, n.LevelID)
	b = appendInt64(b, 4, int64(n.Level))
	b = appendInt64(b, 5, n.ObjectTypeID)
	if n.ObjectID != nil {
		b = appendInt64(b, 6, *n.ObjectID)
	}
	b = appendString(b, 7, n.Key)
	if n.AdditionalParams != nil {
		b = appendString(b, 8, *n.AdditionalParams)
	}
	if n.Latitude != nil {
		b = appendFloat64(b, 9, *n.Latitude)
	}
	if n.Longitude != nil {
		b = appendFloat64(b, 10, *n.Longitude)
	}
	if n.ParentID != nil {
		b = appendString(b, 11, n.ParentID.String())
	}
	b = appendString(b, 12, n.Path)
	b = appendInt64(b, 13, n.ChildCount)
	return appendBool(b, 14, n.Active)
}

func AppendNodeData(b []byte, nd domain.NodeData) ([]byte, error) {
	b = appendInt64(b, 1, nd.ID)
	b = appendString(b, 2, nd.NodeID.String())
	b = appendInt64(b, 3, nd.LevelID)
	b = appendInt64(b, 4, nd.MOID)
	b = appendString(b, 5, nd.MOName)
	if nd.MOLatitude != nil {
		b = appendFloat64(b, 6, *nd.MOLatitude)
	}
	if nd.MOLongitude != nil {
		b = appendFloat64(b, 7, *nd.MOLongitude)
	}
	if nd.MOStatus != nil {
		b = appendString(b, 8, *nd.MOStatus)
	}
	b = appendInt64(b, 9, nd.MOTmoID)
	if nd.MOPID != nil {
		b = appendInt64(b, 10, *nd.MOPID)
	}
	b = appendBool(b, 11, nd.MOActive)
	unfolded, err := json.Marshal(nd.UnfoldedKey)
	if err != nil {
		return nil, err
	}
	b = appendMessage(b, 12, unfolded)
	return b, nil
}

// ParseHierarchy decodes a downstream Hierarchy entity. The consumer side
// only needs it for lifecycle events.
func ParseHierarchy(data []byte) (domain.Hierarchy, error) {
	var h domain.Hierarchy
	s := &fieldScanner{data: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return h, err
		}
		if !ok {
			return h, nil
		}
		switch num {
		case 1:
			v, err := s.varint()
			if err != nil {
				return h, err
			}
			h.ID = int64(v)
		case 2:
			v, err := s.bytes()
			if err != nil {
				return h, err
			}
			h.Name = string(v)
		case 3:
			v, err := s.bytes()
			if err != nil {
				return h, err
			}
			h.Description = string(v)
		case 4:
			v, err := s.bytes()
			if err != nil {
				return h, err
			}
			h.Author = string(v)
		case 5:
			v, err := s.bytes()
			if err != nil {
				return h, err
			}
			h.Status = domain.Status(v)
		case 6:
			v, err := s.varint()
			if err != nil {
				return h, err
			}
			h.CreateEmptyNodes = v != 0
		default:
			if err := s.skip(num, typ); err != nil {
				return h, err
			}
		}
	}
}

// EncodeEntity serializes one downstream change entity.
func EncodeEntity(entity any) ([]byte, error) {
	switch e := entity.(type) {
	case domain.Hierarchy:
		return AppendHierarchy(nil, e), nil
	case domain.Level:
		return AppendLevel(nil, e), nil
	case domain.Node:
		return AppendNode(nil, e), nil
	case domain.NodeData:
		return AppendNodeData(nil, e)
	default:
		return nil, fmt.Errorf("entity %T has no wire schema", entity)
	}
}

func toBits(f float64) uint64 {
	return math.Float64bits(f)
}

func fromBits(v uint64) float64 {
	return math.Float64frombits(v)
}
