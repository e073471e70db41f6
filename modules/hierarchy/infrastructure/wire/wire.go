// Package wire holds the hand-written protobuf codecs for the inventory RPC
// and the change-stream payloads. Messages are flat and stable, so the
// codecs work directly on protowire fields instead of generated types.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
)

// Every list payload is a single repeated length-delimited field:
//
//	message Objects { repeated bytes objects = 1; }
const objectsField = 1

// AppendObject appends one serialized object to a list payload.
func AppendObject(b []byte, obj []byte) []byte {
	b = protowire.AppendTag(b, objectsField, protowire.BytesType)
	return protowire.AppendBytes(b, obj)
}

// Objects splits a list payload into its serialized objects.
func Objects(data []byte) ([][]byte, error) {
	var out [][]byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num != objectsField || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		obj, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, obj)
		data = data[n:]
	}
	return out, nil
}

// fieldScanner walks a message's top-level fields.
type fieldScanner struct {
	data []byte
}

func (s *fieldScanner) next() (num protowire.Number, typ protowire.Type, ok bool, err error) {
	if len(s.data) == 0 {
		return 0, 0, false, nil
	}
	num, typ, n := protowire.ConsumeTag(s.data)
	if n < 0 {
		return 0, 0, false, protowire.ParseError(n)
	}
	s.data = s.data[n:]
	return num, typ, true, nil
}

func (s *fieldScanner) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(s.data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	s.data = s.data[n:]
	return v, nil
}

func (s *fieldScanner) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(s.data)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	s.data = s.data[n:]
	return v, nil
}

func (s *fieldScanner) float64() (float64, error) {
	v, n := protowire.ConsumeFixed64(s.data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	s.data = s.data[n:]
	return fromBits(v), nil
}

func (s *fieldScanner) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, s.data)
	if n < 0 {
		return protowire.ParseError(n)
	}
	s.data = s.data[n:]
	return nil
}

// MO wire schema:
//
//	message MO {
//	  int64 id = 1; string name = 2; string label = 3; string status = 4;
//	  int64 tmo_id = 5; optional int64 p_id = 6; bool active = 7;
//	  repeated Param params = 8;
//	}
//	message Param { int64 tprm_id = 1; optional string value = 2; }

func AppendMO(b []byte, mo domain.MO) []byte {
	b = appendInt64(b, 1, mo.ID)
	b = appendString(b, 2, mo.Name)
	b = appendString(b, 3, mo.Label)
	b = appendString(b, 4, mo.Status)
	b = appendInt64(b, 5, mo.TmoID)
	if mo.PID != nil {
		b = appendInt64(b, 6, *mo.PID)
	}
	b = appendBool(b, 7, mo.Active)
	for tprmID, v := range mo.Params {
		var p []byte
		p = appendInt64(p, 1, tprmID)
		if v != nil {
			p = appendString(p, 2, *v)
		}
		b = appendMessage(b, 8, p)
	}
	return b
}

func ParseMO(data []byte) (domain.MO, error) {
	mo := domain.MO{Params: map[int64]*string{}}
	s := &fieldScanner{data: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return mo, err
		}
		if !ok {
			return mo, nil
		}
		switch num {
		case 1:
			v, err := s.varint()
			if err != nil {
				return mo, err
			}
			mo.ID = int64(v)
		case 2:
			v, err := s.bytes()
			if err != nil {
				return mo, err
			}
			mo.Name = string(v)
		case 3:
			v, err := s.bytes()
			if err != nil {
				return mo, err
			}
			mo.Label = string(v)
		case 4:
			v, err := s.bytes()
			if err != nil {
				return mo, err
			}
			mo.Status = string(v)
		case 5:
			v, err := s.varint()
			if err != nil {
				return mo, err
			}
			mo.TmoID = int64(v)
		case 6:
			v, err := s.varint()
			if err != nil {
				return mo, err
			}
			pid := int64(v)
			mo.PID = &pid
		case 7:
			v, err := s.varint()
			if err != nil {
				return mo, err
			}
			mo.Active = v != 0
		case 8:
			raw, err := s.bytes()
			if err != nil {
				return mo, err
			}
			tprmID, value, err := parseParam(raw)
			if err != nil {
				return mo, err
			}
			mo.Params[tprmID] = value
		default:
			if err := s.skip(num, typ); err != nil {
				return mo, err
			}
		}
	}
}

func parseParam(data []byte) (int64, *string, error) {
	var tprmID int64
	var value *string
	s := &fieldScanner{data: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			return tprmID, value, nil
		}
		switch num {
		case 1:
			v, err := s.varint()
			if err != nil {
				return 0, nil, err
			}
			tprmID = int64(v)
		case 2:
			v, err := s.bytes()
			if err != nil {
				return 0, nil, err
			}
			sv := string(v)
			value = &sv
		default:
			if err := s.skip(num, typ); err != nil {
				return 0, nil, err
			}
		}
	}
}

// TMO wire schema: message TMO { int64 id = 1; string name = 2; }

func AppendTMO(b []byte, t domain.TMO) []byte {
	b = appendInt64(b, 1, t.ID)
	return appendString(b, 2, t.Name)
}

func ParseTMO(data []byte) (domain.TMO, error) {
	var t domain.TMO
	s := &fieldScanner{data: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return t, err
		}
		if !ok {
			return t, nil
		}
		switch num {
		case 1:
			v, err := s.varint()
			if err != nil {
				return t, err
			}
			t.ID = int64(v)
		case 2:
			v, err := s.bytes()
			if err != nil {
				return t, err
			}
			t.Name = string(v)
		default:
			if err := s.skip(num, typ); err != nil {
				return t, err
			}
		}
	}
}

// TPRM wire schema:
//
//	message TPRM { int64 id = 1; int64 tmo_id = 2; string name = 3;
//	               string kind = 4; bool multiple = 5; }

func AppendTPRM(b []byte, t domain.TPRM) []byte {
	b = appendInt64(b, 1, t.ID)
	b = appendInt64(b, 2, t.TmoID)
	b = appendString(b, 3, t.Name)
	b = appendString(b, 4, t.Kind)
	return appendBool(b, 5, t.Multiple)
}

func ParseTPRM(data []byte) (domain.TPRM, error) {
	var t domain.TPRM
	s := &fieldScanner{data: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return t, err
		}
		if !ok {
			return t, nil
		}
		switch num {
		case 1:
			v, err := s.varint()
			if err != nil {
				return t, err
			}
			t.ID = int64(v)
		case 2:
			v, err := s.varint()
			if err != nil {
				return t, err
			}
			t.TmoID = int64(v)
		case 3:
			v, err := s.bytes()
			if err != nil {
				return t, err
			}
			t.Name = string(v)
		case 4:
			v, err := s.bytes()
			if err != nil {
				return t, err
			}
			t.Kind = string(v)
		case 5:
			v, err := s.varint()
			if err != nil {
				return t, err
			}
			t.Multiple = v != 0
		default:
			if err := s.skip(num, typ); err != nil {
				return t, err
			}
		}
	}
}

// PRM wire schema:
//
//	message PRM { int64 mo_id = 1; int64 tprm_id = 2; optional string value = 3; }

func AppendPRM(b []byte, p domain.PRM) []byte {
	b = appendInt64(b, 1, p.MOID)
	b = appendInt64(b, 2, p.TprmID)
	if p.Value != nil {
		b = appendString(b, 3, *p.Value)
	}
	return b
}

func ParsePRM(data []byte) (domain.PRM, error) {
	var p domain.PRM
	s := &fieldScanner{data: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return p, err
		}
		if !ok {
			return p, nil
		}
		switch num {
		case 1:
			v, err := s.varint()
			if err != nil {
				return p, err
			}
			p.MOID = int64(v)
		case 2:
			v, err := s.varint()
			if err != nil {
				return p, err
			}
			p.TprmID = int64(v)
		case 3:
			v, err := s.bytes()
			if err != nil {
				return p, err
			}
			sv := string(v)
			p.Value = &sv
		default:
			if err := s.skip(num, typ); err != nil {
				return p, err
			}
		}
	}
}

// ParseEvent decodes one upstream payload into the event's object slice.
func ParseEvent(class domain.Class, kind domain.Kind, payload []byte) (domain.InventoryEvent, error) {
	ev := domain.InventoryEvent{Class: class, Kind: kind}
	objs, err := Objects(payload)
	if err != nil {
		return ev, fmt.Errorf("split %s payload: %w", class, err)
	}
	for _, raw := range objs {
		switch class {
		case domain.ClassMO:
			mo, err := ParseMO(raw)
			if err != nil {
				return ev, err
			}
			ev.MOs = append(ev.MOs, mo)
		case domain.ClassTMO:
			t, err := ParseTMO(raw)
			if err != nil {
				return ev, err
			}
			ev.TMOs = append(ev.TMOs, t)
		case domain.ClassPRM:
			p, err := ParsePRM(raw)
			if err != nil {
				return ev, err
			}
			ev.PRMs = append(ev.PRMs, p)
		case domain.ClassTPRM:
			t, err := ParseTPRM(raw)
			if err != nil {
				return ev, err
			}
			ev.TPRMs = append(ev.TPRMs, t)
		default:
			return ev, fmt.Errorf("class %q has no payload schema", class)
		}
	}
	return ev, nil
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	if v {
		return protowire.AppendVarint(b, 1)
	}
	return protowire.AppendVarint(b, 0)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendFloat64(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, toBits(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
