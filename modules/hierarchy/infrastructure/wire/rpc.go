package wire

import (
	"github.com/invory/hierarchies/modules/hierarchy/domain"
)

// Inventory RPC request/response schemas.

// message IDRequest { int64 id = 1; }
func EncodeIDRequest(id int64) []byte {
	return appendInt64(nil, 1, id)
}

// message MOParamsRequest { int64 mo_id = 1; repeated int64 param_ids = 2; }
func EncodeMOParamsRequest(moID int64, paramIDs []int64) []byte {
	b := appendInt64(nil, 1, moID)
	for _, id := range paramIDs {
		b = appendInt64(b, 2, id)
	}
	return b
}

// message StreamMOsRequest { int64 tmo_id = 1; repeated int64 param_ids = 2; }
func EncodeStreamMOsRequest(tmoID int64, paramIDs []int64) []byte {
	b := appendInt64(nil, 1, tmoID)
	for _, id := range paramIDs {
		b = appendInt64(b, 2, id)
	}
	return b
}

// message FilterRequest { string filter = 1; }
func EncodeFilterRequest(filter string) []byte {
	return appendString(nil, 1, filter)
}

// message ParamsResponse { repeated Param params = 1; }
func DecodeParamsResponse(data []byte) (map[int64]*string, error) {
	objs, err := Objects(data)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*string, len(objs))
	for _, raw := range objs {
		tprmID, value, err := parseParam(raw)
		if err != nil {
			return nil, err
		}
		out[tprmID] = value
	}
	return out, nil
}

// message MOPage { repeated MO objects = 1; }
func DecodeMOPage(data []byte) ([]domain.MO, error) {
	objs, err := Objects(data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.MO, 0, len(objs))
	for _, raw := range objs {
		mo, err := ParseMO(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, mo)
	}
	return out, nil
}

// message NameResponse { string name = 1; }
func DecodeNameResponse(data []byte) (string, error) {
	s := &fieldScanner{data: data}
	var name string
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return "", err
		}
		if !ok {
			return name, nil
		}
		if num == 1 {
			v, err := s.bytes()
			if err != nil {
				return "", err
			}
			name = string(v)
			continue
		}
		if err := s.skip(num, typ); err != nil {
			return "", err
		}
	}
}

// message SeverityResponse { repeated Entry entries = 1; }
// message Entry { string severity = 1; int64 count = 2; }
func DecodeSeverityResponse(data []byte) (map[string]int64, error) {
	objs, err := Objects(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(objs))
	for _, raw := range objs {
		var severity string
		var count int64
		s := &fieldScanner{data: raw}
		for {
			num, typ, ok, err := s.next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			switch num {
			case 1:
				v, err := s.bytes()
				if err != nil {
					return nil, err
				}
				severity = string(v)
			case 2:
				v, err := s.varint()
				if err != nil {
					return nil, err
				}
				count = int64(v)
			default:
				if err := s.skip(num, typ); err != nil {
					return nil, err
				}
			}
		}
		out[severity] = count
	}
	return out, nil
}
