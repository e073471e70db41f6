package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// NullKey is the reserved sentinel used when every key component is null.
const NullKey = "__NULL__"

// noneValue is how a null key component renders inside a composite key. A
// value that is literally "None" renders the same but still counts as null
// for key-emptiness purposes.
const noneValue = "None"

type KeyData struct {
	Key     string
	IsEmpty bool
}

// MOLinkResolver resolves an mo_link parameter value (an MO id) to the
// referenced MO's name.
type MOLinkResolver func(moID int64) (string, error)

// BuildKey computes the composite key of a node from the ordered key spec and
// one MO's attribute/parameter values. moLinks holds the key attributes whose
// values are mo_link references and must be resolved to MO names.
func BuildKey(keyAttrs []string, values map[string]any, moLinks map[string]struct{}, resolve MOLinkResolver) (KeyData, error) {
	parts := make([]string, 0, len(keyAttrs))
	seen := false

	for _, attr := range keyAttrs {
		v := values[attr]
		if v == nil {
			parts = append(parts, noneValue)
			continue
		}
		if _, isLink := moLinks[attr]; isLink {
			moID, err := toMOID(v)
			if err != nil {
				return KeyData{}, fmt.Errorf("key attr %q: %w", attr, err)
			}
			if resolve == nil {
				return KeyData{}, fmt.Errorf("key attr %q: mo_link value without a resolver", attr)
			}
			name, err := resolve(moID)
			if err != nil {
				return KeyData{}, fmt.Errorf("key attr %q: resolve mo %d: %w", attr, moID, err)
			}
			v = name
		}
		s := renderKeyValue(v)
		if s != noneValue {
			seen = true
		}
		parts = append(parts, s)
	}

	if !seen || len(parts) == 0 {
		return KeyData{Key: NullKey, IsEmpty: true}, nil
	}
	return KeyData{Key: strings.Join(parts, "-")}, nil
}

func renderKeyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		// jsonb numbers decode as float64; integral values must render
		// without a fractional part.
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func toMOID(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		id, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("mo_link value %q is not an MO id", t)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("mo_link value %v (%T) is not an MO id", v, v)
	}
}
