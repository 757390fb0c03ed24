// Package canonjson produces a canonical JSON encoding — object keys sorted,
// no insignificant whitespace — suitable for content-addressed hashing of
// request bodies. No example in the retrieval corpus carries a canonicalizer
// library, so this is a small hand-rolled implementation kept deliberately
// narrow: it only needs to round-trip what encoding/json.Unmarshal into
// map[string]any already produces (objects, arrays, strings, float64s, bools,
// nil), not arbitrary Go values.
package canonjson

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Marshal encodes v (typically the result of json.Unmarshal into `any`) with
// object keys sorted and no extraneous whitespace, so that two semantically
// identical JSON documents with differently ordered keys hash the same.
func Marshal(v any) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf, err := appendValue(buf, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case float64:
		return strconv.AppendFloat(buf, val, 'g', -1, 64), nil
	case json.Number:
		return append(buf, val.String()...), nil
	case string:
		return appendString(buf, val), nil
	case map[string]any:
		return appendObject(buf, val)
	case []any:
		return appendArray(buf, val)
	default:
		return nil, fmt.Errorf("canonjson: unsupported type %T", v)
	}
}

func appendObject(buf []byte, m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendString(buf, k)
		buf = append(buf, ':')
		var err error
		buf, err = appendValue(buf, m[k])
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, '}')
	return buf, nil
}

func appendArray(buf []byte, arr []any) ([]byte, error) {
	buf = append(buf, '[')
	for i, item := range arr {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = appendValue(buf, item)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, ']')
	return buf, nil
}

// appendString encodes s as a JSON string using encoding/json's escaping
// rules.
func appendString(buf []byte, s string) []byte {
	encoded, _ := json.Marshal(s)
	return append(buf, encoded...)
}
