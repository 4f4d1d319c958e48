package storage

import (
	"encoding/json"
	"fmt"
)

// marshalData serializes a payload map for storage. Values JSON cannot
// represent (channels, funcs, cycles) are coerced to their string form so
// a misbehaving callable result never blocks persistence.
func marshalData(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err == nil {
		return string(b)
	}
	coerced := make(map[string]any, len(m))
	for k, v := range m {
		if _, err := json.Marshal(v); err != nil {
			coerced[k] = fmt.Sprint(v)
			continue
		}
		coerced[k] = v
	}
	b, err = json.Marshal(coerced)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalData(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{"raw": s}
	}
	return m
}
