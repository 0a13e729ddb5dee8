package twitchapi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// envelope is the only place that knows about the payload shapes Helix (and the
// caching proxies some deployments put in front of it) return:
//
//	{"data": [ {...}, ... ], "pagination": {...}}   list
//	{"data": {...}}                                 single object
//	{...}                                           legacy direct object
//	[ {...}, ... ]                                  bare array
//
// All four normalize to a list of raw items plus an optional cursor.
type envelope struct {
	Items  []json.RawMessage
	Cursor string
	Total  int
}

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return env, nil
	}
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &env.Items); err != nil {
			return env, fmt.Errorf("decode array payload: %w", err)
		}
		return env, nil
	case '{':
	default:
		return env, fmt.Errorf("unexpected payload starting with %q", trimmed[0])
	}

	var wrapped struct {
		Data       json.RawMessage `json:"data"`
		Total      int             `json:"total"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return env, fmt.Errorf("decode object payload: %w", err)
	}
	env.Cursor, env.Total = wrapped.Pagination.Cursor, wrapped.Total

	data := bytes.TrimSpace(wrapped.Data)
	switch {
	case len(data) == 0:
		if !hasKey(trimmed, "data") && !hasKey(trimmed, "total") {
			env.Items = []json.RawMessage{trimmed}
		}
	case bytes.Equal(data, []byte("null")):
	case data[0] == '[':
		if err := json.Unmarshal(data, &env.Items); err != nil {
			return env, fmt.Errorf("decode data array: %w", err)
		}
	case data[0] == '{':
		env.Items = []json.RawMessage{data}
	default:
		return env, fmt.Errorf("unexpected data field %q", data)
	}
	return env, nil
}

func hasKey(obj []byte, key string) bool {
	var m map[string]json.RawMessage
	if json.Unmarshal(obj, &m) != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// decodeItems unmarshals every item into T, skipping (and reporting) malformed ones.
func decodeItems[T any](items []json.RawMessage) ([]T, int) {
	out := make([]T, 0, len(items))
	bad := 0
	for _, raw := range items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			bad++
			continue
		}
		out = append(out, v)
	}
	return out, bad
}
