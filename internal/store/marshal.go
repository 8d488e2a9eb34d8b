package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rasheedb1/cadence/internal/model"
)

// toMillis stores instants as unix milliseconds. The zero time maps to 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis is the inverse of toMillis; always returns UTC.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// marshalGraph converts a CadenceGraph to JSON TEXT for storage.
func marshalGraph(g model.CadenceGraph) (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("marshal graph: %w", err)
	}
	return string(data), nil
}

func unmarshalGraph(data string) (model.CadenceGraph, error) {
	var g model.CadenceGraph
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return model.CadenceGraph{}, fmt.Errorf("unmarshal graph: %w", err)
	}
	return g, nil
}

// marshalAttributes converts lead attributes to JSON TEXT with sorted keys.
func marshalAttributes(attrs model.Object) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	data, err := attrs.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return string(data), nil
}

// unmarshalAttributes parses JSON TEXT to Object. Uses model.Object's
// decoder, which keeps integers as int64 instead of float64.
func unmarshalAttributes(data string) (model.Object, error) {
	if data == "" || data == "{}" {
		return model.Object{}, nil
	}
	var obj model.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return obj, nil
}
