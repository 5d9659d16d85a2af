package models

import (
	"encoding/json"
	"time"
)

// Records written by other clients are decoded leniently: a field with the
// wrong type reads as its zero value instead of failing the whole record.
type fields map[string]any

func decodeFields(data []byte) (fields, bool) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return nil, false
	}
	return fields(m), true
}

func (f fields) str(key string) string {
	s, _ := f[key].(string)
	return s
}

func (f fields) boolean(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// millis accepts epoch milliseconds as a JSON number.
func (f fields) millis(key string) int64 {
	switch v := f[key].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// set reads an object of {id: true} pairs. Entries whose value is false
// or not a boolean are dropped.
func (f fields) set(key string) map[string]bool {
	out := make(map[string]bool)
	m, _ := f[key].(map[string]any)
	for k, v := range m {
		if b, ok := v.(bool); ok && b {
			out[k] = true
		}
	}
	return out
}

// Millis converts t to epoch milliseconds, the timestamp unit on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
