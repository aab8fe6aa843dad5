// Package store is the persisted key/value layer every durable piece of
// daemon state goes through.
//
// Values are JSON documents. A missing key is a normal outcome reported as
// found=false, never as an error. Multi-key writes and deletes are atomic.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Persisted keys.
const (
	KeyToken                = "token"
	KeyUser                 = "user"
	KeyTokenExpiresAt       = "tokenExpiresAt"
	KeySavedItems           = "savedItems"
	KeyAPIBase              = "apiBase"
	KeyWebappBase           = "webappBase"
	KeyDefaultAnalyzeFrames = "defaultAnalyzeFrames"
	KeyJobs                 = "jobs"
)

// Store is a JSON key/value store.
type Store interface {
	// Get decodes the value at key into dst. It reports found=false when the
	// key is absent and leaves dst untouched.
	Get(ctx context.Context, key string, dst any) (bool, error)

	// GetRaw returns the stored JSON at key.
	GetRaw(ctx context.Context, key string) (json.RawMessage, bool, error)

	// GetMany reads keys from one consistent snapshot. Absent keys are
	// missing from the result.
	GetMany(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)

	// Set stores value at key.
	Set(ctx context.Context, key string, value any) error

	// SetMany stores all entries atomically.
	SetMany(ctx context.Context, entries map[string]any) error

	// Delete removes keys atomically. Absent keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

func encode(value any) ([]byte, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid raw json")
		}
		return raw, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

// Decode unmarshals one entry of a GetMany result into dst. It reports
// found=false when key is absent.
func Decode(values map[string]json.RawMessage, key string, dst any) (bool, error) {
	raw, ok := values[key]
	if !ok {
		return false, nil
	}
	return true, decode(key, raw, dst)
}

func decode(key string, data []byte, dst any) error {
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
