// Package cache is the shared key/value store used for context reuse and
// telemetry de-duplication. Writes are version-ordered: a value never
// replaces one with a higher version, and rewriting the same version is a
// no-op, so concurrent stages can write without coordination.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var ErrClosed = errors.New("cache: closed")

// Entry is one stored value.
type Entry struct {
	Value     []byte    `json:"v"`
	Version   int64     `json:"ver"`
	ExpiresAt time.Time `json:"exp"`
}

// Expired reports whether the entry is past its TTL at now. A zero
// ExpiresAt never expires.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Cache is the capability every backend provides.
type Cache interface {
	// Get returns the live entry for key.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// CompareAndSet stores e unless a live entry with a version >= e.Version
	// exists. It reports whether e was written.
	CompareAndSet(ctx context.Context, key string, e Entry) (bool, error)
	// SetNX claims key for ttl if no live entry exists. It reports whether
	// this call made the claim.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// ContextKey is the key for one cached context dimension of a segment.
func ContextKey(segmentID, dimension string) string {
	return "context:" + segmentID + ":" + dimension
}

// DedupKey is the debounce sentinel for one telemetry sample.
func DedupKey(segmentID string, ts time.Time) string {
	return "dedup:" + segmentID + ":" + strconv.FormatInt(ts.UnixMilli(), 10)
}

// GetJSON decodes the live entry for key into T.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, int64, bool, error) {
	var v T
	e, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return v, 0, false, err
	}
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return v, 0, false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return v, e.Version, true, nil
}

// PutJSON encodes v and writes it with CompareAndSet.
func PutJSON[T any](ctx context.Context, c Cache, key string, v T, version int64, ttl time.Duration, now time.Time) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("cache: encode %s: %w", key, err)
	}
	e := Entry{Value: data, Version: version}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return c.CompareAndSet(ctx, key, e)
}
