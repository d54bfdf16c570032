package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// maxCASAttempts bounds the optimistic-concurrency loop against KV.
const maxCASAttempts = 5

// KV is a Cache backed by a NATS JetStream key/value bucket, shared by
// every process attached to the same NATS cluster. Values are JSON entries
// compressed with snappy. Expiry lives inside the value because KV TTLs are
// bucket-wide; MaxAge bounds how long dead keys linger.
type KV struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// KVConfig names the bucket.
type KVConfig struct {
	Bucket   string
	MaxAge   time.Duration
	Replicas int
}

// NewKV creates or attaches to the bucket.
func NewKV(ctx context.Context, nc *nats.Conn, cfg KVConfig) (*KV, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("cache: jetstream: %w", err)
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "traffic-cache"
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		History:  1,
		TTL:      cfg.MaxAge,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: kv bucket %s: %w", cfg.Bucket, err)
	}
	return &KV{kv: kv, now: time.Now}, nil
}

// kvKey maps arbitrary cache keys onto the KV key alphabet.
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func encodeEntry(e Entry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return e, err
	}
	err = json.Unmarshal(raw, &e)
	return e, err
}

// load returns the stored entry and its revision; revision 0 means absent.
func (c *KV) load(ctx context.Context, key string) (Entry, uint64, error) {
	ent, err := c.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Entry{}, 0, nil
	}
	if err != nil {
		return Entry{}, 0, err
	}
	e, err := decodeEntry(ent.Value())
	if err != nil {
		// unreadable values are overwritten
		return Entry{}, ent.Revision(), nil
	}
	return e, ent.Revision(), nil
}

func (c *KV) Get(ctx context.Context, key string) (Entry, bool, error) {
	e, rev, err := c.load(ctx, kvKey(key))
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if rev == 0 || e.Expired(c.now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// write stores e unless keep(current) says the current entry wins.
func (c *KV) write(ctx context.Context, key string, e Entry, keep func(Entry) bool) (bool, error) {
	k := kvKey(key)
	data, err := encodeEntry(e)
	if err != nil {
		return false, err
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, rev, err := c.load(ctx, k)
		if err != nil {
			return false, err
		}
		if rev == 0 {
			_, err = c.kv.Create(ctx, k, data)
		} else {
			if !cur.Expired(c.now()) && keep(cur) {
				return false, nil
			}
			_, err = c.kv.Update(ctx, k, data, rev)
		}
		switch {
		case err == nil:
			return true, nil
		case lostRace(err):
			// re-read and decide again
			continue
		default:
			return false, fmt.Errorf("cache: write %s: %w", key, err)
		}
	}
	return false, fmt.Errorf("cache: %s: too much contention", key)
}

// lostRace reports whether another writer changed the key between our read
// and write. Create and Update both fail with a wrong last sequence then,
// which jetstream exposes as ErrKeyExists.
func lostRace(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists)
}

func (c *KV) CompareAndSet(ctx context.Context, key string, e Entry) (bool, error) {
	return c.write(ctx, key, e, func(cur Entry) bool { return cur.Version >= e.Version })
}

func (c *KV) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := c.now()
	e := Entry{Version: now.UnixNano()}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return c.write(ctx, key, e, func(Entry) bool { return true })
}
