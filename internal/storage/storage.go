package storage

import "context"

// KV is the durable key-value surface the persistence adapter runs on.
// Values are opaque JSON blobs; every operation reads or writes a whole blob.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, keys ...string) error
}
