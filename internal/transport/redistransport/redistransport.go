// Package redistransport implements ports.Transport over Redis, grounded
// on the teacher's internal/service/redis package: message blobs are
// stored as plain string values keyed by their tangle index, with no
// expiry, since the ledger is meant to be durable rather than a
// best-effort delivery cache.
package redistransport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"streams/internal/model"

	"github.com/redis/go-redis/v9"
)

// Transport is a Redis-backed ports.Transport.
type Transport struct {
	rdb *redis.Client
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle (Close, connection pool sizing, TLS, and so on).
func New(rdb *redis.Client) *Transport {
	return &Transport{rdb: rdb}
}

func key(index [32]byte) string {
	return "streams:blob:" + hex.EncodeToString(index[:])
}

func (t *Transport) Put(ctx context.Context, index [32]byte, blob []byte) error {
	if err := t.rdb.Set(ctx, key(index), blob, 0).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", model.ErrTransport, err)
	}
	return nil
}

func (t *Transport) Get(ctx context.Context, index [32]byte) ([]byte, error) {
	v, err := t.rdb.Get(ctx, key(index)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: no blob at index %x", model.ErrTransport, index)
		}
		return nil, fmt.Errorf("%w: redis get: %v", model.ErrTransport, err)
	}
	return v, nil
}

// GetMany returns a nil slot for any index with no stored blob, rather
// than failing the whole batch: sync's candidate addresses are mostly
// speculative, and a missing candidate isn't a transport error.
func (t *Transport) GetMany(ctx context.Context, indices [][32]byte) ([][]byte, error) {
	if len(indices) == 0 {
		return nil, nil
	}
	keys := make([]string, len(indices))
	for i, idx := range indices {
		keys[i] = key(idx)
	}
	vals, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis mget: %v", model.ErrTransport, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected redis value type", model.ErrTransport)
		}
		out[i] = []byte(s)
	}
	return out, nil
}
