// Package keystore wraps the Redis connection the queue persists into. It
// adds the one helper go-redis does not ship directly: an optimistic
// transaction runner that retries a bounded number of times when the WATCH
// is invalidated by a concurrent writer.
package keystore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// maxWatchRetries bounds optimistic transaction retries. Conflicts on the
// watched keys are rare and short-lived; a handful of attempts is enough.
const maxWatchRetries = 8

// Store holds the Redis connection shared by all queue operations.
// Connections are pooled per call; the Store itself holds no locks.
type Store struct {
	client *redis.Client
}

// New connects a store using go-redis options.
func New(opts *redis.Options) *Store {
	return &Store{client: redis.NewClient(opts)}
}

// NewFromAddr connects a store to a Redis address ("host:port").
func NewFromAddr(addr string) *Store {
	return New(&redis.Options{Addr: addr})
}

// FromClient wraps an existing connection.
func FromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying connection for plain commands and
// pipelines.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Transaction runs fn under WATCH of keys and retries on conflict. Errors
// returned by fn other than the conflict marker surface unchanged, so
// application failures (a status mismatch, a missing row) abort without
// retrying.
func (s *Store) Transaction(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err = s.client.Watch(ctx, fn, keys...)
		if err == nil || !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return errors.Wrapf(err, "keystore: transaction on %v did not settle after %d attempts",
		keys, maxWatchRetries)
}
