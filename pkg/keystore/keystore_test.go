package keystore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	store := NewFromAddr(s.Addr())
	t.Cleanup(func() { store.Close() })
	return s, store
}

func TestTransactionCommits(t *testing.T) {
	s, store := setupStore(t)
	ctx := context.Background()

	err := store.Transaction(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "k1", "v1", 0)
			pipe.Set(ctx, "k2", "v2", 0)
			return nil
		})
		return err
	}, "k1", "k2")
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	if got, _ := s.Get("k1"); got != "v1" {
		t.Errorf("Expected k1=v1, got %q", got)
	}
	if got, _ := s.Get("k2"); got != "v2" {
		t.Errorf("Expected k2=v2, got %q", got)
	}
}

func TestTransactionSurfacesAppErrors(t *testing.T) {
	_, store := setupStore(t)
	sentinel := errors.New("refused")

	attempts := 0
	err := store.Transaction(context.Background(), func(tx *redis.Tx) error {
		attempts++
		return sentinel
	}, "k1")
	if !errors.Is(err, sentinel) {
		t.Fatalf("Expected sentinel error, got %v", err)
	}
	// application errors must not be retried
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestTransactionRetriesOnConflict(t *testing.T) {
	s, store := setupStore(t)
	ctx := context.Background()

	attempts := 0
	err := store.Transaction(ctx, func(tx *redis.Tx) error {
		attempts++
		if attempts == 1 {
			// invalidate the watch before the MULTI commits
			s.Set("contended", "elsewhere")
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "contended", "mine", 0)
			return nil
		})
		return err
	}, "contended")
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
	if attempts < 2 {
		t.Errorf("Expected a retry after the conflict, got %d attempts", attempts)
	}
	if got, _ := s.Get("contended"); got != "mine" {
		t.Errorf("Expected final write to win, got %q", got)
	}
}
