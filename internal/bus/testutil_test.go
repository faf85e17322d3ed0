package bus

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dayuer/agentbus/internal/store"
)

// newTestStore spins up an in-process Redis and returns a store on it.
func newTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.NewWithClient(client), mr
}

func floatPtr(f float64) *float64 {
	return &f
}
