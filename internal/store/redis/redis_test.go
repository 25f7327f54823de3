package redis_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantauth/internal/store"
	redisstore "github.com/gosuda/tenantauth/internal/store/redis"
)

func TestKey_Prefix(t *testing.T) {
	t.Parallel()

	t.Run("default prefix", func(t *testing.T) {
		t.Parallel()

		kv := redisstore.NewWithClient(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}), "")
		defer kv.Close()

		assert.Equal(t, "tenantauth:tenant-1-session", kv.Key("tenant-1-session"))
	})

	t.Run("custom prefix", func(t *testing.T) {
		t.Parallel()

		kv := redisstore.NewWithClient(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}), "app:")
		defer kv.Close()

		assert.Equal(t, "app:tenant-ids-index", kv.Key("tenant-ids-index"))
	})
}

// Runs against a real server when TENANTAUTH_TEST_REDIS_ADDR is set.
func TestKV_Integration(t *testing.T) {
	t.Parallel()

	addr := os.Getenv("TENANTAUTH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TENANTAUTH_TEST_REDIS_ADDR is not set; skipping Redis integration test")
	}

	ctx := context.Background()
	prefix := "tenantauth-test:" + uuid.NewString() + ":"

	kv, err := redisstore.New(ctx, addr, "", 0, prefix)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer kv.Close()

	_, err = kv.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, kv.Set(ctx, "k", "v"))
	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, kv.Delete(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
