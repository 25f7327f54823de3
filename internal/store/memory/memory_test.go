package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantauth/internal/store"
	"github.com/gosuda/tenantauth/internal/store/memory"
)

func TestKV_SetGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := memory.New()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, kv.Set(ctx, "a", "1"))
	v, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, kv.Delete(ctx, "a"))
	require.NoError(t, kv.Delete(ctx, "a"), "deleting an absent key is a no-op")
	assert.False(t, kv.Has("a"))
	assert.Equal(t, 3, kv.Writes())
}

func TestKV_FailOn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := memory.New()
	boom := errors.New("disk on fire")

	kv.FailOn("a", boom)
	assert.ErrorIs(t, kv.Set(ctx, "a", "1"), boom)
	assert.ErrorIs(t, kv.Delete(ctx, "a"), boom)
	_, err := kv.Get(ctx, "a")
	assert.ErrorIs(t, err, boom)

	kv.FailOn("a", nil)
	require.NoError(t, kv.Set(ctx, "a", "1"))
}
