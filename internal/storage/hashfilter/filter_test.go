package hashfilter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/keygate/internal/domain/keys"
	"github.com/xenking/keygate/internal/storage/memory"
)

// countingRepo counts FindByHash calls that reach the backend.
type countingRepo struct {
	*memory.KeyRepository
	lookups int
}

func (c *countingRepo) FindByHash(ctx context.Context, keyAuthID, hash string) (*keys.Key, error) {
	c.lookups++
	return c.KeyRepository.FindByHash(ctx, keyAuthID, hash)
}

func seed(t *testing.T, repo *memory.KeyRepository, id, hash string) {
	t.Helper()
	require.NoError(t, repo.Insert(context.Background(), &keys.Key{
		ID:        id,
		Hash:      hash,
		KeyAuthID: "ks_1",
		Enabled:   true,
		CreatedAt: time.Now(),
	}))
}

func TestRepository_MissSkipsBackend(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewKeyRepository()
	seed(t, mem, "key_1", "h1")

	backend := &countingRepo{KeyRepository: mem}
	r := New(backend, 1000, 0.0001)
	n, err := r.Warm(ctx, mem)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := r.FindByHash(ctx, "ks_1", "h1")
	require.NoError(t, err)
	assert.Equal(t, "key_1", got.ID)
	assert.Equal(t, 1, backend.lookups)

	_, err = r.FindByHash(ctx, "ks_1", "unknown")
	require.ErrorIs(t, err, keys.ErrNotFound)
	assert.Equal(t, 1, backend.lookups)

	// Same hash under another key auth is a different entry.
	_, err = r.FindByHash(ctx, "ks_2", "h1")
	require.ErrorIs(t, err, keys.ErrNotFound)
	assert.Equal(t, 1, backend.lookups)
}

func TestRepository_InsertIsVisible(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewKeyRepository()
	r := New(mem, 1000, 0.0001)
	_, err := r.Warm(ctx, mem)
	require.NoError(t, err)

	require.NoError(t, r.Insert(ctx, &keys.Key{ID: "key_2", Hash: "h2", KeyAuthID: "ks_1", Enabled: true}))

	got, err := r.FindByHash(ctx, "ks_1", "h2")
	require.NoError(t, err)
	assert.Equal(t, "key_2", got.ID)
}

func TestRepository_ColdPassesThrough(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewKeyRepository()
	seed(t, mem, "key_1", "h1")

	backend := &countingRepo{KeyRepository: mem}
	r := New(backend, 1000, 0.0001)

	got, err := r.FindByHash(ctx, "ks_1", "h1")
	require.NoError(t, err)
	assert.Equal(t, "key_1", got.ID)
	assert.Equal(t, 1, backend.lookups)
}

func TestRepository_WarmPicksUpBypassedWrites(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewKeyRepository()
	r := New(mem, 1000, 0.0001)
	_, err := r.Warm(ctx, mem)
	require.NoError(t, err)

	// Written straight to the backend, not through the wrapper.
	seed(t, mem, "key_3", "h3")
	_, err = r.FindByHash(ctx, "ks_1", "h3")
	require.ErrorIs(t, err, keys.ErrNotFound)

	_, err = r.Warm(ctx, mem)
	require.NoError(t, err)
	got, err := r.FindByHash(ctx, "ks_1", "h3")
	require.NoError(t, err)
	assert.Equal(t, "key_3", got.ID)
}

func TestRepository_ListKeysPassesThrough(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewKeyRepository()
	seed(t, mem, "key_1", "h1")
	r := New(mem, 1000, 0.0001)
	_, err := r.Warm(ctx, mem)
	require.NoError(t, err)
	require.NoError(t, r.Insert(ctx, &keys.Key{ID: "key_2", Hash: "h2", KeyAuthID: "ks_1", OwnerID: "user_1"}))

	list, err := r.ListKeys(ctx, "ks_1", "user_1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "key_2", list[0].ID)
}
