// Package hashfilter puts a bloom filter in front of a key store so that
// lookups for secrets that were never issued skip the backend entirely.
package hashfilter

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"

	"github.com/xenking/keygate/internal/domain/keys"
)

// HashSource enumerates every live (key auth, hash) pair of a store.
type HashSource interface {
	Hashes(ctx context.Context, fn func(keyAuthID, hash string)) error
}

var _ keys.Repository = (*Repository)(nil)

// Repository wraps a keys.Repository. FindByHash consults the filter first;
// a miss is a definite ErrNotFound. Deleted keys stay in the filter and fall
// through to the backend, which reports them as not found.
//
// Every write to the backend must go through Insert after Warm. Keys written
// around the wrapper stay invisible until the next Warm.
type Repository struct {
	keys.Repository

	mu     sync.RWMutex
	filter *bloom.BloomFilter
	warm   bool
}

// New returns a filter sized for capacity entries at the false positive
// rate fpr. The filter passes every lookup through until Warm succeeds.
func New(repo keys.Repository, capacity uint, fpr float64) *Repository {
	return &Repository{
		Repository: repo,
		filter:     bloom.NewWithEstimates(capacity, fpr),
	}
}

// Warm loads every live hash from src.
func (r *Repository) Warm(ctx context.Context, src HashSource) (int, error) {
	var n int
	r.mu.Lock()
	defer r.mu.Unlock()

	err := src.Hashes(ctx, func(keyAuthID, hash string) {
		r.filter.AddString(entry(keyAuthID, hash))
		n++
	})
	if err != nil {
		return 0, errors.Wrap(err, "load hashes")
	}
	r.warm = true
	return n, nil
}

// FindByHash short-circuits hashes the filter has never seen.
func (r *Repository) FindByHash(ctx context.Context, keyAuthID, hash string) (*keys.Key, error) {
	if !r.mayContain(keyAuthID, hash) {
		return nil, keys.ErrNotFound
	}
	return r.Repository.FindByHash(ctx, keyAuthID, hash)
}

// Insert stores the key and records its hash.
func (r *Repository) Insert(ctx context.Context, k *keys.Key) error {
	if err := r.Repository.Insert(ctx, k); err != nil {
		return err
	}
	r.mu.Lock()
	r.filter.AddString(entry(k.KeyAuthID, k.Hash))
	r.mu.Unlock()
	return nil
}

func (r *Repository) mayContain(keyAuthID, hash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.warm {
		return true
	}
	return r.filter.TestString(entry(keyAuthID, hash))
}

func entry(keyAuthID, hash string) string {
	return keyAuthID + "\x00" + hash
}
