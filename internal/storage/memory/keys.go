// Package memory provides an in-process key store. Every mutation happens
// under a single mutex, so counter updates are atomic per key.
package memory

import (
	"context"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/keygate/internal/domain/keys"
)

var _ keys.Repository = (*KeyRepository)(nil)

// KeyRepository implements keys.Repository in memory.
type KeyRepository struct {
	mu         sync.Mutex
	auths      map[string]*keys.KeyAuth
	authsByAPI map[string]string
	keys       map[string]*keys.Key
	byHash     map[hashKey]string
}

type hashKey struct {
	keyAuthID string
	hash      string
}

// NewKeyRepository returns an empty KeyRepository.
func NewKeyRepository() *KeyRepository {
	return &KeyRepository{
		auths:      make(map[string]*keys.KeyAuth),
		authsByAPI: make(map[string]string),
		keys:       make(map[string]*keys.Key),
		byHash:     make(map[hashKey]string),
	}
}

func (r *KeyRepository) FindKeyAuthByAPIID(_ context.Context, apiID string) (*keys.KeyAuth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.authsByAPI[apiID]
	if !ok {
		return nil, keys.ErrNotFound
	}
	return r.liveAuth(id)
}

func (r *KeyRepository) FindKeyAuthByID(_ context.Context, id string) (*keys.KeyAuth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveAuth(id)
}

func (r *KeyRepository) InsertKeyAuth(_ context.Context, auth *keys.KeyAuth) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.auths[auth.ID]; ok {
		return errors.Wrapf(keys.ErrConflict, "key auth %s already exists", auth.ID)
	}
	if _, ok := r.authsByAPI[auth.APIID]; ok {
		return errors.Wrapf(keys.ErrConflict, "api %s already exists", auth.APIID)
	}
	r.auths[auth.ID] = cloneAuth(auth)
	r.authsByAPI[auth.APIID] = auth.ID
	return nil
}

func (r *KeyRepository) SoftDeleteKeyAuth(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.auths[id]
	if !ok || a.Deleted() {
		return keys.ErrNotFound
	}
	a.DeletedAt = &now
	return nil
}

func (r *KeyRepository) FindByHash(_ context.Context, keyAuthID, hash string) (*keys.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byHash[hashKey{keyAuthID: keyAuthID, hash: hash}]
	if !ok {
		return nil, keys.ErrNotFound
	}
	return r.liveKey(id)
}

func (r *KeyRepository) FindByID(_ context.Context, id string) (*keys.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveKey(id)
}

// ListKeys returns the live keys of one key auth ordered by creation time,
// narrowed to ownerID when it is not empty.
func (r *KeyRepository) ListKeys(_ context.Context, keyAuthID, ownerID string) ([]*keys.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []*keys.Key
	for _, k := range r.keys {
		if k.KeyAuthID != keyAuthID || k.Deleted() {
			continue
		}
		if ownerID != "" && k.OwnerID != ownerID {
			continue
		}
		list = append(list, cloneKey(k))
	}
	slices.SortFunc(list, func(a, b *keys.Key) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return list, nil
}

func (r *KeyRepository) Insert(_ context.Context, key *keys.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hk := hashKey{keyAuthID: key.KeyAuthID, hash: key.Hash}
	if _, ok := r.keys[key.ID]; ok {
		return errors.Wrapf(keys.ErrConflict, "key %s already exists", key.ID)
	}
	if _, ok := r.byHash[hk]; ok {
		return errors.Wrapf(keys.ErrConflict, "hash already registered in key auth %s", key.KeyAuthID)
	}
	r.keys[key.ID] = cloneKey(key)
	r.byHash[hk] = key.ID
	return nil
}

func (r *KeyRepository) UpdateSettings(_ context.Context, id string, patch keys.SettingsPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, err := r.mutableKey(id)
	if err != nil {
		return err
	}
	if patch.Enabled != nil {
		k.Enabled = *patch.Enabled
	}
	if patch.OwnerID != nil {
		k.OwnerID = *patch.OwnerID
	}
	if patch.Name != nil {
		k.Name = *patch.Name
	}
	if patch.Environment != nil {
		k.Environment = *patch.Environment
	}
	switch {
	case patch.ClearExpires:
		k.Expires = nil
	case patch.Expires != nil:
		exp := *patch.Expires
		k.Expires = &exp
	}
	return nil
}

func (r *KeyRepository) SoftDelete(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, err := r.mutableKey(id)
	if err != nil {
		return err
	}
	k.DeletedAt = &now
	return nil
}

func (r *KeyRepository) DecrementRemaining(_ context.Context, id string, amount int64, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, err := r.mutableKey(id)
	if err != nil {
		return 0, err
	}
	if k.Remaining == nil {
		return 0, keys.ErrUnlimited
	}
	if *k.Remaining < amount {
		return 0, keys.ErrInsufficientRemaining
	}
	v := *k.Remaining - amount
	k.Remaining = &v
	k.LastVerifiedAt = &now
	return v, nil
}

func (r *KeyRepository) IncrementRemaining(_ context.Context, id string, amount int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, err := r.mutableKey(id)
	if err != nil {
		return 0, err
	}
	if k.Remaining == nil {
		return 0, keys.ErrUnlimited
	}
	if amount > math.MaxInt64-*k.Remaining {
		return 0, errors.Wrapf(keys.ErrInvalidOperation, "remaining of %s would overflow", id)
	}
	v := *k.Remaining + amount
	k.Remaining = &v
	return v, nil
}

func (r *KeyRepository) SetRemaining(_ context.Context, id string, value int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, err := r.mutableKey(id)
	if err != nil {
		return 0, err
	}
	k.Remaining = &value
	return value, nil
}

func (r *KeyRepository) ApplyRefill(_ context.Context, id string, expected *time.Time, value int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, err := r.mutableKey(id)
	if err != nil {
		return false, err
	}
	if !sameTime(k.LastRefillAt, expected) {
		return false, nil
	}
	k.Remaining = &value
	k.LastRefillAt = &now
	return true, nil
}

func (r *KeyRepository) TouchVerified(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, err := r.mutableKey(id)
	if err != nil {
		return err
	}
	k.LastVerifiedAt = &now
	return nil
}

// Hashes returns the hash of every live key. Used to warm negative caches.
func (r *KeyRepository) Hashes(_ context.Context, fn func(keyAuthID, hash string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hk, id := range r.byHash {
		if k := r.keys[id]; k != nil && !k.Deleted() {
			fn(hk.keyAuthID, hk.hash)
		}
	}
	return nil
}

// liveAuth must be called with r.mu held.
func (r *KeyRepository) liveAuth(id string) (*keys.KeyAuth, error) {
	a, ok := r.auths[id]
	if !ok || a.Deleted() {
		return nil, keys.ErrNotFound
	}
	return cloneAuth(a), nil
}

// liveKey must be called with r.mu held.
func (r *KeyRepository) liveKey(id string) (*keys.Key, error) {
	k, err := r.mutableKey(id)
	if err != nil {
		return nil, err
	}
	return cloneKey(k), nil
}

// mutableKey must be called with r.mu held.
func (r *KeyRepository) mutableKey(id string) (*keys.Key, error) {
	k, ok := r.keys[id]
	if !ok || k.Deleted() {
		return nil, keys.ErrNotFound
	}
	return k, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneAuth(a *keys.KeyAuth) *keys.KeyAuth {
	out := *a
	out.IPWhitelist = slices.Clone(a.IPWhitelist)
	out.DeletedAt = cloneTime(a.DeletedAt)
	return &out
}

func cloneKey(k *keys.Key) *keys.Key {
	out := *k
	out.Expires = cloneTime(k.Expires)
	out.LastRefillAt = cloneTime(k.LastRefillAt)
	out.LastVerifiedAt = cloneTime(k.LastVerifiedAt)
	out.DeletedAt = cloneTime(k.DeletedAt)
	if k.Remaining != nil {
		v := *k.Remaining
		out.Remaining = &v
	}
	if k.Refill != nil {
		r := *k.Refill
		out.Refill = &r
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
