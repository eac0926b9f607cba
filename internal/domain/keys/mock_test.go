package keys

import (
	"context"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// mockRepo is a mutex-guarded Repository with error injection.
type mockRepo struct {
	mu    sync.Mutex
	auths map[string]*KeyAuth
	keys  map[string]*Key

	// conflicts makes the next n counter writes fail with ErrConflict.
	conflicts int
	findErr   error
	touchErr  error
	// refillLost makes ApplyRefill report a lost compare-and-set after
	// applying winner instead.
	refillLost func(k *Key)

	decrements int
	touches    int
	refills    int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		auths: make(map[string]*KeyAuth),
		keys:  make(map[string]*Key),
	}
}

func (m *mockRepo) addAuth(a *KeyAuth) {
	m.auths[a.ID] = a
}

func (m *mockRepo) addKey(k *Key) {
	m.keys[k.ID] = k
}

func (m *mockRepo) conflict() bool {
	if m.conflicts > 0 {
		m.conflicts--
		return true
	}
	return false
}

func (m *mockRepo) FindKeyAuthByAPIID(_ context.Context, apiID string) (*KeyAuth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, a := range m.auths {
		if a.APIID == apiID && !a.Deleted() {
			c := *a
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) FindKeyAuthByID(_ context.Context, id string) (*KeyAuth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auths[id]
	if !ok || a.Deleted() {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *mockRepo) InsertKeyAuth(_ context.Context, a *KeyAuth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.auths[a.ID] = &c
	return nil
}

func (m *mockRepo) SoftDeleteKeyAuth(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auths[id]
	if !ok || a.Deleted() {
		return ErrNotFound
	}
	a.DeletedAt = &now
	return nil
}

func (m *mockRepo) FindByHash(_ context.Context, keyAuthID, hash string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.KeyAuthID == keyAuthID && k.Hash == hash && !k.Deleted() {
			return copyKey(k), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) FindByID(_ context.Context, id string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.Deleted() {
		return nil, ErrNotFound
	}
	return copyKey(k), nil
}

func (m *mockRepo) ListKeys(_ context.Context, keyAuthID, ownerID string) ([]*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var list []*Key
	for _, k := range m.keys {
		if k.KeyAuthID == keyAuthID && !k.Deleted() && (ownerID == "" || k.OwnerID == ownerID) {
			list = append(list, copyKey(k))
		}
	}
	slices.SortFunc(list, func(a, b *Key) int { return strings.Compare(a.ID, b.ID) })
	return list, nil
}

func (m *mockRepo) Insert(_ context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.ID] = copyKey(k)
	return nil
}

func (m *mockRepo) UpdateSettings(_ context.Context, id string, p SettingsPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.Deleted() {
		return ErrNotFound
	}
	if p.Enabled != nil {
		k.Enabled = *p.Enabled
	}
	if p.Name != nil {
		k.Name = *p.Name
	}
	if p.ClearExpires {
		k.Expires = nil
	} else if p.Expires != nil {
		k.Expires = p.Expires
	}
	return nil
}

func (m *mockRepo) SoftDelete(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.Deleted() {
		return ErrNotFound
	}
	k.DeletedAt = &now
	return nil
}

func (m *mockRepo) DecrementRemaining(_ context.Context, id string, amount int64, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflict() {
		return 0, ErrConflict
	}
	k, ok := m.keys[id]
	if !ok || k.Deleted() {
		return 0, ErrNotFound
	}
	if k.Remaining == nil {
		return 0, ErrUnlimited
	}
	if *k.Remaining < amount {
		return 0, ErrInsufficientRemaining
	}
	v := *k.Remaining - amount
	k.Remaining = &v
	k.LastVerifiedAt = &now
	m.decrements++
	return v, nil
}

func (m *mockRepo) IncrementRemaining(_ context.Context, id string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflict() {
		return 0, ErrConflict
	}
	k, ok := m.keys[id]
	if !ok || k.Deleted() {
		return 0, ErrNotFound
	}
	if k.Remaining == nil {
		return 0, ErrUnlimited
	}
	if amount > math.MaxInt64-*k.Remaining {
		return 0, ErrInvalidOperation
	}
	v := *k.Remaining + amount
	k.Remaining = &v
	return v, nil
}

func (m *mockRepo) SetRemaining(_ context.Context, id string, value int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflict() {
		return 0, ErrConflict
	}
	k, ok := m.keys[id]
	if !ok || k.Deleted() {
		return 0, ErrNotFound
	}
	k.Remaining = &value
	return value, nil
}

func (m *mockRepo) ApplyRefill(_ context.Context, id string, expected *time.Time, value int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.Deleted() {
		return false, ErrNotFound
	}
	if m.refillLost != nil {
		m.refillLost(k)
		m.refillLost = nil
		return false, nil
	}
	if (expected == nil) != (k.LastRefillAt == nil) || (expected != nil && !expected.Equal(*k.LastRefillAt)) {
		return false, nil
	}
	k.Remaining = &value
	k.LastRefillAt = &now
	m.refills++
	return true, nil
}

func (m *mockRepo) TouchVerified(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	if m.touchErr != nil {
		return m.touchErr
	}
	if k, ok := m.keys[id]; ok {
		k.LastVerifiedAt = &now
	}
	return nil
}

func (m *mockRepo) remaining(id string) *int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.keys[id].Remaining; r != nil {
		v := *r
		return &v
	}
	return nil
}

func copyKey(k *Key) *Key {
	c := *k
	if k.Remaining != nil {
		v := *k.Remaining
		c.Remaining = &v
	}
	return &c
}

func ptr[T any](v T) *T {
	return &v
}
