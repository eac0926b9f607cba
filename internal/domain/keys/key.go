package keys

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when a key or key-auth does not exist or has
	// been soft-deleted.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientRemaining is returned by a decrement that would take the
	// remaining counter below zero.
	ErrInsufficientRemaining = errors.New("insufficient remaining")
	// ErrConflict is returned when the backing store could not apply a write
	// atomically (serialization failure, lost compare-and-set) or the record
	// duplicates a unique one.
	ErrConflict = errors.New("conflicting write")
	// ErrUnlimited is returned when incrementing or decrementing a key that has
	// no remaining counter.
	ErrUnlimited = errors.New("key has unlimited remaining")
	// ErrInvalidOperation is returned when a ledger operation would drive the
	// counter negative or past the int64 range.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrBadRequest is returned for malformed management input.
	ErrBadRequest = errors.New("bad request")
)

// Key is a stored API key. The raw secret is never persisted, only its hash.
type Key struct {
	ID             string
	Hash           string
	Start          string
	KeyAuthID      string
	WorkspaceID    string
	ForWorkspaceID string
	Name           string
	OwnerID        string
	Enabled        bool
	Expires        *time.Time
	Environment    string
	Remaining      *int64
	Refill         *Refill
	LastRefillAt   *time.Time
	LastVerifiedAt *time.Time
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

// Deleted reports whether the key has been soft-deleted.
func (k *Key) Deleted() bool {
	return k.DeletedAt != nil
}

// Refill describes scheduled replenishment of a key's remaining counter.
type Refill struct {
	Interval time.Duration
	Amount   int64
}

// KeyAuth groups keys under one API.
type KeyAuth struct {
	ID          string
	APIID       string
	WorkspaceID string
	Name        string
	// IPWhitelist holds allowed source addresses, either single IPs or CIDR
	// prefixes. Empty means every address is allowed.
	IPWhitelist []string
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// Deleted reports whether the key-auth has been soft-deleted.
func (a *KeyAuth) Deleted() bool {
	return a.DeletedAt != nil
}

// SettingsPatch holds last-writer-wins updates to a key. Nil fields are left
// untouched; ClearExpires removes the expiration.
type SettingsPatch struct {
	Enabled      *bool
	OwnerID      *string
	Name         *string
	Environment  *string
	Expires      *time.Time
	ClearExpires bool
}

// Repository is the key store.
//
// FindByHash must be scoped to keyAuthID: the hash index is unique per
// key-auth, never global. Soft-deleted rows are reported as ErrNotFound by
// every finder.
type Repository interface {
	FindKeyAuthByAPIID(ctx context.Context, apiID string) (*KeyAuth, error)
	FindKeyAuthByID(ctx context.Context, id string) (*KeyAuth, error)
	InsertKeyAuth(ctx context.Context, auth *KeyAuth) error
	SoftDeleteKeyAuth(ctx context.Context, id string, now time.Time) error

	FindByHash(ctx context.Context, keyAuthID, hash string) (*Key, error)
	FindByID(ctx context.Context, id string) (*Key, error)
	// ListKeys returns the live keys of one key auth. An empty ownerID
	// matches every owner.
	ListKeys(ctx context.Context, keyAuthID, ownerID string) ([]*Key, error)
	Insert(ctx context.Context, key *Key) error
	UpdateSettings(ctx context.Context, id string, patch SettingsPatch) error
	SoftDelete(ctx context.Context, id string, now time.Time) error

	// DecrementRemaining atomically subtracts amount when remaining >= amount
	// and stamps the last-verified time. It returns ErrInsufficientRemaining
	// otherwise.
	DecrementRemaining(ctx context.Context, id string, amount int64, now time.Time) (int64, error)
	IncrementRemaining(ctx context.Context, id string, amount int64) (int64, error)
	SetRemaining(ctx context.Context, id string, value int64) (int64, error)
	// ApplyRefill sets remaining to value and last_refill_at to now only if
	// last_refill_at still equals expected. It reports whether the write won.
	ApplyRefill(ctx context.Context, id string, expected *time.Time, value int64, now time.Time) (bool, error)
	TouchVerified(ctx context.Context, id string, now time.Time) error
}
