package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/keygate/internal/domain/keys"
)

const keyColumns = `id, hash, start, key_auth_id, workspace_id, for_workspace_id, name, owner_id,
	enabled, expires, environment, remaining, refill_interval_ms, refill_amount,
	last_refill_at, last_verified_at, created_at, deleted_at`

const (
	findKeyAuthByAPIIDSQL = `SELECT id, api_id, workspace_id, name, ip_whitelist, created_at, deleted_at
	FROM key_auths WHERE api_id = $1 AND deleted_at IS NULL`

	findKeyAuthByIDSQL = `SELECT id, api_id, workspace_id, name, ip_whitelist, created_at, deleted_at
	FROM key_auths WHERE id = $1 AND deleted_at IS NULL`

	insertKeyAuthSQL = `INSERT INTO key_auths (id, api_id, workspace_id, name, ip_whitelist, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

	softDeleteKeyAuthSQL = `UPDATE key_auths SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`

	findKeyByHashSQL = `SELECT ` + keyColumns + `
	FROM keys WHERE key_auth_id = $1 AND hash = $2 AND deleted_at IS NULL`

	findKeyByIDSQL = `SELECT ` + keyColumns + `
	FROM keys WHERE id = $1 AND deleted_at IS NULL`

	listKeysSQL = `SELECT ` + keyColumns + `
	FROM keys WHERE key_auth_id = $1 AND ($2 = '' OR owner_id = $2) AND deleted_at IS NULL
	ORDER BY created_at, id`

	insertKeySQL = `INSERT INTO keys (id, hash, start, key_auth_id, workspace_id, for_workspace_id, name,
	owner_id, enabled, expires, environment, remaining, refill_interval_ms, refill_amount, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	updateSettingsSQL = `UPDATE keys SET
	enabled = COALESCE($2, enabled),
	owner_id = COALESCE($3, owner_id),
	name = COALESCE($4, name),
	environment = COALESCE($5, environment),
	expires = CASE WHEN $6 THEN NULL ELSE COALESCE($7, expires) END
	WHERE id = $1 AND deleted_at IS NULL`

	softDeleteKeySQL = `UPDATE keys SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`

	// The WHERE clause is the whole concurrency story: a single conditional
	// update, never read-then-write.
	decrementRemainingSQL = `UPDATE keys SET remaining = remaining - $2, last_verified_at = $3
	WHERE id = $1 AND deleted_at IS NULL AND remaining >= $2
	RETURNING remaining`

	incrementRemainingSQL = `UPDATE keys SET remaining = remaining + $2
	WHERE id = $1 AND deleted_at IS NULL AND remaining IS NOT NULL
	RETURNING remaining`

	setRemainingSQL = `UPDATE keys SET remaining = $2
	WHERE id = $1 AND deleted_at IS NULL
	RETURNING remaining`

	applyRefillSQL = `UPDATE keys SET remaining = $3, last_refill_at = $4
	WHERE id = $1 AND deleted_at IS NULL AND last_refill_at IS NOT DISTINCT FROM $2`

	touchVerifiedSQL = `UPDATE keys SET last_verified_at = $2 WHERE id = $1 AND deleted_at IS NULL`

	remainingStateSQL = `SELECT remaining FROM keys WHERE id = $1 AND deleted_at IS NULL`

	liveHashesSQL = `SELECT key_auth_id, hash FROM keys WHERE deleted_at IS NULL`
)

var _ keys.Repository = (*KeyRepository)(nil)

// KeyRepository implements keys.Repository backed by PostgreSQL.
type KeyRepository struct {
	pool *pgxpool.Pool
}

// NewKeyRepository returns a KeyRepository that uses the given pool.
func NewKeyRepository(pool *pgxpool.Pool) *KeyRepository {
	return &KeyRepository{pool: pool}
}

// FindKeyAuthByAPIID looks up a live key auth by its public API id.
func (r *KeyRepository) FindKeyAuthByAPIID(ctx context.Context, apiID string) (*keys.KeyAuth, error) {
	auth, err := scanKeyAuth(r.pool.QueryRow(ctx, findKeyAuthByAPIIDSQL, apiID))
	if err != nil {
		return nil, errors.Wrapf(err, "find key auth by api %q", apiID)
	}
	return auth, nil
}

// FindKeyAuthByID looks up a live key auth by id.
func (r *KeyRepository) FindKeyAuthByID(ctx context.Context, id string) (*keys.KeyAuth, error) {
	auth, err := scanKeyAuth(r.pool.QueryRow(ctx, findKeyAuthByIDSQL, id))
	if err != nil {
		return nil, errors.Wrapf(err, "find key auth %q", id)
	}
	return auth, nil
}

// InsertKeyAuth persists a new key auth.
func (r *KeyRepository) InsertKeyAuth(ctx context.Context, auth *keys.KeyAuth) error {
	whitelist := auth.IPWhitelist
	if whitelist == nil {
		whitelist = []string{}
	}
	_, err := r.pool.Exec(ctx, insertKeyAuthSQL,
		auth.ID, auth.APIID, auth.WorkspaceID, auth.Name, whitelist, auth.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(mapError(err), "insert key auth %q", auth.ID)
	}
	return nil
}

// SoftDeleteKeyAuth stamps deleted_at on a live key auth.
func (r *KeyRepository) SoftDeleteKeyAuth(ctx context.Context, id string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, softDeleteKeyAuthSQL, id, now)
	if err != nil {
		return errors.Wrapf(mapError(err), "delete key auth %q", id)
	}
	if tag.RowsAffected() == 0 {
		return keys.ErrNotFound
	}
	return nil
}

// FindByHash looks up a live key by hash within one key auth.
func (r *KeyRepository) FindByHash(ctx context.Context, keyAuthID, hash string) (*keys.Key, error) {
	key, err := scanKey(r.pool.QueryRow(ctx, findKeyByHashSQL, keyAuthID, hash))
	if err != nil {
		return nil, errors.Wrap(err, "find key by hash")
	}
	return key, nil
}

// FindByID looks up a live key by id.
func (r *KeyRepository) FindByID(ctx context.Context, id string) (*keys.Key, error) {
	key, err := scanKey(r.pool.QueryRow(ctx, findKeyByIDSQL, id))
	if err != nil {
		return nil, errors.Wrapf(err, "find key %q", id)
	}
	return key, nil
}

// ListKeys returns the live keys of one key auth, narrowed to ownerID when
// it is not empty.
func (r *KeyRepository) ListKeys(ctx context.Context, keyAuthID, ownerID string) ([]*keys.Key, error) {
	rows, err := r.pool.Query(ctx, listKeysSQL, keyAuthID, ownerID)
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "list keys of %q", keyAuthID)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*keys.Key, error) {
		return scanKey(row)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan keys of %q", keyAuthID)
	}
	return list, nil
}

// Insert persists a new key.
func (r *KeyRepository) Insert(ctx context.Context, k *keys.Key) error {
	var intervalMS, amount *int64
	if k.Refill != nil {
		ms := k.Refill.Interval.Milliseconds()
		a := k.Refill.Amount
		intervalMS, amount = &ms, &a
	}
	_, err := r.pool.Exec(ctx, insertKeySQL,
		k.ID, k.Hash, k.Start, k.KeyAuthID, k.WorkspaceID, k.ForWorkspaceID, k.Name,
		k.OwnerID, k.Enabled, k.Expires, k.Environment, k.Remaining, intervalMS, amount, k.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(mapError(err), "insert key %q", k.ID)
	}
	return nil
}

// UpdateSettings applies a last-writer-wins patch.
func (r *KeyRepository) UpdateSettings(ctx context.Context, id string, p keys.SettingsPatch) error {
	tag, err := r.pool.Exec(ctx, updateSettingsSQL,
		id, p.Enabled, p.OwnerID, p.Name, p.Environment, p.ClearExpires, p.Expires,
	)
	if err != nil {
		return errors.Wrapf(mapError(err), "update key %q", id)
	}
	if tag.RowsAffected() == 0 {
		return keys.ErrNotFound
	}
	return nil
}

// SoftDelete stamps deleted_at on a live key.
func (r *KeyRepository) SoftDelete(ctx context.Context, id string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, softDeleteKeySQL, id, now)
	if err != nil {
		return errors.Wrapf(mapError(err), "delete key %q", id)
	}
	if tag.RowsAffected() == 0 {
		return keys.ErrNotFound
	}
	return nil
}

// DecrementRemaining subtracts amount in one conditional UPDATE. When no row
// matches, a follow-up read classifies the failure.
func (r *KeyRepository) DecrementRemaining(ctx context.Context, id string, amount int64, now time.Time) (int64, error) {
	var remaining int64
	err := r.pool.QueryRow(ctx, decrementRemainingSQL, id, amount, now).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrapf(mapError(err), "decrement remaining of %q", id)
	}

	current, err := r.remaining(ctx, id)
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 0, keys.ErrUnlimited
	}
	return 0, keys.ErrInsufficientRemaining
}

// IncrementRemaining adds amount to a limited key.
func (r *KeyRepository) IncrementRemaining(ctx context.Context, id string, amount int64) (int64, error) {
	var remaining int64
	err := r.pool.QueryRow(ctx, incrementRemainingSQL, id, amount).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrapf(mapError(err), "increment remaining of %q", id)
	}
	if _, err := r.remaining(ctx, id); err != nil {
		return 0, err
	}
	return 0, keys.ErrUnlimited
}

// SetRemaining overwrites the counter.
func (r *KeyRepository) SetRemaining(ctx context.Context, id string, value int64) (int64, error) {
	var remaining int64
	err := r.pool.QueryRow(ctx, setRemainingSQL, id, value).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, keys.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrapf(mapError(err), "set remaining of %q", id)
	}
	return remaining, nil
}

// ApplyRefill is a compare-and-set on last_refill_at.
func (r *KeyRepository) ApplyRefill(ctx context.Context, id string, expected *time.Time, value int64, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, applyRefillSQL, id, expected, value, now)
	if err != nil {
		return false, errors.Wrapf(mapError(err), "refill %q", id)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchVerified stamps last_verified_at.
func (r *KeyRepository) TouchVerified(ctx context.Context, id string, now time.Time) error {
	if _, err := r.pool.Exec(ctx, touchVerifiedSQL, id, now); err != nil {
		return errors.Wrapf(mapError(err), "touch %q", id)
	}
	return nil
}

// Hashes streams the (key auth, hash) pair of every live key.
func (r *KeyRepository) Hashes(ctx context.Context, fn func(keyAuthID, hash string)) error {
	rows, err := r.pool.Query(ctx, liveHashesSQL)
	if err != nil {
		return errors.Wrap(err, "query hashes")
	}
	defer rows.Close()

	var keyAuthID, hash string
	_, err = pgx.ForEachRow(rows, []any{&keyAuthID, &hash}, func() error {
		fn(keyAuthID, hash)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "scan hashes")
	}
	return nil
}

func (r *KeyRepository) remaining(ctx context.Context, id string) (*int64, error) {
	var remaining *int64
	err := r.pool.QueryRow(ctx, remainingStateSQL, id).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keys.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read remaining of %q", id)
	}
	return remaining, nil
}

func scanKeyAuth(row pgx.Row) (*keys.KeyAuth, error) {
	var a keys.KeyAuth
	err := row.Scan(&a.ID, &a.APIID, &a.WorkspaceID, &a.Name, &a.IPWhitelist, &a.CreatedAt, &a.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keys.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanKey(row pgx.Row) (*keys.Key, error) {
	var (
		k          keys.Key
		intervalMS *int64
		amount     *int64
	)
	err := row.Scan(
		&k.ID, &k.Hash, &k.Start, &k.KeyAuthID, &k.WorkspaceID, &k.ForWorkspaceID, &k.Name, &k.OwnerID,
		&k.Enabled, &k.Expires, &k.Environment, &k.Remaining, &intervalMS, &amount,
		&k.LastRefillAt, &k.LastVerifiedAt, &k.CreatedAt, &k.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keys.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if intervalMS != nil && amount != nil {
		k.Refill = &keys.Refill{
			Interval: time.Duration(*intervalMS) * time.Millisecond,
			Amount:   *amount,
		}
	}
	return &k, nil
}
