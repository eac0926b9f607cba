package keys

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

// NotFoundError names the missing resource.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Unwrap lets callers match the error against ErrNotFound.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// CreateAPIRequest holds the input for creating an API and its key-auth.
type CreateAPIRequest struct {
	Name        string
	IPWhitelist []string
}

// CreateKeyRequest holds the input for creating a key.
type CreateKeyRequest struct {
	APIID          string
	Prefix         string
	ByteLength     int
	Name           string
	OwnerID        string
	Environment    string
	Expires        *time.Time
	Remaining      *int64
	Refill         *Refill
	Enabled        *bool
	ForWorkspaceID string
}

// CreatedKey is returned once after creation; Secret is never retrievable
// again.
type CreatedKey struct {
	Secret string
	Key    *Key
}

// Manager implements the management operations. Every call is scoped to the
// caller's workspace; resources owned by other workspaces are not found.
type Manager struct {
	repo    Repository
	hasher  *Hasher
	ledger  *Ledger
	now     func() time.Time
	updates metric.Int64Counter
}

// NewManager creates a Manager. A nil meter provider disables metrics.
func NewManager(repo Repository, hasher *Hasher, mp metric.MeterProvider) (*Manager, error) {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	updates, err := mp.Meter(instrumentationName).Int64Counter("keygate.remaining.updates",
		metric.WithDescription("Remaining-uses ledger updates by operation"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create remaining updates counter")
	}
	return &Manager{
		repo:    repo,
		hasher:  hasher,
		ledger:  NewLedger(repo),
		now:     time.Now,
		updates: updates,
	}, nil
}

// CreateAPI creates an API together with its key-auth namespace.
func (m *Manager) CreateAPI(ctx context.Context, workspaceID string, req CreateAPIRequest) (*KeyAuth, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.Wrap(ErrBadRequest, "name is required")
	}
	for _, entry := range req.IPWhitelist {
		if !validWhitelistEntry(entry) {
			return nil, errors.Wrapf(ErrBadRequest, "invalid ip whitelist entry %q", entry)
		}
	}

	auth := &KeyAuth{
		ID:          "ks_" + uuid.NewString(),
		APIID:       "api_" + uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        name,
		IPWhitelist: req.IPWhitelist,
		CreatedAt:   m.now(),
	}
	if err := m.repo.InsertKeyAuth(ctx, auth); err != nil {
		return nil, errors.Wrap(err, "insert key auth")
	}
	return auth, nil
}

// GetAPI returns the key-auth behind apiID.
func (m *Manager) GetAPI(ctx context.Context, workspaceID, apiID string) (*KeyAuth, error) {
	auth, err := m.repo.FindKeyAuthByAPIID(ctx, apiID)
	if errors.Is(err, ErrNotFound) || (err == nil && auth.WorkspaceID != workspaceID) {
		return nil, &NotFoundError{Kind: "api", ID: apiID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "find key auth")
	}
	return auth, nil
}

// DeleteAPI soft-deletes the API; all of its keys stop verifying.
func (m *Manager) DeleteAPI(ctx context.Context, workspaceID, apiID string) error {
	auth, err := m.GetAPI(ctx, workspaceID, apiID)
	if err != nil {
		return err
	}
	if err := m.repo.SoftDeleteKeyAuth(ctx, auth.ID, m.now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Kind: "api", ID: apiID}
		}
		return errors.Wrap(err, "delete key auth")
	}
	return nil
}

// CreateKey generates a secret, stores its hash and returns the secret.
func (m *Manager) CreateKey(ctx context.Context, workspaceID string, req CreateKeyRequest) (*CreatedKey, error) {
	auth, err := m.GetAPI(ctx, workspaceID, req.APIID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if req.Expires != nil && !req.Expires.After(now) {
		return nil, errors.Wrap(ErrBadRequest, "expires must be in the future")
	}
	if req.Remaining != nil && *req.Remaining < 0 {
		return nil, errors.Wrap(ErrBadRequest, "remaining must not be negative")
	}
	remaining := req.Remaining
	if req.Refill != nil {
		if req.Refill.Interval <= 0 || req.Refill.Amount <= 0 {
			return nil, errors.Wrap(ErrBadRequest, "refill interval and amount must be positive")
		}
		if remaining == nil {
			amount := req.Refill.Amount
			remaining = &amount
		}
	}

	secret, start, err := GenerateSecret(req.Prefix, req.ByteLength)
	if err != nil {
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	key := &Key{
		ID:             "key_" + uuid.NewString(),
		Hash:           m.hasher.Digest(secret),
		Start:          start,
		KeyAuthID:      auth.ID,
		WorkspaceID:    workspaceID,
		ForWorkspaceID: req.ForWorkspaceID,
		Name:           req.Name,
		OwnerID:        req.OwnerID,
		Enabled:        enabled,
		Expires:        req.Expires,
		Environment:    req.Environment,
		Remaining:      remaining,
		Refill:         req.Refill,
		CreatedAt:      now,
	}
	if err := m.repo.Insert(ctx, key); err != nil {
		return nil, errors.Wrap(err, "insert key")
	}
	return &CreatedKey{Secret: secret, Key: key}, nil
}

// GetKey returns the key with id.
func (m *Manager) GetKey(ctx context.Context, workspaceID, keyID string) (*Key, error) {
	key, err := m.repo.FindByID(ctx, keyID)
	if errors.Is(err, ErrNotFound) || (err == nil && key.WorkspaceID != workspaceID) {
		return nil, &NotFoundError{Kind: "key", ID: keyID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "find key")
	}
	return key, nil
}

// ListKeys returns the live keys of apiID, optionally narrowed to one owner.
func (m *Manager) ListKeys(ctx context.Context, workspaceID, apiID, ownerID string) ([]*Key, error) {
	auth, err := m.GetAPI(ctx, workspaceID, apiID)
	if err != nil {
		return nil, err
	}
	list, err := m.repo.ListKeys(ctx, auth.ID, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	return list, nil
}

// DeleteKey soft-deletes the key.
func (m *Manager) DeleteKey(ctx context.Context, workspaceID, keyID string) error {
	if _, err := m.GetKey(ctx, workspaceID, keyID); err != nil {
		return err
	}
	if err := m.repo.SoftDelete(ctx, keyID, m.now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Kind: "key", ID: keyID}
		}
		return errors.Wrap(err, "delete key")
	}
	return nil
}

// UpdateKey applies a last-writer-wins settings patch.
func (m *Manager) UpdateKey(ctx context.Context, workspaceID, keyID string, patch SettingsPatch) error {
	if _, err := m.GetKey(ctx, workspaceID, keyID); err != nil {
		return err
	}
	if err := m.repo.UpdateSettings(ctx, keyID, patch); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Kind: "key", ID: keyID}
		}
		return errors.Wrap(err, "update key")
	}
	return nil
}

// UpdateRemaining runs a ledger operation by name.
func (m *Manager) UpdateRemaining(ctx context.Context, workspaceID, keyID, op string, value int64) (int64, error) {
	parsed, err := ParseOp(op)
	if err != nil {
		return 0, err
	}
	if _, err := m.GetKey(ctx, workspaceID, keyID); err != nil {
		return 0, err
	}

	remaining, err := m.ledger.Update(ctx, keyID, parsed, value)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, &NotFoundError{Kind: "key", ID: keyID}
		}
		return 0, err
	}
	m.updates.Add(ctx, 1, metric.WithAttributes(attribute.String("op", string(parsed))))
	return remaining, nil
}

func validWhitelistEntry(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}
