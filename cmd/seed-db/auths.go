package main

import (
	"context"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/keygate/internal/domain/keys"
)

// authCache memoizes key auth lookups by API id across import workers.
type authCache struct {
	repo keys.Repository

	mu    sync.Mutex
	byAPI map[string]*keys.KeyAuth
}

func newAuthCache(repo keys.Repository) *authCache {
	return &authCache{repo: repo, byAPI: make(map[string]*keys.KeyAuth)}
}

func (c *authCache) get(ctx context.Context, apiID string) (*keys.KeyAuth, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.byAPI[apiID]; ok {
		return a, nil
	}
	a, err := c.repo.FindKeyAuthByAPIID(ctx, apiID)
	if err != nil {
		return nil, errors.Wrapf(err, "find api %s", apiID)
	}
	c.byAPI[apiID] = a
	return a, nil
}
