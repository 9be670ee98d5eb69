// Package settings keeps a process-local snapshot of the system settings row.
//
// The dispatcher reads the snapshot on every request; admin updates write
// through to the repository and publish the stored row atomically, so readers
// never observe a torn view.
package settings

import (
	"fmt"
	"sync/atomic"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// Cache is the settings snapshot holder.
type Cache struct {
	repo domain.SettingsRepo
	cur  atomic.Pointer[domain.SystemSettings]
}

// NewCache constructs a Cache around the repository. Call Load before serving.
func NewCache(repo domain.SettingsRepo) *Cache {
	c := &Cache{repo: repo}
	def := domain.SystemSettings{MaxRetryAttempts: 3}
	c.cur.Store(&def)
	return c
}

// Load refreshes the snapshot from the repository.
func (c *Cache) Load(ctx domain.Context) error {
	s, err := c.repo.Get(ctx)
	if err != nil {
		return fmt.Errorf("op=settings.load: %w", err)
	}
	c.cur.Store(&s)
	return nil
}

// Get returns the current snapshot.
func (c *Cache) Get() domain.SystemSettings { return *c.cur.Load() }

// Update writes through to the repository and publishes the stored row.
func (c *Cache) Update(ctx domain.Context, s domain.SystemSettings) (domain.SystemSettings, error) {
	stored, err := c.repo.Update(ctx, s)
	if err != nil {
		return domain.SystemSettings{}, fmt.Errorf("op=settings.update: %w", err)
	}
	c.cur.Store(&stored)
	return stored, nil
}
