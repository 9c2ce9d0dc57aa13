package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/internal/streaming"
	"github.com/rendis/prodtrack/pkg/schema"
)

// Config configures a WorkflowCache.
type Config struct {
	TTL      time.Duration
	Capacity uint64
	Logger   *slog.Logger
}

// DefaultConfig returns a short TTL suited to polling clients.
func DefaultConfig() Config {
	return Config{TTL: 5 * time.Second, Capacity: 1024}
}

// WorkflowCache is a read-through cache in front of a WorkflowStore. Its own
// commits refresh the cached copy; changes published on the hub by other
// writers evict it. Cached workflows are always cloned on the way out.
type WorkflowCache struct {
	store.WorkflowStore
	items  *ttlcache.Cache[string, *store.Workflow]
	hub    streaming.EventHub
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New wraps inner. hub may be nil, in which case only TTL and local commits
// keep entries fresh.
func New(inner store.WorkflowStore, hub streaming.EventHub, cfg Config) *WorkflowCache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	items := ttlcache.New(
		ttlcache.WithCapacity[string, *store.Workflow](cfg.Capacity),
		ttlcache.WithTTL[string, *store.Workflow](cfg.TTL),
	)
	return &WorkflowCache{
		WorkflowStore: inner,
		items:         items,
		hub:           hub,
		logger:        cfg.Logger,
	}
}

func (c *WorkflowCache) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	if item := c.items.Get(id); item != nil {
		c.hits.Add(1)
		return item.Value().Clone(), nil
	}
	c.misses.Add(1)

	wf, err := c.WorkflowStore.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	c.items.Set(id, wf.Clone(), ttlcache.DefaultTTL)
	return wf, nil
}

func (c *WorkflowCache) GetOrCreateWorkflow(ctx context.Context, wf *store.Workflow) (*store.Workflow, bool, error) {
	stored, created, err := c.WorkflowStore.GetOrCreateWorkflow(ctx, wf)
	if err != nil {
		return nil, false, err
	}
	c.items.Set(stored.ID, stored.Clone(), ttlcache.DefaultTTL)
	return stored, created, nil
}

// CommitStep refreshes the entry on success and drops it on failure, since a
// conflict means the cached copy is stale.
func (c *WorkflowCache) CommitStep(ctx context.Context, next *store.Workflow, mode schema.CommitMode) error {
	if err := c.WorkflowStore.CommitStep(ctx, next, mode); err != nil {
		c.items.Delete(next.ID)
		return err
	}
	c.items.Set(next.ID, next.Clone(), ttlcache.DefaultTTL)
	return nil
}

// Invalidate drops id from the cache.
func (c *WorkflowCache) Invalidate(id string) {
	c.items.Delete(id)
}

// Run starts TTL expiry and, when a hub is configured, evicts entries older
// than published changes. It blocks until ctx is done.
func (c *WorkflowCache) Run(ctx context.Context) error {
	go c.items.Start()
	defer c.items.Stop()

	if c.hub == nil {
		<-ctx.Done()
		return nil
	}

	changes, cancel, err := c.hub.Subscribe(ctx, streaming.ChangeFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			c.apply(change)
		}
	}
}

func (c *WorkflowCache) apply(change streaming.WorkflowChange) {
	item := c.items.Get(change.WorkflowID)
	if item == nil {
		return
	}
	if item.Value().Version >= change.Version {
		return
	}
	c.items.Delete(change.WorkflowID)
	c.logger.Debug("workflow cache evicted",
		"workflow_id", change.WorkflowID, "cached_version", item.Value().Version, "version", change.Version)
}

// Stats is a snapshot of cache effectiveness.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Len    int   `json:"len"`
}

// Stats returns hit and miss counters.
func (c *WorkflowCache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Len: c.items.Len()}
}

var _ store.WorkflowStore = (*WorkflowCache)(nil)
