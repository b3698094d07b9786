package builder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/actor-graph/backend/internal/metrics"
	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/pkg/config"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

const buildTimeout = 30 * time.Second

// Store is the read side the builder derives graphs from.
type Store interface {
	ListActors(ctx context.Context, scopeID string) ([]*models.Actor, error)
	ListRelationships(ctx context.Context, scopeID string) ([]*models.Relationship, error)
	DocumentTags(ctx context.Context, scopeID string) (map[string][]string, error)
}

// SharedCache is an optional second cache tier shared between processes.
type SharedCache interface {
	GetGraph(ctx context.Context, scopeID string, graph interface{}) (bool, error)
	SetGraph(ctx context.Context, scopeID string, graph interface{}, ttl time.Duration) error
	DeleteGraph(ctx context.Context, scopeID string) error
}

// Builder serves per-scope presentation graphs. Concurrent misses for one scope share a
// single build; hits on any scope only take the map read lock.
type Builder struct {
	store  Store
	shared SharedCache
	ttl    time.Duration
	sizing Sizing
	minTag int
	log    *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Graph
	gens    map[string]uint64
	flight  singleflight.Group
}

type Option func(*Builder)

func WithSharedCache(c SharedCache) Option {
	return func(b *Builder) { b.shared = c }
}

func NewBuilder(store Store, cfg config.GraphConfig, log *zap.Logger, opts ...Option) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Builder{
		store:   store,
		ttl:     time.Duration(cfg.CacheTTLSec) * time.Second,
		sizing:  Sizing{Base: cfg.NodeBaseSize, PerDegree: cfg.NodeDegreeSize},
		minTag:  cfg.MinSharedTags,
		log:     log,
		entries: make(map[string]*Graph),
		gens:    make(map[string]uint64),
	}
	if b.sizing.Base <= 0 {
		b.sizing.Base = 10
	}
	if b.sizing.PerDegree <= 0 {
		b.sizing.PerDegree = 2
	}
	if b.minTag < 1 {
		b.minTag = 2
	}
	if b.ttl <= 0 {
		b.ttl = 15 * time.Minute
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildGraph returns the cached graph of a scope, building it on a miss.
func (b *Builder) BuildGraph(ctx context.Context, scopeID string) (*Graph, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, apperrors.NewValidation("scope_id", "required")
	}

	b.mu.RLock()
	g, ok := b.entries[scopeID]
	b.mu.RUnlock()
	if ok {
		metrics.GraphCacheHits.WithLabelValues("memory").Inc()
		return g, nil
	}

	ch := b.flight.DoChan(scopeID, func() (interface{}, error) {
		// the build outlives any single caller
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
		defer cancel()
		return b.load(buildCtx, scopeID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Graph), nil
	}
}

// load consults the shared tier, then builds. A result is only cached if no invalidation
// for the scope happened meanwhile.
func (b *Builder) load(ctx context.Context, scopeID string) (*Graph, error) {
	b.mu.RLock()
	gen := b.gens[scopeID]
	b.mu.RUnlock()

	if b.shared != nil {
		var cached Graph
		found, err := b.shared.GetGraph(ctx, scopeID, &cached)
		if err != nil {
			b.log.Warn("Shared graph cache read failed", zap.String("scope_id", scopeID), zap.Error(err))
		} else if found {
			metrics.GraphCacheHits.WithLabelValues("shared").Inc()
			b.remember(scopeID, gen, &cached)
			return &cached, nil
		}
	}

	metrics.GraphCacheMisses.Inc()
	g, err := b.Compose(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	if b.remember(scopeID, gen, g) && b.shared != nil {
		if err := b.shared.SetGraph(ctx, scopeID, g, b.ttl); err != nil {
			b.log.Warn("Shared graph cache write failed", zap.String("scope_id", scopeID), zap.Error(err))
		}
	}
	return g, nil
}

func (b *Builder) remember(scopeID string, gen uint64, g *Graph) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gens[scopeID] != gen {
		return false
	}
	b.entries[scopeID] = g
	return true
}

// Compose derives the graph of a scope straight from the store, bypassing every cache.
func (b *Builder) Compose(ctx context.Context, scopeID string) (*Graph, error) {
	start := time.Now()
	defer func() { metrics.GraphBuildDuration.Observe(time.Since(start).Seconds()) }()

	actors, err := b.store.ListActors(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load actors: %w", err)
	}
	rels, err := b.store.ListRelationships(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load relationships: %w", err)
	}
	tags, err := b.store.DocumentTags(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document tags: %w", err)
	}

	g := compose(scopeID, actors, rels, tags, b.minTag, b.sizing)
	b.log.Debug("Graph built",
		zap.String("scope_id", scopeID),
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("edges", len(g.Edges)),
		zap.Duration("took", time.Since(start)))
	return g, nil
}

// Invalidate evicts the cached graph of a scope. A build already in flight finishes for its
// waiting callers but is not cached.
func (b *Builder) Invalidate(scopeID string) {
	b.mu.Lock()
	delete(b.entries, scopeID)
	b.gens[scopeID]++
	b.mu.Unlock()
	b.flight.Forget(scopeID)

	if b.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.shared.DeleteGraph(ctx, scopeID); err != nil {
			b.log.Warn("Shared graph cache delete failed", zap.String("scope_id", scopeID), zap.Error(err))
		}
	}
	b.log.Debug("Graph cache invalidated", zap.String("scope_id", scopeID))
}

// Clear evicts every scope held in memory and returns the evicted scope ids.
func (b *Builder) Clear() []string {
	b.mu.RLock()
	scopes := make([]string, 0, len(b.entries))
	for s := range b.entries {
		scopes = append(scopes, s)
	}
	b.mu.RUnlock()

	for _, s := range scopes {
		b.Invalidate(s)
	}
	return scopes
}
