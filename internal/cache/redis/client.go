package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/actor-graph/backend/pkg/logger"
	"github.com/actor-graph/backend/pkg/retry"
)

const graphPrefix = "graph:"

// Client is the shared graph cache tier.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	retryConfig := retry.DefaultConfig("redis-connect")
	retryConfig.Logger = logger.GetLogger()
	err := retry.Do(ctx, retryConfig, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) SetGraph(ctx context.Context, scopeID string, graph interface{}, ttl time.Duration) error {
	data, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}

	if err := c.client.Set(ctx, graphPrefix+scopeID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set graph cache: %w", err)
	}

	logger.Debug("Graph cached", zap.String("scope_id", scopeID), zap.Duration("ttl", ttl))
	return nil
}

// GetGraph decodes the cached graph of a scope into graph. It reports false when nothing
// is cached.
func (c *Client) GetGraph(ctx context.Context, scopeID string, graph interface{}) (bool, error) {
	data, err := c.client.Get(ctx, graphPrefix+scopeID).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get graph cache: %w", err)
	}

	if err := json.Unmarshal(data, graph); err != nil {
		return false, fmt.Errorf("failed to unmarshal graph: %w", err)
	}

	logger.Debug("Graph cache hit", zap.String("scope_id", scopeID))
	return true, nil
}

func (c *Client) DeleteGraph(ctx context.Context, scopeID string) error {
	if err := c.client.Del(ctx, graphPrefix+scopeID).Err(); err != nil {
		return fmt.Errorf("failed to delete graph cache: %w", err)
	}
	return nil
}

// DeleteAllGraphs drops every cached graph and returns how many keys were removed.
func (c *Client) DeleteAllGraphs(ctx context.Context) (int, error) {
	removed := 0
	iter := c.client.Scan(ctx, 0, graphPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		removed++
	}

	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Graph cache cleared", zap.Int("keys", removed))
	return removed, nil
}
