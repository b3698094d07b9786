package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/actor-graph/backend/internal/cache/redis"
	"github.com/actor-graph/backend/internal/dedup"
	"github.com/actor-graph/backend/internal/kg/builder"
	"github.com/actor-graph/backend/internal/kg/neo4j"
	"github.com/actor-graph/backend/internal/queue"
	"github.com/actor-graph/backend/internal/storage/models"
	appLogger "github.com/actor-graph/backend/pkg/logger"
)

var (
	queueStatus string
	queueLimit  int
	allScopes   bool

	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the extraction queue",
	}
	queueStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print item counts per status",
		RunE:  runQueueStats,
	}
	queueListCmd = &cobra.Command{
		Use:   "list",
		Short: "List queue items, newest first",
		RunE:  runQueueList,
	}
	queueRetryFailedCmd = &cobra.Command{
		Use:   "retry-failed",
		Short: "Move failed items back to pending",
		RunE:  runQueueReset(func(q *queue.Queue, ctx context.Context) (int64, error) { return q.RetryFailed(ctx) }),
	}
	queueRetryDeadCmd = &cobra.Command{
		Use:   "retry-dead",
		Short: "Move dead items back to pending with a fresh attempt budget",
		RunE:  runQueueReset(func(q *queue.Queue, ctx context.Context) (int64, error) { return q.RetryDead(ctx) }),
	}
	queueRecoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Return items stuck in processing to pending. Only run while the server is stopped.",
		RunE:  runQueueReset(func(q *queue.Queue, ctx context.Context) (int64, error) { return q.RecoverStale(ctx) }),
	}

	dedupCmd = &cobra.Command{
		Use:   "dedup",
		Short: "Merge near-duplicate actors of a scope",
		RunE:  runDedup,
	}

	graphCmd = &cobra.Command{
		Use:   "graph",
		Short: "Print the derived graph of a scope",
		RunE:  runGraph,
	}
	graphClearCmd = &cobra.Command{
		Use:   "clear-cache",
		Short: "Drop cached graphs from the shared cache",
		RunE:  runGraphClear,
	}

	scopesCmd = &cobra.Command{
		Use:   "scopes",
		Short: "List scopes that own at least one document",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			scopes, err := store.ListScopes(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, scopes)
		},
	}
)

func init() {
	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "only items in this status")
	queueListCmd.Flags().IntVar(&queueLimit, "limit", 50, "maximum number of items")
	queueCmd.AddCommand(queueStatsCmd, queueListCmd, queueRetryFailedCmd, queueRetryDeadCmd, queueRecoverCmd)

	dedupCmd.Flags().StringVar(&scopeID, "scope", "", "scope to deduplicate")
	dedupCmd.Flags().BoolVar(&allScopes, "all", false, "deduplicate every scope")

	graphCmd.PersistentFlags().StringVar(&scopeID, "scope", "", "scope of the graph")
	graphClearCmd.Flags().BoolVar(&allScopes, "all", false, "drop every cached graph")
	graphCmd.AddCommand(graphClearCmd)
}

func newQueue() *queue.Queue {
	return queue.New(store, queue.RetryPolicy{MaxAttempts: cfg.Queue.MaxAttempts}, nil, appLogger.GetLogger())
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	stats, err := newQueue().GetStats(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, stats)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	items, err := newQueue().List(ctx, models.QueueStatus(queueStatus), queueLimit)
	if err != nil {
		return err
	}
	return printJSON(cmd, items)
}

func runQueueReset(op func(q *queue.Queue, ctx context.Context) (int64, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		n, err := op(newQueue(), ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d item(s) moved to pending\n", n)
		return nil
	}
}

// sharedCache connects to redis when it is enabled, or returns nil.
func sharedCache() (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	return redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
}

func newBuilder() (*builder.Builder, func(), error) {
	rc, err := sharedCache()
	if err != nil {
		return nil, nil, err
	}
	if rc == nil {
		return builder.NewBuilder(store, cfg.Graph, appLogger.GetLogger()), func() {}, nil
	}
	b := builder.NewBuilder(store, cfg.Graph, appLogger.GetLogger(), builder.WithSharedCache(rc))
	return b, func() { rc.Close() }, nil
}

func runDedup(cmd *cobra.Command, args []string) error {
	if !allScopes {
		if err := requireScope(cmd); err != nil {
			return err
		}
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	b, closeCache, err := newBuilder()
	if err != nil {
		return err
	}
	defer closeCache()

	opts := []dedup.Option{
		dedup.WithInvalidator(b),
		dedup.WithListLimits(cfg.Evidence.MaxContexts, cfg.Evidence.MaxSourceDocs),
	}
	if cfg.Neo4j.Enabled {
		nc, err := neo4j.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			return err
		}
		defer nc.Close(context.Background())
		opts = append(opts, dedup.WithProjector(nc))
	}
	d := dedup.New(store, cfg.Dedup, appLogger.GetLogger(), opts...)

	scopes := []string{scopeID}
	if allScopes {
		if scopes, err = store.ListScopes(ctx); err != nil {
			return err
		}
	}

	results := make(map[string]*dedup.Result, len(scopes))
	for _, s := range scopes {
		res, err := d.MergeDuplicates(ctx, s)
		if err != nil {
			return fmt.Errorf("scope %s: %w", s, err)
		}
		results[s] = res
	}
	return printJSON(cmd, results)
}

func runGraph(cmd *cobra.Command, args []string) error {
	if err := requireScope(cmd); err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	g, err := builder.NewBuilder(store, cfg.Graph, appLogger.GetLogger()).Compose(ctx, scopeID)
	if err != nil {
		return err
	}
	return printJSON(cmd, g)
}

func runGraphClear(cmd *cobra.Command, args []string) error {
	rc, err := sharedCache()
	if err != nil {
		return err
	}
	if rc == nil {
		return fmt.Errorf("redis is not enabled; in-process caches are cleared through the API")
	}
	defer rc.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if allScopes {
		n, err := rc.DeleteAllGraphs(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d cached graph(s) dropped\n", n)
		return nil
	}
	if err := requireScope(cmd); err != nil {
		return err
	}
	if err := rc.DeleteGraph(ctx, scopeID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cached graph of %s dropped\n", scopeID)
	return nil
}
