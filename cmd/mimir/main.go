// Package main provides the Mimir CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orneryd/mimir/pkg/config"
	"github.com/orneryd/mimir/pkg/embed"
	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/indexer"
	"github.com/orneryd/mimir/pkg/lock"
	"github.com/orneryd/mimir/pkg/mimir"
	"github.com/orneryd/mimir/pkg/scope"
	"github.com/orneryd/mimir/pkg/search"
	"github.com/orneryd/mimir/pkg/storage"
	"github.com/orneryd/mimir/pkg/tools"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mimir",
		Short: "Mimir - Persistent graph memory for AI agents",
		Long: `Mimir is a persistent knowledge-graph memory service for AI agents:
typed nodes and edges, hybrid vector/BM25 search with RRF fusion,
file indexing with live folder watching, and optimistic locks for
multi-agent coordination.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Mimir v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory service",
		Long:  "Run the memory service: rebuild search indexes, recover folder watches, and sweep expired locks until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)

	indexCmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index a folder into the graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recursive, _ := cmd.Flags().GetBool("recursive")
			embeddings, _ := cmd.Flags().GetBool("embeddings")
			patterns, _ := cmd.Flags().GetStringSlice("patterns")
			ignore, _ := cmd.Flags().GetStringSlice("ignore")
			return runIndex(configPath, args[0], indexer.Options{
				Recursive:          recursive,
				FilePatterns:       patterns,
				IgnorePatterns:     ignore,
				GenerateEmbeddings: embeddings,
			})
		},
	}
	indexCmd.Flags().Bool("recursive", true, "Descend into subdirectories")
	indexCmd.Flags().Bool("embeddings", true, "Generate embeddings for chunks")
	indexCmd.Flags().StringSlice("patterns", nil, "File glob allow-list (default: all files)")
	indexCmd.Flags().StringSlice("ignore", nil, "Glob deny-list, merged with .gitignore")
	rootCmd.AddCommand(indexCmd)

	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the graph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			depth, _ := cmd.Flags().GetInt("depth")
			types, _ := cmd.Flags().GetStringSlice("types")
			return runSearch(configPath, strings.Join(args, " "), limit, depth, types)
		},
	}
	searchCmd.Flags().Int("limit", 10, "Maximum results")
	searchCmd.Flags().Int("depth", 1, "Graph expansion depth")
	searchCmd.Flags().StringSlice("types", nil, "Restrict to node types")
	rootCmd.AddCommand(searchCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show graph and index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(configPath)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// stack is the assembled service graph.
type stack struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *mimir.DB
	locks   *lock.Service
	indexer *indexer.Indexer
	watches *indexer.WatchManager
	tools   *tools.Registry
}

func buildStack(configPath string) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var store storage.Engine
	switch cfg.Storage.Engine {
	case "memory":
		store = storage.NewMemoryEngine()
	default:
		store, err = storage.NewBadgerEngine(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
	}

	var embedder embed.Embedder
	if cfg.Embeddings.Provider != "" {
		embedder, err = embed.NewEmbedder(embedderConfig(cfg))
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	autoEmbed := make([]graph.NodeType, 0, len(cfg.Embeddings.AutoEmbedTypes))
	for _, t := range cfg.Embeddings.AutoEmbedTypes {
		autoEmbed = append(autoEmbed, graph.NodeType(t))
	}
	coord := embed.NewCoordinator(embedder, embed.CoordinatorConfig{
		ChunkSize:      cfg.Embeddings.ChunkSize,
		Overlap:        cfg.Embeddings.Overlap,
		BatchSize:      cfg.Embeddings.BatchSize,
		AutoEmbedTypes: autoEmbed,
	}, log)

	db := mimir.New(store, coord, log)
	locks := lock.NewService(store)
	ix := indexer.New(store, db.Search(), coord, log)
	watchCfg := indexer.NewWatchStore(store)
	watches := indexer.NewWatchManager(ix, watchCfg, log)
	registry := tools.NewRegistry(db, locks, scope.NewService(store), ix, watches, watchCfg, log)

	return &stack{
		cfg:     cfg,
		log:     log,
		db:      db,
		locks:   locks,
		indexer: ix,
		watches: watches,
		tools:   registry,
	}, nil
}

func (s *stack) close() {
	_ = s.watches.Close()
	s.locks.Close()
	_ = s.db.Close()
	_ = s.log.Sync()
}

func embedderConfig(cfg *config.Config) *embed.Config {
	var ec *embed.Config
	if cfg.Embeddings.Provider == "openai" {
		ec = embed.DefaultOpenAIConfig(cfg.Embeddings.APIKey)
	} else {
		ec = embed.DefaultOllamaConfig()
	}
	if cfg.Embeddings.Endpoint != "" {
		ec.APIURL = cfg.Embeddings.Endpoint
	}
	if cfg.Embeddings.Model != "" {
		ec.Model = cfg.Embeddings.Model
	}
	if cfg.Embeddings.Dimensions > 0 {
		ec.Dimensions = cfg.Embeddings.Dimensions
	}
	ec.InsecureSkipVerify = cfg.TLS.InsecureSkipVerify
	return ec
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func runServe(configPath string) error {
	s, err := buildStack(configPath)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.log.Info("rebuilding search indexes")
	if err := s.db.RebuildIndexes(ctx); err != nil {
		return err
	}
	if err := s.watches.Recover(ctx); err != nil {
		s.log.Warn("watch recovery", zap.Error(err))
	}
	s.locks.StartSweeper(s.cfg.LockSweepInterval())

	if s.cfg.Retention.Enabled {
		perType := make(map[graph.NodeType]int, len(s.cfg.Retention.Policy))
		for name, days := range s.cfg.Retention.Policy {
			perType[graph.NodeType(name)] = days
		}
		sweeper := mimir.NewRetentionSweeper(s.db, mimir.RetentionPolicy{
			DefaultDays: s.cfg.Retention.DefaultDays,
			PerType:     perType,
		}, s.log)
		sweeper.Start(s.cfg.RetentionSweepInterval())
		defer sweeper.Close()
		s.log.Info("retention enabled",
			zap.Int("defaultDays", s.cfg.Retention.DefaultDays),
			zap.Int("policies", len(perType)))
	}

	s.log.Info("mimir running",
		zap.String("version", version),
		zap.String("storage", s.cfg.Storage.Engine),
		zap.Bool("embeddings", s.db.Coordinator().Enabled()),
		zap.Strings("operations", s.tools.Operations()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	s.log.Info("shutting down")
	return nil
}

func runIndex(configPath, path string, opts indexer.Options) error {
	s, err := buildStack(configPath)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.db.RebuildIndexes(context.Background()); err != nil {
		return err
	}
	stats, err := s.indexer.IndexFolder(context.Background(), path, opts)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runSearch(configPath, query string, limit, depth int, typeNames []string) error {
	s, err := buildStack(configPath)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.db.RebuildIndexes(context.Background()); err != nil {
		return err
	}

	opts := search.DefaultOptions()
	opts.Limit = limit
	opts.Depth = depth
	for _, name := range typeNames {
		opts.Types = append(opts.Types, graph.NodeType(name))
	}
	results, err := s.db.SearchNodes(context.Background(), query, opts)
	if err != nil {
		return err
	}
	return printJSON(results)
}

func runStats(configPath string) error {
	s, err := buildStack(configPath)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.db.RebuildIndexes(context.Background()); err != nil {
		return err
	}
	stats, err := s.db.GetStats()
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
