// Package main is the operator CLI for the paper gateway: schema migration,
// cache warming, bulk backfill through the read pipeline, and identifier
// index maintenance. It runs against the same backends the server uses.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/paper-app/gateway/internal/config"
	"github.com/paper-app/gateway/internal/domain"
	"github.com/paper-app/gateway/internal/repository/postgres"
	rediscache "github.com/paper-app/gateway/internal/repository/redis"
	"github.com/paper-app/gateway/internal/tasks"
	"github.com/paper-app/gateway/internal/usecase"
	"github.com/paper-app/gateway/pkg/s2"
)

var rootCmd = &cobra.Command{
	Use:   "gatewayctl",
	Short: "Operator tooling for the paper gateway",
	Long: `gatewayctl runs the gateway's operational jobs against the same
backends the server uses: schema migration, cache warming, bulk backfill
through the full read pipeline, and identifier-index maintenance.`,
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create tables and indexes, consolidating duplicate mappings first",
	RunE:  runMigrate,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Warm a list of papers through the full read pipeline",
	Long: `Backfill reads paper identifiers from a file (one per line, # starts
a comment) and refreshes each through cache, graph, and upstream, merging
into the graph inline. Upstream rate limiting applies; --workers bounds
concurrency on top of it.`,
	RunE: runBackfill,
}

var warmCmd = &cobra.Command{
	Use:   "warm <id>",
	Short: "Refresh one paper through every tier",
	Args:  cobra.ExactArgs(1),
	RunE:  runWarm,
}

var relationsCmd = &cobra.Command{
	Use:   "relations <paper-id>",
	Short: "Show the citations and references stored for a paper",
	Args:  cobra.ExactArgs(1),
	RunE:  runRelations,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete identifier mappings not verified within the keep window",
	RunE:  runCleanup,
}

func init() {
	backfillCmd.Flags().String("file", "", "path to the identifier list (required)")
	backfillCmd.Flags().Int("workers", 4, "concurrent refreshes")
	backfillCmd.Flags().String("fields", "", "selector to warm (default: full view)")
	_ = backfillCmd.MarkFlagRequired("file")

	warmCmd.Flags().String("fields", "", "selector to warm (default: full view)")

	relationsCmd.Flags().Int("limit", 10, "rows to list per relation")

	cleanupCmd.Flags().Duration("keep", 90*24*time.Hour, "keep mappings verified within this window")

	rootCmd.AddCommand(migrateCmd, backfillCmd, warmCmd, relationsCmd, cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// stack is the subset of the server wiring the CLI commands share. Commands
// that only touch Postgres leave the service side unset.
type stack struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	graph   *postgres.GraphRepository
	mapping *postgres.MappingRepository
	papers  *usecase.PaperService
	nc      *nats.Conn
	redis   *goredis.Client
}

func openStack(ctx context.Context, needService bool) (*stack, error) {
	cfg := config.Load()
	logger := cliLogger(cfg.Log)

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &stack{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		graph:   postgres.NewGraphRepository(pool, cfg.Gateway.GraphMaxAge, logger),
		mapping: postgres.NewMappingRepository(pool, logger),
	}
	if !needService {
		return s, nil
	}

	s.redis = goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := s.redis.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, cache disabled")
		s.redis.Close()
		s.redis = nil
	}
	cache := rediscache.NewCache(s.redis, logger)

	if cfg.NATS.URL != "" {
		if nc, err := nats.Connect(cfg.NATS.URL); err == nil {
			s.nc = nc
		} else {
			logger.Warn().Err(err).Msg("nats unreachable, background jobs disabled")
		}
	}
	queue := tasks.NewQueue(s.nc, logger)

	client := s2.NewClient(s2.Config{
		BaseURL:       cfg.S2.BaseURL,
		APIKey:        cfg.S2.APIKey,
		Timeout:       cfg.S2.Timeout,
		RetryAttempts: cfg.S2.RetryAttempts,
		RetryBackoff:  cfg.S2.RetryBackoff,
		RateLimit:     cfg.S2.RateLimit,
		Logger:        logger,
	})

	s.papers = usecase.NewPaperService(cache, s.graph, s.mapping, queue, client, cfg.Gateway, logger)
	return s, nil
}

func (s *stack) close() {
	if s.nc != nil {
		s.nc.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	s.pool.Close()
}

func cliLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	s, err := openStack(ctx, false)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.graph.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("graph schema: %w", err)
	}
	if err := s.mapping.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("mapping schema: %w", err)
	}
	removed, err := s.mapping.Consolidate(ctx)
	if err != nil {
		return fmt.Errorf("consolidate mappings: %w", err)
	}
	if err := s.mapping.EnsureUniqueIndex(ctx); err != nil {
		return fmt.Errorf("unique index: %w", err)
	}

	missing, err := s.graph.SchemaCheck(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("schema ready, %d duplicate mappings removed\n", removed)
	if len(missing) > 0 {
		fmt.Printf("warning: missing objects: %s\n", strings.Join(missing, ", "))
	}
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	workers, _ := cmd.Flags().GetInt("workers")
	fields, _ := cmd.Flags().GetString("fields")
	if workers < 1 {
		workers = 1
	}

	ids, err := readIDList(file)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("no identifiers in file")
	}

	s, err := openStack(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer s.close()

	// Failures are logged and skipped; a backfill should survive individual
	// bad identifiers.
	var done atomic.Int64
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.papers.Refresh(ctx, id, fields); err != nil {
				s.logger.Warn().Err(err).Str("id", id).Msg("refresh failed")
				return nil
			}
			if n := done.Add(1); n%50 == 0 {
				fmt.Printf("refreshed %d/%d\n", n, len(ids))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("backfill complete: %d/%d refreshed\n", done.Load(), len(ids))
	return nil
}

func runWarm(cmd *cobra.Command, args []string) error {
	fields, _ := cmd.Flags().GetString("fields")

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	s, err := openStack(ctx, true)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.papers.WarmCache(ctx, args[0], fields); err != nil {
		return err
	}
	fmt.Println("warmed", args[0])
	return nil
}

func runRelations(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	s, err := openStack(ctx, false)
	if err != nil {
		return err
	}
	defer s.close()

	paperID := args[0]
	citations, err := s.graph.CitationsTotal(ctx, paperID)
	if err != nil {
		return err
	}
	references, err := s.graph.ReferencesTotal(ctx, paperID)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d citations, %d references stored\n", paperID, citations, references)

	rows, err := s.graph.GetCitations(ctx, paperID, 0, limit)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Printf("  %s  %s\n", domain.PaperID(row), domain.Title(row))
	}
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	keep, _ := cmd.Flags().GetDuration("keep")

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	s, err := openStack(ctx, false)
	if err != nil {
		return err
	}
	defer s.close()

	removed, err := s.mapping.CleanupOld(ctx, keep)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d stale mappings\n", removed)
	return nil
}

func readIDList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, sc.Err()
}
