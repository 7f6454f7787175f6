// Package main backfills or audits a range of finalized Solana slots.
//
// Modes:
//
//	slot-backfill -from 1000 -to 2000        replay [from, to] into PostgreSQL
//	slot-backfill -window 500                replay the last 500 finalized slots
//	slot-backfill -window 500 -validate-only check contiguity without a database
//	slot-backfill -audit -from 1000 -to 2000 report gaps among stored finalized slots
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/archon-research/stl/stl-slots/internal/adapters/outbound/postgres"
	"github.com/archon-research/stl/stl-slots/internal/adapters/outbound/solana"
	"github.com/archon-research/stl/stl-slots/internal/pkg/env"
	"github.com/archon-research/stl/stl-slots/internal/ports/inbound"
	"github.com/archon-research/stl/stl-slots/internal/services/gap_backfill"
	"github.com/archon-research/stl/stl-slots/internal/services/slot_processor"
)

// errGapsFound makes the audit exit non-zero without logging a failure.
var errGapsFound = errors.New("gaps found")

type options struct {
	from         uint64
	to           uint64
	window       uint64
	validateOnly bool
	audit        bool
	dbURL        string
	rpcURL       string
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	var opts options
	flag.Uint64Var(&opts.from, "from", 0, "First slot of the range (inclusive)")
	flag.Uint64Var(&opts.to, "to", 0, "Last slot of the range (inclusive)")
	flag.Uint64Var(&opts.window, "window", 0, "Replay this many slots ending at the node's finalized slot")
	flag.BoolVar(&opts.validateOnly, "validate-only", false, "Check contiguity against the RPC node without writing")
	flag.BoolVar(&opts.audit, "audit", false, "Report gaps among stored finalized slots in [from, to]")
	flag.StringVar(&opts.dbURL, "db", "", "PostgreSQL connection URL (default: DATABASE_URL)")
	flag.StringVar(&opts.rpcURL, "rpc", "", "Solana RPC URL (default: SOLANA_RPC_URL)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	if opts.dbURL == "" {
		opts.dbURL = env.Get("DATABASE_URL", "")
	}
	if opts.rpcURL == "" {
		opts.rpcURL = env.Get("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if opts.audit {
		err = runAudit(ctx, logger, opts)
	} else {
		err = runBackfill(ctx, logger, opts)
	}
	if errors.Is(err, errGapsFound) {
		os.Exit(2)
	}
	if err != nil {
		logger.Error("slot backfill failed", "error", err)
		os.Exit(1)
	}
}

func runAudit(ctx context.Context, logger *slog.Logger, opts options) error {
	if opts.to < opts.from || opts.to == 0 {
		return errors.New("-audit requires -from and -to with from <= to")
	}
	if opts.dbURL == "" {
		return errors.New("database URL not provided (use -db flag or DATABASE_URL env var)")
	}

	pool, err := openPool(ctx, opts.dbURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := postgres.NewSlotStore(pool, logger)
	if err != nil {
		return err
	}

	gaps, err := store.FindFinalizedGaps(ctx, opts.from, opts.to)
	if err != nil {
		return fmt.Errorf("failed to audit slots: %w", err)
	}

	var missing uint64
	for _, gap := range gaps {
		missing += gap.Size()
		logger.Warn("gap in finalized slots", "from", gap.From, "to", gap.To, "size", gap.Size())
	}
	logger.Info("audit complete", "from", opts.from, "to", opts.to, "gaps", len(gaps), "missingSlots", missing)

	if len(gaps) > 0 {
		return errGapsFound
	}
	return nil
}

func runBackfill(ctx context.Context, logger *slog.Logger, opts options) error {
	clientConfig := solana.ClientConfigDefaults()
	clientConfig.RPCURL = opts.rpcURL
	clientConfig.Logger = logger
	rateLimit, err := env.GetFloat("RPC_RATE_LIMIT", 0)
	if err != nil {
		return err
	}
	clientConfig.RateLimit = rateLimit

	client, err := solana.NewClient(clientConfig)
	if err != nil {
		return fmt.Errorf("failed to create RPC client: %w", err)
	}

	from, to, err := resolveRange(ctx, client, opts)
	if err != nil {
		return err
	}

	var (
		processor inbound.SlotProcessor
		validator *slot_processor.Validating
	)
	if opts.validateOnly {
		validator = slot_processor.NewValidating(logger)
		processor = validator
	} else {
		if opts.dbURL == "" {
			return errors.New("database URL not provided (use -db flag, DATABASE_URL env var, or -validate-only)")
		}
		pool, err := openPool(ctx, opts.dbURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		store, err := postgres.NewSlotStore(pool, logger)
		if err != nil {
			return err
		}
		processorConfig := slot_processor.CheckpointedConfigDefaults()
		processorConfig.Logger = logger
		checkpointed, err := slot_processor.NewCheckpointed(ctx, processorConfig, store, client)
		if err != nil {
			return fmt.Errorf("failed to create processor: %w", err)
		}
		processor = checkpointed
	}

	backfillConfig := gap_backfill.ConfigDefaults()
	backfillConfig.Logger = logger
	backfiller, err := gap_backfill.NewBackfiller(backfillConfig, client, processor)
	if err != nil {
		return err
	}

	logger.Info("starting range backfill", "from", from, "to", to, "validateOnly", opts.validateOnly)
	// BackfillRange takes the last known-good slot as its lower bound.
	if err := backfiller.BackfillRange(ctx, from-1, to); err != nil {
		return err
	}
	if validator != nil {
		last, _ := validator.LastFinalized()
		logger.Info("range validated", "from", from, "to", to, "validated", validator.Validated(), "lastFinalized", last)
		return nil
	}
	logger.Info("range backfill complete", "from", from, "to", to)
	return nil
}

func openPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := postgres.PoolConfigFromEnv(url)
	if err != nil {
		return nil, err
	}
	pool, err := postgres.OpenPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return pool, nil
}

// resolveRange returns the inclusive range to replay. Slot 0 has no parent and
// cannot be replayed, so ranges start at 1.
func resolveRange(ctx context.Context, client *solana.Client, opts options) (uint64, uint64, error) {
	if opts.window > 0 {
		if opts.from != 0 || opts.to != 0 {
			return 0, 0, errors.New("-window cannot be combined with -from/-to")
		}
		finalized, err := client.GetFinalizedSlot(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to get finalized slot: %w", err)
		}
		from := uint64(1)
		if finalized >= opts.window {
			from = finalized - opts.window + 1
		}
		if from == 0 {
			from = 1
		}
		return from, finalized, nil
	}

	if opts.from == 0 || opts.to < opts.from {
		return 0, 0, errors.New("provide -window, or -from and -to with 1 <= from <= to")
	}
	return opts.from, opts.to, nil
}
