package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ava-labs/libevm/common"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ava-labs/token-indexer/pkg/ledger"
	"github.com/ava-labs/token-indexer/pkg/utils"
)

func resetToken(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar, err := utils.NewSugaredLogger(true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	contract, err := ledger.ParseAddress(c.String("contract"))
	if err != nil {
		return fmt.Errorf("invalid contract %q: %w", c.String("contract"), err)
	}
	start := c.Int64("start-height")
	if start < 0 {
		return fmt.Errorf("start-height must not be negative, got %d", start)
	}
	kind := c.String("store")
	if kind != storePostgres {
		return fmt.Errorf("reset-token needs a persistent store, got %q", kind)
	}

	pgCfg, err := buildPostgresConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build postgres config: %w", err)
	}
	store, _, closeStore, err := openStore(ctx, kind, pgCfg, sugar)
	if err != nil {
		return err
	}
	defer closeStore()

	return reset(ctx, store, contract, start, sugar)
}

// reset drops the token's balances and rewinds its watermark so the next run
// rescans it from start.
func reset(ctx context.Context, store ledger.Store, contract common.Address, start int64, sugar *zap.SugaredLogger) error {
	token, err := store.GetTokenByContract(ctx, contract)
	if err != nil {
		return fmt.Errorf("failed to look up token %s: %w", contract.Hex(), err)
	}
	if err := store.ResetToken(ctx, token.ID, start-1); err != nil {
		return fmt.Errorf("failed to reset token %s: %w", contract.Hex(), err)
	}
	sugar.Infof("reset token %d (%s), it will be rescanned from block %d", token.ID, contract.Hex(), start)
	return nil
}
