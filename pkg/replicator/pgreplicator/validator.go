package pgreplicator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/inngest/walreceiver/pkg/replicator"
	"github.com/inngest/walreceiver/pkg/replicator/pgreplicator/pgsetup"
	"github.com/jackc/pgx/v5"
)

// Verify checks that the database is configured to stream from slot using plugin.
func Verify(ctx context.Context, cfg pgx.ConnConfig, slot, plugin string, log *slog.Logger) (pgsetup.CheckResult, error) {
	if slot == "" {
		return pgsetup.CheckResult{}, replicator.ErrSlotRequired
	}
	res, err := SlotManager(cfg, log).Check(ctx, slot, plugin)
	if err != nil {
		return res, fmt.Errorf("error verifying replication setup: %w", err)
	}
	return res, nil
}
