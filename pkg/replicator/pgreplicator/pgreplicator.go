// Package pgreplicator wires a replicator.Receiver to a Postgres database.
package pgreplicator

import (
	"context"
	"log/slog"

	"github.com/inngest/walreceiver/pkg/replicator"
	"github.com/inngest/walreceiver/pkg/replicator/pgreplicator/pgsetup"
	"github.com/inngest/walreceiver/pkg/replicator/pgreplicator/pgstream"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Opts struct {
	// Config is the connection config for the source database.  Replication and
	// administrative connections are both derived from it.
	Config pgx.ConnConfig

	// Receiver configures the receive loop.  Slots, Streamer and Log are set by
	// New.
	Receiver replicator.Opts

	Log *slog.Logger
}

// New returns a receiver streaming from the Postgres database in opts.Config.
func New(opts Opts) (*replicator.Receiver, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	ro := opts.Receiver
	ro.Slots = pgsetup.NewSlotManager(pgsetup.PGXDialer(opts.Config), opts.Log)
	ro.Streamer = Streamer{Config: &opts.Config.Config, Log: opts.Log}
	ro.Log = opts.Log
	return replicator.New(ro)
}

// Streamer opens replication sessions against a single database.
type Streamer struct {
	Config *pgconn.Config
	Log    *slog.Logger
}

var _ replicator.Streamer = Streamer{}

// Stream connects and starts streaming.  The connection is closed if streaming
// cannot start.
func (s Streamer) Stream(ctx context.Context, req replicator.StreamRequest) (replicator.Session, error) {
	sess, err := pgstream.Connect(ctx, s.Config, s.Log)
	if err != nil {
		return nil, err
	}
	if err := sess.StartStreaming(ctx, req.Slot, req.From, req.Options); err != nil {
		sess.Close(ctx, 0)
		return nil, err
	}
	return sess, nil
}

// SlotManager returns a slot manager for the database in cfg.
func SlotManager(cfg pgx.ConnConfig, log *slog.Logger) *pgsetup.SlotManager {
	return pgsetup.NewSlotManager(pgsetup.PGXDialer(cfg), log)
}
