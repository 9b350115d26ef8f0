// Package pgsetup manages replication slots over short-lived administrative
// connections.  The streaming connection runs in replication mode and cannot
// execute these queries, so every call dials its own connection.
package pgsetup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inngest/walreceiver/pkg/consts/pgconsts"
	"github.com/inngest/walreceiver/pkg/replicator"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// ensureSlotSQL creates the slot only when no slot with the name exists, in a
	// single round trip.
	ensureSlotSQL = `
SELECT pg_create_logical_replication_slot(new_slot.name, $2::name)
FROM (VALUES ($1::name)) AS new_slot(name)
WHERE NOT EXISTS (
	SELECT 1 FROM pg_replication_slots WHERE slot_name = new_slot.name
)`

	restartLSNSQL = `SELECT restart_lsn::text FROM pg_replication_slots WHERE slot_name = $1`

	dropSlotSQL = `
SELECT pg_drop_replication_slot(slot_name)
FROM pg_replication_slots
WHERE slot_name = $1`
)

// Querier is the subset of *pgx.Conn used for administrative queries.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// Dialer opens an administrative connection.
type Dialer func(ctx context.Context) (Querier, error)

// PGXDialer returns a Dialer connecting with the given config.  Any replication
// runtime parameter is removed, as administrative queries require a regular
// connection.
func PGXDialer(cfg pgx.ConnConfig) Dialer {
	admin := cfg.Copy()
	delete(admin.RuntimeParams, "replication")
	return func(ctx context.Context) (Querier, error) {
		conn, err := pgx.ConnectConfig(ctx, admin)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SlotManager creates, inspects and drops logical replication slots.  Every
// operation is best effort: errors are logged and never returned.
type SlotManager struct {
	dial Dialer
	log  *slog.Logger
}

var _ replicator.SlotManager = (*SlotManager)(nil)

func NewSlotManager(dial Dialer, log *slog.Logger) *SlotManager {
	if log == nil {
		log = slog.Default()
	}
	return &SlotManager{dial: dial, log: log}
}

// EnsureSlot creates the slot bound to plugin if it doesn't already exist.  A slot
// created concurrently by another caller is not an error.
func (m *SlotManager) EnsureSlot(ctx context.Context, name, plugin string) {
	m.log.Info("creating replication slot", "slot", name, "plugin", plugin)
	err := m.with(ctx, func(q Querier) error {
		_, err := q.Exec(ctx, ensureSlotSQL, name, plugin)
		return err
	})
	if err != nil && !isDuplicateObject(err) {
		m.log.Error("error creating replication slot", "slot", name, "error", err)
	}
}

// RestartLSN returns the slot's restart LSN.  0/0 is returned if the slot doesn't
// exist, has no restart LSN, or the lookup fails.
func (m *SlotManager) RestartLSN(ctx context.Context, name string) pglogrepl.LSN {
	var restart *string
	err := m.with(ctx, func(q Querier) error {
		return q.QueryRow(ctx, restartLSNSQL, name).Scan(&restart)
	})
	if isNoRows(err) || (err == nil && restart == nil) {
		return 0
	}
	if err != nil {
		m.log.Error("error retrieving lsn", "slot", name, "error", err)
		return 0
	}

	lsn, err := pglogrepl.ParseLSN(*restart)
	if err != nil {
		m.log.Error("error parsing restart lsn", "slot", name, "lsn", *restart, "error", err)
		return 0
	}
	return lsn
}

// DropSlot drops the slot if it exists.
func (m *SlotManager) DropSlot(ctx context.Context, name string) {
	m.log.Info("dropping replication slot", "slot", name)
	err := m.with(ctx, func(q Querier) error {
		_, err := q.Exec(ctx, dropSlotSQL, name)
		return err
	})
	if err != nil {
		m.log.Error("error dropping replication slot", "slot", name, "error", err)
	}
}

func (m *SlotManager) with(ctx context.Context, f func(q Querier) error) error {
	q, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("error connecting to postgres: %w", err)
	}
	defer func() {
		if err := q.Close(ctx); err != nil {
			m.log.Warn("error closing admin connection", "error", err)
		}
	}()
	return f(q)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgconsts.DuplicateObject
}

// StepResult is the outcome of a single verification step.
type StepResult struct {
	Complete bool
	Error    error
}

// CheckResult records each verification step for a receiver's database.
type CheckResult struct {
	LogicalReplication StepResult
	SlotPlugin         StepResult
}

func (c CheckResult) Steps() []string {
	return []string{
		"logical_replication_enabled",
		"replication_slot_plugin",
	}
}

func (c CheckResult) Results() map[string]StepResult {
	return map[string]StepResult{
		"logical_replication_enabled": c.LogicalReplication,
		"replication_slot_plugin":     c.SlotPlugin,
	}
}

// Check verifies that the database can stream from the named slot with the given
// plugin, returning the first failing step's error.  A missing slot passes, as the
// receiver creates it on start.
func (m *SlotManager) Check(ctx context.Context, name, plugin string) (CheckResult, error) {
	var res CheckResult
	err := m.with(ctx, func(q Querier) error {
		c := check{q: q, slot: name, plugin: plugin, res: &res}
		chain := []func(ctx context.Context) error{
			c.checkWAL,
			c.checkSlotPlugin,
		}
		for _, f := range chain {
			if err := f(ctx); err != nil {
				// Short circuit and return the first error.
				return err
			}
		}
		return nil
	})
	return res, err
}

type check struct {
	q      Querier
	slot   string
	plugin string
	res    *CheckResult
}

func (c check) checkWAL(ctx context.Context) error {
	var mode string
	if err := c.q.QueryRow(ctx, "SHOW wal_level").Scan(&mode); err != nil {
		c.res.LogicalReplication.Error = fmt.Errorf("Error checking WAL mode: %w", err)
		return c.res.LogicalReplication.Error
	}
	if mode != "logical" {
		c.res.LogicalReplication.Error = replicator.ErrLogicalReplicationNotSetUp
		return c.res.LogicalReplication.Error
	}
	c.res.LogicalReplication.Complete = true
	return nil
}

func (c check) checkSlotPlugin(ctx context.Context) error {
	var plugin string
	err := c.q.QueryRow(ctx,
		"SELECT plugin FROM pg_replication_slots WHERE slot_name = $1",
		c.slot,
	).Scan(&plugin)

	if isNoRows(err) {
		c.res.SlotPlugin.Complete = true
		return nil
	}
	if err != nil {
		c.res.SlotPlugin.Error = fmt.Errorf("Error checking replication slot '%s': %w", c.slot, err)
		return c.res.SlotPlugin.Error
	}
	if plugin != c.plugin {
		c.res.SlotPlugin.Error = fmt.Errorf("Replication slot '%s' uses plugin '%s', expected '%s'", c.slot, plugin, c.plugin)
		return c.res.SlotPlugin.Error
	}
	c.res.SlotPlugin.Complete = true
	return nil
}
