package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inngest/inngestgo"
	"github.com/inngest/walreceiver/internal/config"
	"github.com/inngest/walreceiver/pkg/decoder"
	"github.com/inngest/walreceiver/pkg/eventwriter"
	"github.com/inngest/walreceiver/pkg/replicator"
	"github.com/inngest/walreceiver/pkg/replicator/pgreplicator"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

// env holds the loaded config, shared by every subcommand.
type env struct {
	cfg     config.Config
	connCfg pgx.ConnConfig
	log     *slog.Logger
}

func newCommand() *cobra.Command {
	e := &env{}

	command := &cobra.Command{
		Use:          "walreceiver",
		Short:        "Stream changes from a Postgres logical replication slot",
		SilenceUsage: true,
	}
	command.PersistentFlags().String("config", "", "path to a config file")
	command.PersistentFlags().String("slot", "", "replication slot name, overriding config")
	command.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return e.load(cmd)
	}

	command.AddCommand(&cobra.Command{
		Use:   "stream",
		Short: "stream changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.stream(cmd.Context())
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "check that the database is ready to stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.verify(cmd.Context(), cmd)
		},
	})

	slotCommand := &cobra.Command{
		Use:   "slot",
		Short: "manage the replication slot",
	}
	slotCommand.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "create the slot if it doesn't exist",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				e.slots().EnsureSlot(cmd.Context(), e.cfg.Slot, e.cfg.Plugin)
				return nil
			},
		},
		&cobra.Command{
			Use:   "restart-lsn",
			Short: "print the slot's restart position",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				lsn := e.slots().RestartLSN(cmd.Context(), e.cfg.Slot)
				_, err := fmt.Fprintln(cmd.OutOrStdout(), lsn)
				return err
			},
		},
		&cobra.Command{
			Use:   "drop",
			Short: "drop the slot",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				e.slots().DropSlot(cmd.Context(), e.cfg.Slot)
				return nil
			},
		},
	)
	command.AddCommand(slotCommand)

	return command
}

func (e *env) load(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if slot, _ := cmd.Flags().GetString("slot"); slot != "" {
		cfg.Slot = slot
	}
	if cfg.Slot == "" {
		return replicator.ErrSlotRequired
	}

	connCfg, err := cfg.ConnConfig()
	if err != nil {
		return err
	}

	e.cfg = cfg
	e.connCfg = connCfg
	e.log = cfg.Logger(os.Stderr)
	slog.SetDefault(e.log)
	return nil
}

func (e *env) slots() replicator.SlotManager {
	return pgreplicator.SlotManager(e.connCfg, e.log)
}

func (e *env) stream(ctx context.Context) error {
	startLSN, err := e.cfg.LSN()
	if err != nil {
		return err
	}

	opts := e.cfg.Options
	if e.cfg.Plugin == "wal2json" && len(opts) == 0 {
		opts = decoder.Wal2JSONOptions()
	}

	var writer *eventwriter.Writer
	if e.cfg.Inngest.EventKey != "" {
		client := inngestgo.NewClient(inngestgo.ClientOpts{EventKey: &e.cfg.Inngest.EventKey})
		writer = eventwriter.NewAPIClientWriter(e.cfg.Inngest.BatchSize, client)
	} else {
		writer = eventwriter.NewJSONWriter(os.Stdout)
	}

	var metrics *replicator.Metrics
	if e.cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		metrics = replicator.NewMetrics(reg, e.cfg.Slot)
		srv := serveMetrics(e.cfg.Metrics.Listen, reg, e.log)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	r, err := pgreplicator.New(pgreplicator.Opts{
		Config: e.connCfg,
		Log:    e.log,
		Receiver: replicator.Opts{
			Slot:          e.cfg.Slot,
			Plugin:        e.cfg.Plugin,
			Options:       opts,
			WaitTimeout:   e.cfg.WaitTimeout,
			FlushInterval: e.cfg.FlushInterval,
			StartLSN:      startLSN,
			Processor:     decoder.Wal2JSON{},
			Notifier:      writer,
			Metrics:       metrics,
		},
	})
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	release := stopOnSignal(ctx, e.log, r.Stop)
	defer release()

	return r.Start(ctx)
}

// stopOnSignal calls stop once SIGINT or SIGTERM is received or ctx is done.
// The returned func unregisters the handler; stop isn't called afterwards.
func stopOnSignal(ctx context.Context, log *slog.Logger, stop func()) func() {
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	unregister := context.AfterFunc(sigCtx, func() {
		log.Info("stopping receiver")
		stop()
	})
	return func() {
		unregister()
		cancel()
	}
}

func (e *env) verify(ctx context.Context, cmd *cobra.Command) error {
	res, err := pgreplicator.Verify(ctx, e.connCfg, e.cfg.Slot, e.cfg.Plugin, e.log)
	results := res.Results()
	for _, step := range res.Steps() {
		r := results[step]
		status := "ok"
		switch {
		case r.Error != nil:
			status = r.Error.Error()
		case !r.Complete:
			status = "skipped"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-28s %s\n", step, status)
	}
	return err
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("error serving metrics", "error", err)
		}
	}()
	return srv
}
