package pgreplicator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inngest/walreceiver/internal/test"
	"github.com/inngest/walreceiver/pkg/changeset"
	"github.com/inngest/walreceiver/pkg/replicator"
	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"
)

const testPlugin = "test_decoding"

// recorder collects test_decoding output.
type recorder struct {
	mu    sync.Mutex
	lines []string
	last  pglogrepl.LSN
}

func (r *recorder) Process(_ context.Context, msg changeset.Message, _ replicator.Notifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, string(msg.Payload))
	r.last = msg.LSN
	return nil
}

func (r *recorder) inserts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.lines {
		if strings.HasPrefix(l, "table public.accounts: INSERT:") {
			n++
		}
	}
	return n
}

func (r *recorder) lastLSN() pglogrepl.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func skipEmpty() []replicator.PluginOption {
	on := "1"
	return []replicator.PluginOption{
		{Name: "skip-empty-xacts", Value: &on},
		{Name: "include-timestamp"},
	}
}

func TestStreamInserts(t *testing.T) {
	t.Parallel()

	for _, v := range []int{14, 16} {
		v := v
		t.Run(fmt.Sprintf("Postgres %d", v), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			_, cfg := test.StartPG(t, ctx, test.StartPGOpts{Version: v})

			rec := &recorder{}
			r, err := New(Opts{
				Config: cfg,
				Receiver: replicator.Opts{
					Slot:          "walreceiver_test",
					Plugin:        testPlugin,
					Options:       skipEmpty(),
					WaitTimeout:   100 * time.Millisecond,
					FlushInterval: time.Hour,
					Processor:     rec,
				},
			})
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() {
				done <- r.Start(ctx)
			}()
			require.Eventually(t, r.Running, 10*time.Second, 10*time.Millisecond)

			test.InsertAccounts(t, ctx, cfg, test.InsertOpts{Max: 3})
			require.Eventually(t, func() bool { return rec.inserts() == 3 }, 10*time.Second, 10*time.Millisecond)

			r.Stop()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(10 * time.Second):
				require.Fail(t, "receiver didn't stop")
			}

			// The flush interval never elapsed, so the position was acknowledged when
			// closing.
			conn := test.DataConn(t, cfg)
			defer conn.Close(ctx)

			var flushed string
			err = conn.QueryRow(ctx,
				"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
				"walreceiver_test",
			).Scan(&flushed)
			require.NoError(t, err)
			lsn, err := pglogrepl.ParseLSN(flushed)
			require.NoError(t, err)
			require.GreaterOrEqual(t, uint64(lsn), uint64(rec.lastLSN()))

			// Restarting resumes after the acknowledged position.
			resumed := &recorder{}
			r2, err := New(Opts{
				Config: cfg,
				Receiver: replicator.Opts{
					Slot:        "walreceiver_test",
					Plugin:      testPlugin,
					Options:     skipEmpty(),
					NonBlocking: true,
					Processor:   resumed,
				},
			})
			require.NoError(t, err)
			require.NoError(t, r2.Start(ctx))
			for i := 0; i < 5; i++ {
				require.NoError(t, r2.Tick(ctx, 50*time.Millisecond))
			}
			require.Zero(t, resumed.inserts())
			r2.Close(ctx)
			r2.DropSlot(ctx)
		})
	}
}

func TestConnectingWithoutLogicalReplicationFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, cfg := test.StartPG(t, ctx, test.StartPGOpts{DisableLogicalReplication: true})

	res, err := Verify(ctx, cfg, "walreceiver_test", testPlugin, nil)
	require.ErrorIs(t, err, replicator.ErrLogicalReplicationNotSetUp)
	require.False(t, res.LogicalReplication.Complete)

	r, err := New(Opts{
		Config:   cfg,
		Receiver: replicator.Opts{Slot: "walreceiver_test", Plugin: testPlugin, NonBlocking: true},
	})
	require.NoError(t, err)

	// Creating the slot fails, so starting finds no slot.
	err = r.Start(ctx)
	require.ErrorIs(t, err, replicator.ErrStart)
	require.Equal(t, replicator.StateIdle, r.State())
}

func TestMultipleConnectionsFail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, cfg := test.StartPG(t, ctx, test.StartPGOpts{})

	opts := Opts{
		Config: cfg,
		Receiver: replicator.Opts{
			Slot:        "walreceiver_test",
			Plugin:      testPlugin,
			NonBlocking: true,
			Processor:   &recorder{},
		},
	}

	r1, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, r1.Start(ctx))
	defer r1.Close(ctx)

	r2, err := New(opts)
	require.NoError(t, err)
	err = r2.Start(ctx)
	require.ErrorIs(t, err, replicator.ErrReplicationAlreadyRunning)
}

func TestVerify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, cfg := test.StartPG(t, ctx, test.StartPGOpts{})

	_, err := Verify(ctx, cfg, "", testPlugin, nil)
	require.ErrorIs(t, err, replicator.ErrSlotRequired)

	res, err := Verify(ctx, cfg, "walreceiver_test", testPlugin, nil)
	require.NoError(t, err)
	require.True(t, res.LogicalReplication.Complete)
	require.True(t, res.SlotPlugin.Complete)

	slots := SlotManager(cfg, nil)
	slots.EnsureSlot(ctx, "walreceiver_test", testPlugin)
	defer slots.DropSlot(ctx, "walreceiver_test")

	_, err = Verify(ctx, cfg, "walreceiver_test", "wal2json", nil)
	require.ErrorContains(t, err, testPlugin)
}
