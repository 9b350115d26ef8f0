package replicator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/inngest/walreceiver/pkg/changeset"
	"github.com/inngest/walreceiver/pkg/consts/pgconsts"
	"github.com/jackc/pglogrepl"
)

type State int32

const (
	StateIdle State = iota
	StateSlotReady
	StateStreaming
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSlotReady:
		return "slot-ready"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Receiver streams changes from a single replication slot, handing each message to
// a PayloadProcessor and acknowledging processed positions back to the source.
//
// Start, Tick and Close must be called from a single goroutine.  Stop may be called
// from anywhere.
type Receiver struct {
	opts Opts

	slots     SlotManager
	streamer  Streamer
	processor PayloadProcessor
	notifier  Notifier

	// session is the open stream, nil unless streaming.
	session Session
	// flush tracks the positions awaiting acknowledgement.
	flush flushState

	state    atomic.Int32
	shutdown *Shutdown

	now func() time.Time
	log *slog.Logger
}

// New returns a Receiver.  The slot name is not validated until Start.
func New(opts Opts) (*Receiver, error) {
	if opts.Slots == nil {
		return nil, fmt.Errorf("a slot manager is required")
	}
	if opts.Streamer == nil {
		return nil, fmt.Errorf("a streamer is required")
	}
	if opts.Plugin == "" {
		opts.Plugin = pgconsts.DefaultPlugin
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = pgconsts.DefaultWaitTimeout
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Receiver{
		opts:      opts,
		slots:     opts.Slots,
		streamer:  opts.Streamer,
		processor: opts.Processor,
		notifier:  opts.Notifier,
		flush:     flushState{interval: opts.FlushInterval},
		shutdown:  NewShutdown(),
		now:       opts.Now,
		log:       opts.Log.With("slot", opts.Slot),
	}
	if r.processor == nil {
		r.processor = missingProcessor{}
	}
	if r.notifier == nil {
		r.notifier = logNotifier{log: r.log}
	}
	return r, nil
}

// State returns the receiver's current lifecycle state.
func (r *Receiver) State() State {
	return State(r.state.Load())
}

// Running reports whether the receiver is streaming.
func (r *Receiver) Running() bool {
	return r.State() == StateStreaming
}

// Start ensures the replication slot exists and begins streaming from it.
//
// When running blocking, Start drives the receive loop until Stop is called or ctx
// is cancelled, then closes the session.  Any loop error is returned after the
// session is closed.  When running non-blocking, Start returns once streaming has
// begun and the caller must call Tick, then Close.
func (r *Receiver) Start(ctx context.Context) error {
	switch r.State() {
	case StateIdle:
	case StateClosed:
		return ErrReceiverClosed
	default:
		return ErrAlreadyStarted
	}

	if r.opts.Slot == "" {
		return ErrSlotRequired
	}

	r.slots.EnsureSlot(ctx, r.opts.Slot, r.opts.Plugin)

	lsn := r.startLSN(ctx)
	r.state.Store(int32(StateSlotReady))

	r.log.Info("starting streaming from slot", "lsn", lsn)
	sess, err := r.streamer.Stream(ctx, StreamRequest{
		Slot:    r.opts.Slot,
		From:    lsn,
		Options: r.opts.Options,
	})
	if err != nil {
		// Nothing was opened, so the caller may retry with this receiver.
		r.state.Store(int32(StateIdle))
		return err
	}

	r.session = sess
	r.flush.reset(r.now())
	r.state.Store(int32(StateStreaming))

	if r.opts.NonBlocking {
		return nil
	}

	r.log.Debug("listening to replication slot")
	return r.run(ctx)
}

func (r *Receiver) startLSN(ctx context.Context) pglogrepl.LSN {
	if r.opts.StartLSN != nil {
		return *r.opts.StartLSN
	}
	return r.slots.RestartLSN(ctx, r.opts.Slot)
}

func (r *Receiver) run(ctx context.Context) error {
	defer r.Close(ctx)
	for r.Running() {
		if err := r.Tick(ctx, r.opts.WaitTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Tick runs a single iteration of the receive loop: it processes at most one
// message, acknowledges if an ack is due, then waits up to wait for more data or a
// stop request.  If a stop was requested the session is closed before Tick returns.
//
// Any error closes the session before being returned.
func (r *Receiver) Tick(ctx context.Context, wait time.Duration) (err error) {
	if r.State() != StateStreaming {
		return ErrNotStreaming
	}

	defer func() {
		if err != nil {
			r.Close(ctx)
		}
	}()

	if msg, ok := r.session.ReadMessage(); ok {
		if err := r.consume(ctx, msg); err != nil {
			return err
		}
	}

	now := r.now()
	if r.flush.due(now) {
		if lsn := r.flush.pending; lsn > 0 {
			if err := r.session.SendAck(ctx, lsn); err != nil {
				return fmt.Errorf("error acknowledging lsn %s: %w", lsn, err)
			}
			r.opts.Metrics.acked(lsn)
		}
		r.flush.markSent(now)
	}

	// Wait for shutdown or stream data, if any forthcoming.
	waitCtx, cancel := r.shutdown.Bind(ctx)
	err = r.session.Await(waitCtx, r.flush.until(now, wait))
	cancel()
	if err != nil {
		return fmt.Errorf("error waiting for replication data: %w", err)
	}

	if ctx.Err() != nil {
		r.shutdown.Signal()
	}
	if r.shutdown.Signaled() {
		r.Close(ctx)
	}
	return nil
}

func (r *Receiver) consume(ctx context.Context, msg changeset.Message) error {
	if err := r.processor.Process(ctx, msg, r.notifier); err != nil {
		return fmt.Errorf("error processing payload at lsn %s: %w", msg.LSN, err)
	}
	if f, ok := r.notifier.(Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			return fmt.Errorf("error flushing events at lsn %s: %w", msg.LSN, err)
		}
	}
	r.flush.record(msg.LSN)
	r.opts.Metrics.processed()
	return nil
}

// Stop requests that the receiver stop streaming.  It is safe to call from any
// goroutine, any number of times, including after the receiver has stopped.  A
// receiver blocked waiting for data wakes immediately.
func (r *Receiver) Stop() {
	r.shutdown.Signal()
}

// Close closes the streaming session, first acknowledging any processed position
// that hasn't yet been sent.  Close is idempotent and a no-op if streaming never
// began.
func (r *Receiver) Close(ctx context.Context) {
	if r.session == nil {
		return
	}
	r.state.Store(int32(StateStopping))
	r.log.Info("closing replication connection")

	// The caller's context may be the reason we're closing; teardown still needs
	// to reach the server.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pgconsts.CloseTimeout)
	defer cancel()

	sess, pending := r.session, r.flush.pending
	r.session = nil
	r.flush.pending = 0
	sess.Close(ctx, pending)
	r.state.Store(int32(StateClosed))
}

// DropSlot drops the receiver's replication slot.  Failures are logged.
func (r *Receiver) DropSlot(ctx context.Context) {
	if r.opts.Slot == "" {
		return
	}
	r.slots.DropSlot(ctx, r.opts.Slot)
}

type missingProcessor struct{}

func (missingProcessor) Process(context.Context, changeset.Message, Notifier) error {
	return ErrUnimplementedHandler
}

type logNotifier struct {
	log *slog.Logger
}

func (l logNotifier) Notify(_ context.Context, cs *changeset.Changeset) error {
	l.log.Info("message received", "operation", cs.Operation, "table", cs.Data.Table, "lsn", cs.Watermark.LSN)
	return nil
}
