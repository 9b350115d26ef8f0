package replicator

import (
	"context"
	"log/slog"
	"time"

	"github.com/inngest/walreceiver/pkg/changeset"
	"github.com/jackc/pglogrepl"
)

// PayloadProcessor converts the raw payload of a single replication chunk into
// events, handing each decoded event to the given Notifier.
//
// Process is called on the receive loop's goroutine.  When it returns without error
// the message's position is considered safely handled and becomes eligible for
// acknowledgement.
type PayloadProcessor interface {
	Process(ctx context.Context, msg changeset.Message, n Notifier) error
}

// PayloadProcessorFunc adapts a function to a PayloadProcessor.
type PayloadProcessorFunc func(ctx context.Context, msg changeset.Message, n Notifier) error

func (f PayloadProcessorFunc) Process(ctx context.Context, msg changeset.Message, n Notifier) error {
	return f(ctx, msg, n)
}

// Notifier receives decoded change events.
type Notifier interface {
	Notify(ctx context.Context, cs *changeset.Changeset) error
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(ctx context.Context, cs *changeset.Changeset) error

func (f NotifierFunc) Notify(ctx context.Context, cs *changeset.Changeset) error {
	return f(ctx, cs)
}

// Flusher is implemented by notifiers which buffer events.  Flush is called after
// every processed message, before its position is recorded for acknowledgement.
type Flusher interface {
	Flush(ctx context.Context) error
}

// SlotManager manages the lifecycle of a replication slot.  All methods are best
// effort: failures are logged by the implementation and never returned.
type SlotManager interface {
	// EnsureSlot creates the slot bound to the given plugin if it doesn't exist.
	EnsureSlot(ctx context.Context, name, plugin string)
	// RestartLSN returns the slot's restart position, or 0/0 if the slot doesn't
	// exist or cannot be read.
	RestartLSN(ctx context.Context, name string) pglogrepl.LSN
	// DropSlot drops the slot.
	DropSlot(ctx context.Context, name string)
}

// PluginOption is a single start-up option passed to the decoding plugin.  A nil
// Value renders the option name only.
type PluginOption struct {
	Name  string  `mapstructure:"name"`
	Value *string `mapstructure:"value"`
}

// StreamRequest describes the stream to open.
type StreamRequest struct {
	Slot    string
	From    pglogrepl.LSN
	Options []PluginOption
}

// Streamer connects to the source and starts streaming, returning an open Session.
type Streamer interface {
	Stream(ctx context.Context, req StreamRequest) (Session, error)
}

// Session is an open replication stream bound to a single slot.
type Session interface {
	// ReadMessage returns the next buffered message, if any.  It never blocks.
	ReadMessage() (changeset.Message, bool)
	// SendAck reports the given position as flushed to the source.
	SendAck(ctx context.Context, lsn pglogrepl.LSN) error
	// Await blocks until stream data is available, the timeout elapses, or ctx is
	// done.  Timeouts and cancellation are not errors.
	Await(ctx context.Context, timeout time.Duration) error
	// Close sends a final acknowledgement for flush if it's non-zero, then ends the
	// stream and closes the connection.  It is idempotent and never fails.
	Close(ctx context.Context, flush pglogrepl.LSN)
}

// Opts configures a Receiver.
type Opts struct {
	// Slot is the replication slot name.  It is required to start.
	Slot string
	// Plugin is the decoding plugin the slot is created with.
	Plugin string
	// Options are passed to the decoding plugin when streaming starts.
	Options []PluginOption

	// NonBlocking returns from Start once streaming has begun.  The caller must
	// then drive the receiver by calling Tick.
	NonBlocking bool
	// WaitTimeout bounds each wait for stream data when running blocking.
	WaitTimeout time.Duration
	// FlushInterval is the minimum time between acknowledgements.  Zero acks
	// after every message.
	FlushInterval time.Duration
	// StartLSN overrides the slot's restart position.
	StartLSN *pglogrepl.LSN

	// Processor decodes each message.  If nil, the first message fails with
	// ErrUnimplementedHandler.
	Processor PayloadProcessor
	// Notifier receives decoded events.  Defaults to logging each event.
	Notifier Notifier

	Slots    SlotManager
	Streamer Streamer

	Metrics *Metrics
	Log     *slog.Logger

	// Now returns the current time, defaulting to time.Now.
	Now func() time.Time
}
