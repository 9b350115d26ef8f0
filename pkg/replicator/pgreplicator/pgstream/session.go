package pgstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inngest/walreceiver/pkg/changeset"
	"github.com/inngest/walreceiver/pkg/consts/pgconsts"
	"github.com/inngest/walreceiver/pkg/replicator"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/lib/pq"
)

// WriteTimeout bounds each status update written to the server.
var WriteTimeout = 5 * time.Second

// Session is a logical replication stream over a single replication connection.
type Session struct {
	conn *pgconn.PgConn

	// buffered holds the message received by the last Await, until read.
	buffered *changeset.Message
	// acked is the last position acknowledged to the server.
	acked  pglogrepl.LSN
	closed bool

	writeTimeout time.Duration

	log *slog.Logger
}

var _ replicator.Session = (*Session)(nil)

// Connect opens a connection in replication mode.  base is copied, not modified.
func Connect(ctx context.Context, base *pgconn.Config, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", uuid.NewString())

	cfg := base.Copy()
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	// Ensure that we add "replication": "database" to the replication
	// configuration
	cfg.RuntimeParams["replication"] = "database"
	cfg.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		log.Debug("server notice", "severity", n.Severity, "message", n.Message)
	}
	// Cancelling a wait must leave the connection usable, so interrupt reads with
	// a socket deadline rather than a server-side cancel request.
	cfg.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.DeadlineContextWatcherHandler{Conn: pgConn.Conn()}
	}

	log.Info("connecting to source database", "host", cfg.Host, "database", cfg.Database)
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", replicator.ErrConnection, err)
	}
	return &Session{conn: conn, log: log, writeTimeout: WriteTimeout}, nil
}

// StartStreaming issues START_REPLICATION for the slot, blocking until the server
// has started streaming.
func (s *Session) StartStreaming(ctx context.Context, slot string, from pglogrepl.LSN, opts []replicator.PluginOption) error {
	args := PluginArgs(opts)
	s.log.Debug("replication statement", "statement", Statement(slot, from, opts))

	err := pglogrepl.StartReplication(
		ctx,
		s.conn,
		pgx.Identifier{slot}.Sanitize(),
		from,
		pglogrepl.StartReplicationOptions{
			Mode:       pglogrepl.LogicalReplication,
			PluginArgs: args,
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %w", replicator.ErrStart, classify(err))
	}
	return nil
}

// ReadMessage returns the message buffered by the last Await, if any.
func (s *Session) ReadMessage() (changeset.Message, bool) {
	if s.buffered == nil {
		return changeset.Message{}, false
	}
	msg := *s.buffered
	s.buffered = nil
	return msg, true
}

// SendAck reports lsn as written, flushed and applied.
func (s *Session) SendAck(ctx context.Context, lsn pglogrepl.LSN) error {
	err := s.sendStatus(ctx, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	})
	if err != nil {
		return fmt.Errorf("error sending pg status update: %w", err)
	}
	s.acked = lsn
	return nil
}

// sendStatus writes a standby status update.  The write doesn't observe ctx, so
// it is bounded by a socket deadline of writeTimeout or ctx's deadline, whichever
// comes first.
func (s *Session) sendStatus(ctx context.Context, ssu pglogrepl.StandbyStatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := s.writeTimeout
	if timeout <= 0 {
		timeout = WriteTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	nc := s.conn.Conn()
	if err := nc.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("error setting write deadline: %w", err)
	}
	defer func() { _ = nc.SetWriteDeadline(time.Time{}) }()

	return pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, ssu)
}

// Await waits up to timeout for the next replication message.  Keepalives are
// handled internally; data is buffered for ReadMessage.
func (s *Session) Await(ctx context.Context, timeout time.Duration) error {
	if s.buffered != nil || s.closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	rawMsg, err := s.conn.ReceiveMessage(ctx)
	cancel()

	if err != nil {
		if pgconn.Timeout(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Nothing arrived; we want to keep iterating.
			return nil
		}
		return fmt.Errorf("error receiving replication message: %w", err)
	}
	return s.handle(rawMsg)
}

func (s *Session) handle(rawMsg pgproto3.BackendMessage) error {
	switch msg := rawMsg.(type) {
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("received pg wal error: %w", pgconn.ErrorResponseToPgError(msg))
	case *pgproto3.CopyDone:
		return replicator.ErrStreamEnded
	case *pgproto3.CopyData:
		return s.handleCopyData(msg.Data)
	default:
		return nil
	}
}

func (s *Session) handleCopyData(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("error parsing replication keepalive: %w", err)
		}
		if !pkm.ReplyRequested {
			return nil
		}
		// The server disconnects clients which don't reply, so report the last
		// acknowledged position as a heartbeat.
		err = s.sendStatus(context.Background(), pglogrepl.StandbyStatusUpdate{
			WALWritePosition: s.acked,
		})
		if err != nil {
			return fmt.Errorf("error replying to keepalive: %w", err)
		}
		return nil
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("error parsing replication txn data: %w", err)
		}
		s.buffered = &changeset.Message{
			Watermark: changeset.Watermark{
				LSN:        xld.WALStart,
				ServerTime: xld.ServerTime,
			},
			// xld.WALData may be reused, so copy the slice ASAP.
			Payload: copySlice(xld.WALData),
		}
	}
	return nil
}

// Close sends a final acknowledgement of flush if non-zero, ends the replication
// stream and closes the connection.  Each step is attempted regardless of earlier
// failures, which are logged.
func (s *Session) Close(ctx context.Context, flush pglogrepl.LSN) {
	if s.closed {
		return
	}
	s.closed = true
	s.buffered = nil

	if s.conn.IsClosed() {
		return
	}

	if flush > 0 {
		if err := s.SendAck(ctx, flush); err != nil {
			s.log.Error("error sending final feedback", "lsn", flush, "error", err)
		}
	}

	// SendStandbyCopyDone reads the server's remaining stream without observing
	// ctx, so bound it with a socket deadline.
	deadline := time.Now().Add(pgconsts.CloseTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := s.conn.Conn().SetDeadline(deadline); err != nil {
		s.log.Warn("error setting close deadline", "error", err)
	}
	if _, err := pglogrepl.SendStandbyCopyDone(ctx, s.conn); err != nil {
		s.log.Error("error ending replication stream", "error", err)
	}
	_ = s.conn.Conn().SetDeadline(time.Time{})

	if err := s.conn.Close(ctx); err != nil {
		s.log.Error("error closing replication connection", "error", err)
	}
}

// PluginArgs renders plugin options as `"name" 'value'` pairs, quoting each name
// as an identifier and each value as a literal.
func PluginArgs(opts []replicator.PluginOption) []string {
	if len(opts) == 0 {
		return nil
	}
	args := make([]string, 0, len(opts))
	for _, o := range opts {
		arg := pgx.Identifier{o.Name}.Sanitize()
		if o.Value != nil {
			arg += " " + pq.QuoteLiteral(*o.Value)
		}
		args = append(args, arg)
	}
	return args
}

// Statement renders the START_REPLICATION command issued for the given slot.
func Statement(slot string, from pglogrepl.LSN, opts []replicator.PluginOption) string {
	stmt := fmt.Sprintf("START_REPLICATION SLOT %s %s %s", pgx.Identifier{slot}.Sanitize(), pglogrepl.LogicalReplication, from)
	if args := PluginArgs(opts); len(args) > 0 {
		stmt += " (" + strings.Join(args, ", ") + ")"
	}
	return stmt
}

// classify maps well known server errors onto sentinel errors.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgconsts.ObjectNotInPrerequisiteState && strings.Contains(pgErr.Message, "wal_level"):
		return fmt.Errorf("%w: %w", replicator.ErrLogicalReplicationNotSetUp, err)
	case pgErr.Code == pgconsts.UndefinedObject:
		return fmt.Errorf("%w: %w", replicator.ErrReplicationSlotNotFound, err)
	case pgErr.Code == pgconsts.ObjectInUse:
		return fmt.Errorf("%w: %w", replicator.ErrReplicationAlreadyRunning, err)
	}
	return err
}

// copySlice is a util for copying a slice.
func copySlice(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
