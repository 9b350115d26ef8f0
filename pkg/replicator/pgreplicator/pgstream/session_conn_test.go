package pgstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/require"
)

// frontendMsg is a message received by fakeServer.
type frontendMsg struct {
	kind string
	data []byte
}

// fakeServer is the server side of an in-memory replication connection.  It
// records the messages the client sends and answers CopyDone the way a walsender
// does.
type fakeServer struct {
	conn    net.Conn
	backend *pgproto3.Backend

	out  chan []byte
	got  chan frontendMsg
	done chan struct{}
}

// connectFake returns a Session connected to a fakeServer.  When read is false
// the server stops reading once the startup handshake completes.
func connectFake(t *testing.T, read bool) (*Session, *fakeServer) {
	t.Helper()

	client, server := net.Pipe()
	srv := &fakeServer{
		conn:    server,
		backend: pgproto3.NewBackend(server, server),
		out:     make(chan []byte, 16),
		got:     make(chan frontendMsg, 16),
		done:    make(chan struct{}),
	}
	t.Cleanup(func() {
		close(srv.done)
		_ = server.Close()
		_ = client.Close()
	})

	handshake := make(chan error, 1)
	go func() { handshake <- srv.handshake() }()

	cfg, err := pgconn.ParseConfig("postgres://walreceiver@127.0.0.1:5432/source?sslmode=disable")
	require.NoError(t, err)
	cfg.DialFunc = func(context.Context, string, string) (net.Conn, error) {
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Connect(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, <-handshake)

	go srv.write()
	if read {
		go srv.read()
	}
	return s, srv
}

func (f *fakeServer) handshake() error {
	msg, err := f.backend.ReceiveStartupMessage()
	if err != nil {
		return err
	}
	startup, ok := msg.(*pgproto3.StartupMessage)
	if !ok {
		return fmt.Errorf("unexpected startup message %T", msg)
	}
	if startup.Parameters["replication"] != "database" {
		return fmt.Errorf("connection not in replication mode: %v", startup.Parameters)
	}

	var buf []byte
	buf = appendMsg(buf, 'R', binary.BigEndian.AppendUint32(nil, 0))
	buf = appendMsg(buf, 'K', binary.BigEndian.AppendUint32(binary.BigEndian.AppendUint32(nil, 42), 7))
	buf = appendMsg(buf, 'Z', []byte{'I'})
	_, err = f.conn.Write(buf)
	return err
}

func (f *fakeServer) read() {
	for {
		msg, err := f.backend.Receive()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *pgproto3.CopyData:
			f.record(frontendMsg{kind: "CopyData", data: copySlice(m.Data)})
		case *pgproto3.CopyDone:
			f.record(frontendMsg{kind: "CopyDone"})
			var buf []byte
			buf = appendMsg(buf, 'c', nil)
			buf = appendMsg(buf, 'C', []byte("COPY 0\x00"))
			buf = appendMsg(buf, 'Z', []byte{'I'})
			f.send(buf)
		case *pgproto3.Terminate:
			f.record(frontendMsg{kind: "Terminate"})
			return
		}
	}
}

func (f *fakeServer) write() {
	for {
		select {
		case buf := <-f.out:
			if _, err := f.conn.Write(buf); err != nil {
				return
			}
		case <-f.done:
			return
		}
	}
}

func (f *fakeServer) record(m frontendMsg) {
	select {
	case f.got <- m:
	case <-f.done:
	}
}

func (f *fakeServer) send(buf []byte) {
	select {
	case f.out <- buf:
	case <-f.done:
	}
}

func (f *fakeServer) next(t *testing.T) frontendMsg {
	t.Helper()
	select {
	case m := <-f.got:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a client message")
		return frontendMsg{}
	}
}

func (f *fakeServer) requireIdle(t *testing.T) {
	t.Helper()
	select {
	case m := <-f.got:
		t.Fatalf("unexpected client message %s %x", m.kind, m.data)
	case <-time.After(100 * time.Millisecond):
	}
}

// statusWrite returns the write position of a standby status update.
func statusWrite(t *testing.T, m frontendMsg) pglogrepl.LSN {
	t.Helper()
	require.Equal(t, "CopyData", m.kind)
	require.Len(t, m.data, 34)
	require.Equal(t, byte(pglogrepl.StandbyStatusUpdateByteID), m.data[0])
	return pglogrepl.LSN(binary.BigEndian.Uint64(m.data[1:9]))
}

func keepalive(walEnd pglogrepl.LSN, reply bool) []byte {
	data := []byte{pglogrepl.PrimaryKeepaliveMessageByteID}
	data = binary.BigEndian.AppendUint64(data, uint64(walEnd))
	data = binary.BigEndian.AppendUint64(data, 0)
	if reply {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	return appendMsg(nil, 'd', data)
}

func appendMsg(buf []byte, typ byte, body []byte) []byte {
	buf = append(buf, typ)
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(body)))
	return append(buf, body...)
}

func TestKeepaliveReplyReportsAckedPosition(t *testing.T) {
	t.Parallel()

	s, srv := connectFake(t, true)
	ctx := context.Background()

	require.NoError(t, s.SendAck(ctx, 0x10))
	require.Equal(t, pglogrepl.LSN(0x10), statusWrite(t, srv.next(t)))

	// The server's WAL end is ahead of anything acknowledged.  The reply must
	// still report only the acknowledged position.
	srv.send(keepalive(0x30, true))
	require.NoError(t, s.Await(ctx, 5*time.Second))
	require.Equal(t, pglogrepl.LSN(0x10), statusWrite(t, srv.next(t)))

	_, ok := s.ReadMessage()
	require.False(t, ok)

	srv.send(keepalive(0x40, false))
	require.NoError(t, s.Await(ctx, 5*time.Second))
	srv.requireIdle(t)
}

func TestCloseSendsFinalAckOnce(t *testing.T) {
	t.Parallel()

	s, srv := connectFake(t, true)
	ctx := context.Background()

	s.Close(ctx, 0x20)
	require.Equal(t, pglogrepl.LSN(0x20), statusWrite(t, srv.next(t)))
	require.Equal(t, "CopyDone", srv.next(t).kind)
	require.Equal(t, "Terminate", srv.next(t).kind)

	s.Close(ctx, 0x28)
	srv.requireIdle(t)

	// A closed session no longer waits on the connection.
	require.NoError(t, s.Await(ctx, time.Second))
}

func TestCloseWithoutFlushSkipsAck(t *testing.T) {
	t.Parallel()

	s, srv := connectFake(t, true)

	s.Close(context.Background(), 0)
	require.Equal(t, "CopyDone", srv.next(t).kind)
	require.Equal(t, "Terminate", srv.next(t).kind)
}

func TestSendAckBoundedByWriteTimeout(t *testing.T) {
	t.Parallel()

	s, _ := connectFake(t, false)
	s.writeTimeout = 50 * time.Millisecond

	start := time.Now()
	err := s.SendAck(context.Background(), 0x10)
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Zero(t, s.acked)
}

func TestKeepaliveReplyBoundedByWriteTimeout(t *testing.T) {
	t.Parallel()

	s, _ := connectFake(t, false)
	s.writeTimeout = 50 * time.Millisecond

	start := time.Now()
	err := s.handleCopyData(keepalive(0x30, true)[5:])
	require.ErrorContains(t, err, "error replying to keepalive")
	require.Less(t, time.Since(start), 5*time.Second)
}
