package replicator

import (
	"context"
	"sync"
	"time"

	"github.com/inngest/walreceiver/pkg/changeset"
	"github.com/jackc/pglogrepl"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 8, 30, 7, 40, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSlots struct {
	mu      sync.Mutex
	restart pglogrepl.LSN
	ensured []string
	lookups int
	dropped []string
}

func (f *fakeSlots) EnsureSlot(_ context.Context, name, plugin string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, name+"/"+plugin)
}

func (f *fakeSlots) RestartLSN(context.Context, string) pglogrepl.LSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.restart
}

func (f *fakeSlots) DropSlot(_ context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, name)
}

type fakeStreamer struct {
	sess *fakeSession
	err  error
	reqs []StreamRequest
}

func (f *fakeStreamer) Stream(_ context.Context, req StreamRequest) (Session, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

// fakeSession replays queued messages.  Await returns immediately while messages
// are queued, otherwise it blocks until the timeout or ctx is done.
type fakeSession struct {
	mu     sync.Mutex
	queue  []changeset.Message
	acks   []pglogrepl.LSN
	closes int
	final  pglogrepl.LSN

	ackErr   error
	awaitErr error
}

func newSession(lsns ...pglogrepl.LSN) *fakeSession {
	s := &fakeSession{}
	for _, lsn := range lsns {
		s.push(lsn)
	}
	return s
}

func (s *fakeSession) push(lsn pglogrepl.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, changeset.Message{
		Watermark: changeset.Watermark{LSN: lsn},
		Payload:   []byte(lsn.String()),
	})
}

func (s *fakeSession) ReadMessage() (changeset.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return changeset.Message{}, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

func (s *fakeSession) SendAck(_ context.Context, lsn pglogrepl.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acks = append(s.acks, lsn)
	return nil
}

func (s *fakeSession) Await(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	queued, err := len(s.queue) > 0, s.awaitErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if queued {
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return nil
}

func (s *fakeSession) Close(_ context.Context, flush pglogrepl.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.final = flush
}

func (s *fakeSession) Acks() []pglogrepl.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pglogrepl.LSN(nil), s.acks...)
}

func (s *fakeSession) Closes() (int, pglogrepl.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes, s.final
}
