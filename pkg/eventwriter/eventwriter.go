// Package eventwriter forwards decoded changesets to a sink in batches.
package eventwriter

import (
	"context"
	"fmt"
	"sync"

	"github.com/inngest/walreceiver/pkg/changeset"
	"github.com/inngest/walreceiver/pkg/replicator"
)

const (
	eventPrefix = "pg"

	defaultBatchSize = 100
)

// BatchFunc sends a batch of changesets.  The batch must not be retained after
// BatchFunc returns.
type BatchFunc func(ctx context.Context, batch []*changeset.Changeset) error

// Writer buffers changesets and sends them to a sink once the batch is full or
// Flush is called.  It is a replicator.Notifier and replicator.Flusher: the
// receiver flushes after every message, so a position is only acknowledged once
// every event decoded from it has been sent.
type Writer struct {
	send      BatchFunc
	batchSize int

	mu  sync.Mutex
	buf []*changeset.Changeset
}

var (
	_ replicator.Notifier = (*Writer)(nil)
	_ replicator.Flusher  = (*Writer)(nil)
)

// New returns a Writer sending batches of up to batchSize changesets via send.
func New(batchSize int, send BatchFunc) *Writer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Writer{
		send:      send,
		batchSize: batchSize,
		buf:       make([]*changeset.Changeset, 0, batchSize),
	}
}

// Notify buffers cs, sending the batch if it's full.
func (w *Writer) Notify(ctx context.Context, cs *changeset.Changeset) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, cs)
	if len(w.buf) < w.batchSize {
		return nil
	}
	return w.flush(ctx)
}

// Flush sends any buffered changesets.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flush(ctx)
}

func (w *Writer) flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	if err := w.send(ctx, w.buf); err != nil {
		// Keep the batch: the position isn't acknowledged, so the caller either
		// retries the flush or restarts from the slot.
		return fmt.Errorf("error sending %d events: %w", len(w.buf), err)
	}
	w.buf = w.buf[:0]
	return nil
}

// ChangesetToEvent returns a map containing event data for the given changeset.
func ChangesetToEvent(cs changeset.Changeset) map[string]any {
	var name string

	if cs.Data.Table == "" {
		name = fmt.Sprintf("%s/%s", eventPrefix, cs.Operation.ToEventVerb())
	} else {
		name = fmt.Sprintf("%s/%s.%s", eventPrefix, cs.Data.Table, cs.Operation.ToEventVerb())
	}

	return map[string]any{
		"name": name,
		"data": cs.Data,
		"ts":   cs.Watermark.ServerTime.UnixMilli(),
	}
}
