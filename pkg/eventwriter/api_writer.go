package eventwriter

import (
	"context"
	"time"

	"github.com/inngest/inngestgo"
	"github.com/inngest/walreceiver/pkg/changeset"
)

// SendTimeout bounds each batch sent to the Inngest API.
var SendTimeout = 10 * time.Second

// NewAPIClientWriter returns a Writer sending each changeset as an Inngest event.
func NewAPIClientWriter(batchSize int, client inngestgo.Client) *Writer {
	return New(batchSize, func(ctx context.Context, cs []*changeset.Changeset) error {
		return sendEvents(ctx, client, cs)
	})
}

func sendEvents(ctx context.Context, client inngestgo.Client, batch []*changeset.Changeset) error {
	// Don't inherit the receiver's cancellation, so that an in-flight request
	// completes during shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SendTimeout)
	defer cancel()

	evts := make([]any, 0, len(batch))
	for _, cs := range batch {
		if cs == nil {
			continue
		}
		evts = append(evts, ChangesetToEvent(*cs))
	}

	if len(evts) == 0 {
		return nil
	}

	_, err := client.SendMany(ctx, evts)
	return err
}
