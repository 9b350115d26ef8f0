package eventwriter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/inngest/walreceiver/pkg/changeset"
)

// NewCallbackWriter is a simple writer which calls a callback for each changeset.
//
// This is primarily used for testing.
func NewCallbackWriter(onChangeset func(cs *changeset.Changeset) error) *Writer {
	return New(1, func(_ context.Context, batch []*changeset.Changeset) error {
		for _, cs := range batch {
			if err := onChangeset(cs); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewJSONWriter writes each changeset's event to w as a line of JSON.
func NewJSONWriter(w io.Writer) *Writer {
	return NewCallbackWriter(func(cs *changeset.Changeset) error {
		byt, err := json.Marshal(ChangesetToEvent(*cs))
		if err != nil {
			return fmt.Errorf("error encoding event: %w", err)
		}
		_, err = fmt.Fprintln(w, string(byt))
		return err
	})
}
