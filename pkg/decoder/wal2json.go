// Package decoder contains payload processors which decode plugin output into
// changesets.
package decoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/inngest/walreceiver/pkg/changeset"
	"github.com/inngest/walreceiver/pkg/replicator"
)

// wal2json timestamps use the server's timestamptz output, eg.
// "2024-08-30 07:40:00.123456+00".  The offset carries minutes, and seconds for
// historic zones, only when they are non-zero.
var wal2jsonTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07:00:00",
}

func parseWal2JSONTime(s string) (time.Time, error) {
	var err error
	for _, layout := range wal2jsonTimeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// Wal2JSON decodes wal2json format version 1 transactions.  Each payload holds a
// whole transaction, which is emitted as a BEGIN changeset, one changeset per row
// change, then a COMMIT changeset.
//
// Stream with "include-xids" and "include-timestamp" enabled to populate the
// transaction ID and commit time.
type Wal2JSON struct{}

var _ replicator.PayloadProcessor = Wal2JSON{}

// Wal2JSONOptions are the plugin options Wal2JSON expects.
func Wal2JSONOptions() []replicator.PluginOption {
	on := "1"
	return []replicator.PluginOption{
		{Name: "include-xids", Value: &on},
		{Name: "include-timestamp", Value: &on},
	}
}

type wal2jsonTxn struct {
	XID       uint32          `json:"xid"`
	NextLSN   string          `json:"nextlsn"`
	Timestamp string          `json:"timestamp"`
	Change    []wal2jsonChange `json:"change"`
}

type wal2jsonChange struct {
	Kind         string        `json:"kind"`
	Schema       string        `json:"schema"`
	Table        string        `json:"table"`
	ColumnNames  []string      `json:"columnnames"`
	ColumnTypes  []string      `json:"columntypes"`
	ColumnValues []any         `json:"columnvalues"`
	OldKeys      *wal2jsonKeys `json:"oldkeys"`

	// Prefix and Content are set for logical decoding messages.
	Prefix  string `json:"prefix"`
	Content string `json:"content"`
}

type wal2jsonKeys struct {
	KeyNames  []string `json:"keynames"`
	KeyTypes  []string `json:"keytypes"`
	KeyValues []any    `json:"keyvalues"`
}

func (Wal2JSON) Process(ctx context.Context, msg changeset.Message, n replicator.Notifier) error {
	dec := json.NewDecoder(bytes.NewReader(msg.Payload))
	dec.UseNumber()

	var txn wal2jsonTxn
	if err := dec.Decode(&txn); err != nil {
		return fmt.Errorf("error decoding wal2json payload: %w", err)
	}

	var commitTime time.Time
	if txn.Timestamp != "" {
		t, err := parseWal2JSONTime(txn.Timestamp)
		if err != nil {
			return fmt.Errorf("error parsing wal2json timestamp %q: %w", txn.Timestamp, err)
		}
		commitTime = t
	}

	base := changeset.Data{TxnID: txn.XID, TxnCommitTime: commitTime}
	emit := func(op changeset.Operation, data changeset.Data) error {
		return n.Notify(ctx, &changeset.Changeset{
			Watermark: msg.Watermark,
			Operation: op,
			Data:      data,
		})
	}

	if err := emit(changeset.OperationBegin, base); err != nil {
		return err
	}
	for _, c := range txn.Change {
		op, data, err := c.changeset(base)
		if err != nil {
			return err
		}
		if err := emit(op, data); err != nil {
			return err
		}
	}
	return emit(changeset.OperationCommit, base)
}

func (c wal2jsonChange) changeset(base changeset.Data) (changeset.Operation, changeset.Data, error) {
	data := base
	data.Schema = c.Schema
	data.Table = c.Table

	var op changeset.Operation
	switch strings.ToLower(c.Kind) {
	case "insert":
		op = changeset.OperationInsert
	case "update":
		op = changeset.OperationUpdate
	case "delete":
		op = changeset.OperationDelete
	case "truncate":
		op = changeset.OperationTruncate
	case "message":
		data.Content = c.Content
		return changeset.OperationMessage, data, nil
	default:
		return "", data, fmt.Errorf("unknown wal2json change kind: %q", c.Kind)
	}

	if len(c.ColumnNames) != len(c.ColumnValues) {
		return "", data, fmt.Errorf("mismatched wal2json columns for %s.%s: %d names, %d values", c.Schema, c.Table, len(c.ColumnNames), len(c.ColumnValues))
	}
	if len(c.ColumnNames) > 0 {
		data.New = tuples(c.ColumnNames, c.ColumnValues)
	}
	if c.OldKeys != nil {
		if len(c.OldKeys.KeyNames) != len(c.OldKeys.KeyValues) {
			return "", data, fmt.Errorf("mismatched wal2json keys for %s.%s", c.Schema, c.Table)
		}
		data.Old = tuples(c.OldKeys.KeyNames, c.OldKeys.KeyValues)
	}
	return op, data, nil
}

func tuples(names []string, values []any) changeset.UpdateTuples {
	out := make(changeset.UpdateTuples, len(names))
	for i, name := range names {
		out[name] = column(values[i])
	}
	return out
}

func column(v any) changeset.ColumnUpdate {
	switch val := v.(type) {
	case nil:
		return changeset.ColumnUpdate{Encoding: "n"}
	case bool:
		return changeset.ColumnUpdate{Encoding: "b", Data: val}
	case json.Number:
		if i, err := strconv.ParseInt(val.String(), 10, 64); err == nil {
			return changeset.ColumnUpdate{Encoding: "i", Data: i}
		}
		if f, err := val.Float64(); err == nil {
			return changeset.ColumnUpdate{Encoding: "f", Data: f}
		}
		return changeset.ColumnUpdate{Encoding: "t", Data: val.String()}
	case string:
		return changeset.ColumnUpdate{Encoding: "t", Data: val}
	default:
		// Nested JSON, re-encoded as text.
		byt, _ := json.Marshal(val)
		return changeset.ColumnUpdate{Encoding: "t", Data: string(byt)}
	}
}
