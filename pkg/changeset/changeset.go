package changeset

import (
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
)

type Operation string

const (
	OperationBegin    = "BEGIN"
	OperationCommit   = "COMMIT"
	OperationInsert   = "INSERT"
	OperationUpdate   = "UPDATE"
	OperationDelete   = "DELETE"
	OperationTruncate = "TRUNCATE"
	OperationMessage  = "MESSAGE"
)

func (o Operation) ToEventVerb() string {
	switch o {
	case OperationBegin:
		return "tx-began"
	case OperationCommit:
		return "tx-committed"
	case OperationInsert:
		return "inserted"
	case OperationUpdate:
		return "updated"
	case OperationDelete:
		return "deleted"
	case OperationTruncate:
		return "truncated"
	default:
		return strings.ToLower(string(o))
	}
}

// Watermark marks a position within the replication stream.
type Watermark struct {
	LSN        pglogrepl.LSN
	ServerTime time.Time
}

// Message is a single raw chunk read from the replication stream.  The watermark's
// LSN is the position at which the chunk begins.
//
// Payload is only valid for the duration of the callback it is passed to.
type Message struct {
	Watermark
	Payload []byte
}

type Changeset struct {
	// Watermark represents the internal watermark for this changeset op.
	Watermark Watermark `json:"watermark"`

	// Operation represents the operation type for this event.
	Operation Operation `json:"operation"`

	// Data represents the actual data for the operation
	Data Data `json:"data"`
}

type Data struct {
	// TxnID is the transaction ID the change belongs to, if the decoding plugin
	// includes it.
	TxnID         uint32    `json:"txn_id,omitempty"`
	TxnCommitTime time.Time `json:"txn_commit_time,omitempty"`

	Schema string       `json:"schema,omitempty"`
	Table  string       `json:"table,omitempty"`
	Old    UpdateTuples `json:"old,omitempty"`
	New    UpdateTuples `json:"new,omitempty"`

	// Content holds the body of non-row messages, eg. logical decoding messages.
	Content string `json:"content,omitempty"`
}

type UpdateTuples map[string]ColumnUpdate

type ColumnUpdate struct {
	// Encoding represents the encoding of the data in Data.  This may be one of:
	//
	// - "n", representing null data.
	// - "t", representing text-encoded data
	// - "b", representing a boolean
	// - "i", representing an integer
	// - "f", representing a float
	Encoding string `json:"encoding"`
	// Data is the value of the column.
	Data any `json:"data"`
}
