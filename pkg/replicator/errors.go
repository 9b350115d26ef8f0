package replicator

import (
	"errors"
	"fmt"
)

var (
	ErrSlotRequired = fmt.Errorf("ERR_PG_003: A replication slot name is required to start streaming.")

	ErrConnection = errors.New("error connecting to postgres host for replication")

	ErrStart = errors.New("error starting logical replication")

	ErrLogicalReplicationNotSetUp = fmt.Errorf("ERR_PG_001: Your database does not have logical replication configured.  You must set the WAL level to 'logical' to stream events.")

	ErrReplicationSlotNotFound = fmt.Errorf("ERR_PG_002: The replication slot doesn't exist in your database.  Please create the logical replication slot to stream events.")

	ErrReplicationAlreadyRunning = fmt.Errorf("ERR_PG_901: Replication is already streaming events")

	ErrUnimplementedHandler = errors.New("missing payload processor for receiver")

	ErrAlreadyStarted = errors.New("receiver has already started")

	ErrReceiverClosed = errors.New("receiver is closed; create a new receiver to stream again")

	ErrNotStreaming = errors.New("receiver is not streaming")

	ErrStreamEnded = errors.New("replication stream ended by server")
)
