package pgconsts

import "time"

const (
	// DefaultPlugin is the logical decoding plugin used when none is configured.
	DefaultPlugin = "wal2json"

	// DefaultWaitTimeout bounds each multiplexed wait in the receive loop.
	DefaultWaitTimeout = 2 * time.Second

	// DefaultFlushInterval is the acknowledgement interval used by the CLI config.
	DefaultFlushInterval = 10 * time.Second

	// CloseTimeout bounds every teardown step of a streaming session.
	CloseTimeout = 5 * time.Second

	// DuplicateObject is returned when creating a slot that already exists.
	DuplicateObject = "42710"
	// UndefinedObject is returned when streaming from a missing slot.
	UndefinedObject = "42704"
	// ObjectInUse is returned when the slot is active for another PID.
	ObjectInUse = "55006"
	// ObjectNotInPrerequisiteState is returned when wal_level is not logical.
	ObjectNotInPrerequisiteState = "55000"
)
