package kvstate

import "errors"

// Failure classes for the cache-handoff layer. Callers classify with
// errors.Is; everything fatal wraps one of these with request/rank context.
var (
	// ErrConfiguration covers indivisible TP/PP ratios, an unset or unknown
	// transport backend and mismatched pool partitions. Never retried.
	ErrConfiguration = errors.New("invalid cache transfer configuration")

	// ErrProtocolDesync is raised when a RequestInfo references a request id
	// that was never registered locally. Fatal for that request only.
	ErrProtocolDesync = errors.New("cache transfer protocol desynchronization")

	// ErrTransport covers connection failures and short reads/writes,
	// surfaced through the future awaiting the transfer.
	ErrTransport = errors.New("cache transfer transport failure")

	// ErrSerialization indicates a mismatch between the computed and the
	// actual serialized size, i.e. a format-definition bug.
	ErrSerialization = errors.New("cache state serialization mismatch")
)
