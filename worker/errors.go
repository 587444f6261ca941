package worker

import "errors"

// Fault sentinels for command handling. Each aborts the faulting call
// entirely; other commands on the same worker instance are unaffected once
// the call has unwound.
var (
	// ErrMalformedEvent indicates a required envelope field is absent or of
	// the wrong shape for its command.
	ErrMalformedEvent = errors.New("worker: malformed event")

	// ErrUnknownCommand indicates the envelope discriminator is absent or
	// not one of the known command names.
	ErrUnknownCommand = errors.New("worker: unknown command")

	// ErrSerialization indicates a response field could not be serialized;
	// the entire response is aborted, never a partial envelope list.
	ErrSerialization = errors.New("worker: response serialization failed")
)
