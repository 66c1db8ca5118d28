package migration

import "errors"

// Sequencing and configuration errors. Omissions (filtered entities, missing
// capabilities, unknown keys) are never reported as errors.
var (
	ErrUnknownSession    = errors.New("unknown session handle")
	ErrSelfLink          = errors.New("session cannot be its own predecessor")
	ErrAlreadyLinked     = errors.New("session already linked to a predecessor")
	ErrNotLinked         = errors.New("session has no linked predecessor")
	ErrNoSnapshot        = errors.New("predecessor has not captured a snapshot")
	ErrAlreadyCaptured   = errors.New("snapshot already captured for this session")
	ErrAlreadyReconciled = errors.New("snapshot already reconciled")
	ErrTickUnreachable   = errors.New("snapshot tick unreachable")
	ErrDuplicateKey      = errors.New("value key already registered")
	ErrKindMismatch      = errors.New("stored value kind mismatch")
	ErrNilProducer       = errors.New("nil producer")
)
