package engine

import "github.com/google/uuid"

// SessionIDs generates synchronizer session identifiers. A session spans
// one synchronizer from construction (or Reset) to shutdown.
type SessionIDs interface {
	Generate() string
}

// UUIDv7SessionIDs generates time-sortable UUIDv7 session IDs, so sessions
// listed from the trace store sort by start time.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7SessionIDs struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7SessionIDs) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
