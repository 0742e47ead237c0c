package persistence

import (
	"time"

	"mt5-cycles-bot-go/internal/models"
)

// Snapshot is the full local image of the bot's trading state:
// every cycle record plus the global loss ledger.
type Snapshot struct {
	Cycles  []models.CycleRecord `json:"cycles"`
	Losses  models.LossSnapshot  `json:"losses"`
	SavedAt time.Time            `json:"saved_at"`
}

// PendingAction is the kind of remote write a journal entry represents.
type PendingAction string

const (
	ActionCreate PendingAction = "create"
	ActionUpdate PendingAction = "update"
	ActionDelete PendingAction = "delete"
)

// PendingEntry is one journaled remote write, kept locally until the
// sync loop confirms PocketBase accepted it.
type PendingEntry struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	RecordID   string         `json:"record_id,omitempty"`
	Action     PendingAction  `json:"action"`
	Payload    map[string]any `json:"payload,omitempty"`
	QueuedAt   time.Time      `json:"queued_at"`
}

// StateRepository defines the interface for local state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SaveSnapshot atomically saves the full trading state.
	SaveSnapshot(snap *Snapshot) error

	// LoadSnapshot loads the trading state from storage.
	// If no snapshot is found, it returns (nil, nil).
	LoadSnapshot() (*Snapshot, error)

	// AppendPending journals a remote write that has not been confirmed yet.
	AppendPending(entry PendingEntry) error

	// PendingEntries returns all journaled writes in insertion order.
	PendingEntries() ([]PendingEntry, error)

	// RemovePending drops a journal entry after the remote write succeeded.
	// Removing an unknown id is a no-op.
	RemovePending(id string) error

	// Close gracefully closes the connection to the database.
	Close() error
}
