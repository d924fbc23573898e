package model

import "time"

// SnapshotStatus tracks a locally indexed snapshot through its confirmation
// lifecycle. Transitions are one-directional: PENDING may become CONFIRMED or
// ORPHANED, and both of those are terminal.
type SnapshotStatus string

const (
	SnapshotStatusPending   SnapshotStatus = "PENDING"
	SnapshotStatusConfirmed SnapshotStatus = "CONFIRMED"
	SnapshotStatusOrphaned  SnapshotStatus = "ORPHANED"
)

// Valid reports whether s is one of the known lifecycle states.
func (s SnapshotStatus) Valid() bool {
	switch s {
	case SnapshotStatusPending, SnapshotStatusConfirmed, SnapshotStatusOrphaned:
		return true
	}
	return false
}

// SnapshotSource records how a snapshot notification reached the indexer.
type SnapshotSource string

const (
	SnapshotSourceWebhook SnapshotSource = "webhook"
	SnapshotSourcePoll    SnapshotSource = "poll"
)

// Snapshot is one observed ML0 snapshot ordinal and its confirmation state
// against the global ledger (GL0).
type Snapshot struct {
	Ordinal            int64          `db:"ordinal"`
	Hash               string         `db:"hash"`
	Status             SnapshotStatus `db:"status"`
	GL0Ordinal         *int64         `db:"gl0_ordinal"`
	ConfirmedAt        *time.Time     `db:"confirmed_at"`
	IndexedAt          time.Time      `db:"indexed_at"`
	Source             SnapshotSource `db:"source"`
	FibersUpdated      int            `db:"fibers_updated"`
	TransitionsUpdated int            `db:"transitions_updated"`
}

// IsTerminal reports whether the snapshot can no longer change state.
func (s *Snapshot) IsTerminal() bool {
	return s.Status == SnapshotStatusConfirmed || s.Status == SnapshotStatusOrphaned
}
