package event

import (
	"time"

	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
)

// SnapshotNotification is the {ordinal, hash, timestamp} triple announcing a
// new ML0 snapshot, delivered either by webhook push or by the fallback poll.
type SnapshotNotification struct {
	Ordinal   int64
	Hash      string
	Timestamp time.Time
	Source    model.SnapshotSource
}

// IndexWorkorder asks the ingest worker to materialize the full application
// state for an already-recorded PENDING snapshot.
type IndexWorkorder struct {
	ID      string `json:"id"`
	Ordinal int64  `json:"ordinal"`
	Hash    string `json:"hash"`
	Attempt int    `json:"attempt"`
}

// Confirmation announces that a locally indexed snapshot was observed inside
// a global ledger snapshot.
type Confirmation struct {
	Ordinal     int64
	Hash        string
	GL0Ordinal  int64
	ConfirmedAt time.Time
}
