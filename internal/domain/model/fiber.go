package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FiberKind identifies the schema of a fiber's state payload. Payloads that
// fail validation against every registered schema are stored with KindUnknown
// rather than rejected, so new on-chain entity kinds degrade gracefully.
type FiberKind string

const (
	FiberKindAgentIdentity FiberKind = "AgentIdentity"
	FiberKindContract      FiberKind = "Contract"
	FiberKindUnknown       FiberKind = "Unknown"
)

// Fiber is the indexed view of one state machine instance running on the
// metagraph. CreatedGL0Ordinal/UpdatedGL0Ordinal stay nil until the snapshot
// that created/updated the row is confirmed by the global ledger.
type Fiber struct {
	ID                string          `db:"id"`
	Kind              FiberKind       `db:"kind"`
	State             json.RawMessage `db:"state"`
	CreatedOrdinal    int64           `db:"created_ordinal"`
	UpdatedOrdinal    int64           `db:"updated_ordinal"`
	CreatedGL0Ordinal *int64          `db:"created_gl0_ordinal"`
	UpdatedGL0Ordinal *int64          `db:"updated_gl0_ordinal"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// Transition is one recorded state-machine event applied to a fiber,
// attributed to the ML0 snapshot ordinal it arrived in.
type Transition struct {
	ID         uuid.UUID       `db:"id"`
	FiberID    string          `db:"fiber_id"`
	EventName  string          `db:"event_name"`
	Payload    json.RawMessage `db:"payload"`
	Ordinal    int64           `db:"ordinal"`
	GL0Ordinal *int64          `db:"gl0_ordinal"`
	RecordedAt time.Time       `db:"recorded_at"`
}
