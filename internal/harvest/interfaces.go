package harvest

import (
	"context"
	"io"
	"time"
)

// Store persists runs and harvested records.
type Store interface {
	// InTx runs fn inside a single transaction. Any error from fn rolls back
	// every write made through the HarvestTx.
	InTx(ctx context.Context, fn func(tx HarvestTx) error) error
	CreateRun(ctx context.Context, adapter string, startedAt time.Time) (RunLog, error)
	// FinishRun moves a running run to a terminal status. Runs that are
	// already terminal are left untouched and returned as they are.
	FinishRun(ctx context.Context, run RunLog) (RunLog, error)
	GetRun(ctx context.Context, id int64) (RunLog, error)
	ListRuns(ctx context.Context, adapter string, limit int) ([]RunLog, error)
}

// HarvestTx exposes the upserts available inside a transaction. The inserted
// flag reports whether a new row was created rather than updated.
type HarvestTx interface {
	UpsertSource(ctx context.Context, src SourceConfig) (id int64, err error)
	UpsertDataset(ctx context.Context, ds Dataset) (id int64, inserted bool, err error)
	UpsertMetric(ctx context.Context, m Metric) (id int64, inserted bool, err error)
	UpsertCitation(ctx context.Context, c Citation) (id int64, inserted bool, err error)
	UpsertFileIngest(ctx context.Context, f FileIngest) (id int64, inserted bool, err error)
}

// DecisionStore caches robots decisions keyed by robots URL.
type DecisionStore interface {
	GetDecision(ctx context.Context, robotsURL string) (RobotsDecision, bool, error)
	PutDecision(ctx context.Context, d RobotsDecision) error
	DeleteDecision(ctx context.Context, robotsURL string) error
}

// BlobStore archives raw snapshots and returns a URI for the stored object.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher emits run completion notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator emits unique identifiers for events.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests for snapshot names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Ledger appends provenance entries to a durable audit log.
type Ledger interface {
	Append(ctx context.Context, entry ProvenanceEntry) error
}
