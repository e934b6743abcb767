// Package store persists run records and the disk tier of the graph cache
// in a local SQLite database.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sells-group/coolsite/internal/graph"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run states.
const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunSummary holds the headline figures of a finished run.
type RunSummary struct {
	Mode          string   `json:"mode,omitempty"`
	Status        string   `json:"status,omitempty"`
	Requested     int      `json:"requested"`
	Effective     int      `json:"effective"`
	Selected      []string `json:"selected,omitempty"`
	CoveredWeight float64  `json:"covered_weight"`
	TotalWeight   float64  `json:"total_weight"`
	CoveredShare  float64  `json:"covered_share"`
	GraphNodes    int      `json:"graph_nodes"`
	GraphEdges    int      `json:"graph_edges"`
	OutputDir     string   `json:"output_dir,omitempty"`
	ElapsedMS     int64    `json:"elapsed_ms"`
}

// Run is one coverage or optimisation invocation.
type Run struct {
	ID        string          `json:"id"`
	Command   string          `json:"command"`
	Status    RunStatus       `json:"status"`
	Params    json.RawMessage `json:"params,omitempty"`
	Summary   *RunSummary     `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status       RunStatus
	Command      string
	CreatedAfter time.Time
	Limit        int
	Offset       int
}

// GraphEntry describes a cached graph without loading it.
type GraphEntry struct {
	Key       string    `json:"key"`
	CRS       string    `json:"crs"`
	Nodes     int       `json:"nodes"`
	Edges     int       `json:"edges"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the persistence interface used by the pipeline and CLI.
type Store interface {
	CreateRun(ctx context.Context, command string, params any) (*Run, error)
	CompleteRun(ctx context.Context, id string, summary *RunSummary) error
	FailRun(ctx context.Context, id string, reason string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// GetGraph returns nil, nil when the key is missing or expired.
	GetGraph(ctx context.Context, key string) (*graph.Snapshot, error)
	PutGraph(ctx context.Context, key string, s *graph.Snapshot, ttl time.Duration) error
	DeleteGraph(ctx context.Context, key string) error
	ListGraphs(ctx context.Context) ([]GraphEntry, error)
	PurgeGraphs(ctx context.Context, expiredOnly bool) (int, error)

	Migrate(ctx context.Context) error
	Close() error
}
