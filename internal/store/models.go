package store

import (
	"encoding/json"
	"time"
)

// Material is owned by the upload/edit feature of the main application.
// This service reads it and writes back only the latest_artifacts pointer.
type Material struct {
	ID              string
	OwnerID         string
	IsPublic        bool
	AIEnabled       bool
	ExtractedText   string
	ObjectKey       string
	LatestArtifacts map[string]string // artifact type -> version id
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Origins for ArtifactVersion.GeneratedBy.
const (
	GeneratedByUser      = "user"
	GeneratedByMigration = "migration"
	GeneratedByWorker    = "worker"
)

// ArtifactVersion is one immutable generation result. Rows are never
// updated or deleted here; "latest" is purely a created_at ordering.
type ArtifactVersion struct {
	ID          string
	MaterialID  string
	Type        string
	Content     json.RawMessage
	ModelName   string
	ModelParams json.RawMessage
	Confidence  *float64
	Language    string
	Preview     string
	CreatedBy   string
	GeneratedBy string
	CreatedAt   time.Time
}

// Embedding holds the fixed-dimension vector for one artifact version.
type Embedding struct {
	ID         string
	VersionID  string
	Vector     []float64
	Dimensions int
	ModelName  string
	CreatedAt  time.Time
}

// GenerationJob statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// DefaultMaxAttempts bounds retries for a generation job.
const DefaultMaxAttempts = 3

// GenerationJob tracks one deferred generation request through the
// pending -> processing -> completed/failed state machine.
type GenerationJob struct {
	ID           string
	MaterialID   string
	UserID       string
	JobType      string
	Status       string
	Priority     int
	Attempts     int
	MaxAttempts  int
	ErrorMessage string
	Result       json.RawMessage
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
}
