package store

import "time"

// Run records one invocation of the pipeline
type Run struct {
	ID           int64
	ManifestRef  string
	StartTime    time.Time
	EndTime      time.Time
	Fetched      int
	Found        int
	Unresolved   int
	Failed       int
	Mismatched   int
	Extracted    int
	Merged       int
	Status       string // "running", "success", "partial", "failed", "cancelled"
	ErrorMessage string
}

// Artifact records how one manifest artifact was resolved during a run
type Artifact struct {
	ID        int64
	RunID     int64
	Component string
	Platform  string
	Variant   string
	Filename  string
	Path      string // empty when not resolved
	Status    string // resolve.Status value
	SizeCheck string // "match", "mismatch", "skipped" or empty when not checked
	HashCheck string
	Error     string
	CreatedAt time.Time
}

// Check verdicts stored in Artifact.SizeCheck and Artifact.HashCheck.
const (
	CheckMatch    = "match"
	CheckMismatch = "mismatch"
	CheckSkipped  = "skipped"
)
