package models

import "time"

// Checkpoint references a suspended GPU process image on an instance.
// A checkpoint restores only on a machine with a matching driver major
// version; the engine records the version but does not enforce it.
type Checkpoint struct {
	ID          string    `json:"id"`
	InstanceID  int64     `json:"instance_id"`
	CreatedAt   time.Time `json:"created_at"`
	SizeBytes   int64     `json:"size_bytes"`
	ProcessName string    `json:"process_name"`
	VRAMBytes   int64     `json:"vram_bytes"`
	DriverMajor int       `json:"driver_major"`
	Path        string    `json:"path"` // dump directory on the instance
}

// Snapshot is one entry in the deduplicating backup store.
// Content-addressed: identical trees share underlying data.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Tags     []string  `json:"tags,omitempty"`
	Paths    []string  `json:"paths"`
}

// SnapshotSummary is the result of a snapshot create
type SnapshotSummary struct {
	SnapshotID      string        `json:"snapshot_id"`
	FilesNew        int64         `json:"files_new"`
	FilesChanged    int64         `json:"files_changed"`
	FilesUnmodified int64         `json:"files_unmodified"`
	DataAdded       int64         `json:"data_added"`
	TotalBytes      int64         `json:"total_bytes_processed"`
	Duration        time.Duration `json:"duration"`
}

// RestoreResult is the result of a snapshot restore.
// FileErrors holds per-file problems that did not abort the restore;
// chown failures land here rather than failing the operation.
type RestoreResult struct {
	SnapshotID    string   `json:"snapshot_id"`
	FilesRestored int64    `json:"files_restored"`
	BytesRestored int64    `json:"bytes_restored"`
	FileErrors    []string `json:"file_errors,omitempty"`
	Verified      bool     `json:"verified"`
}

// PruneResult reports what a prune removed
type PruneResult struct {
	SnapshotsRemoved int   `json:"snapshots_removed"`
	BytesReclaimed   int64 `json:"bytes_reclaimed"`
}
