package snapshot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gpufleet/gpufleet/pkg/models"
)

const stderrTailLines = 10

// backupSummary is the final --json line of a backup run
type backupSummary struct {
	MessageType         string  `json:"message_type"`
	SnapshotID          string  `json:"snapshot_id"`
	FilesNew            int64   `json:"files_new"`
	FilesChanged        int64   `json:"files_changed"`
	FilesUnmodified     int64   `json:"files_unmodified"`
	DataAdded           int64   `json:"data_added"`
	TotalFilesProcessed int64   `json:"total_files_processed"`
	TotalBytesProcessed int64   `json:"total_bytes_processed"`
	TotalDuration       float64 `json:"total_duration"`
}

// parseBackupSummary scans the line-oriented JSON output for the final
// summary record; progress lines before it are skipped
func parseBackupSummary(output string) (*models.SnapshotSummary, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var s backupSummary
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			continue
		}
		if s.MessageType != "summary" {
			continue
		}
		return &models.SnapshotSummary{
			SnapshotID:      s.SnapshotID,
			FilesNew:        s.FilesNew,
			FilesChanged:    s.FilesChanged,
			FilesUnmodified: s.FilesUnmodified,
			DataAdded:       s.DataAdded,
			TotalBytes:      s.TotalBytesProcessed,
		}, nil
	}
	return nil, fmt.Errorf("no summary line in backup output")
}

type restoreSummary struct {
	MessageType   string `json:"message_type"`
	TotalFiles    int64  `json:"total_files"`
	FilesRestored int64  `json:"files_restored"`
	TotalBytes    int64  `json:"total_bytes"`
	BytesRestored int64  `json:"bytes_restored"`
}

func parseRestoreSummary(output string) (*models.RestoreResult, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var s restoreSummary
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			continue
		}
		if s.MessageType != "summary" {
			continue
		}
		files := s.FilesRestored
		if files == 0 {
			files = s.TotalFiles
		}
		bytes := s.BytesRestored
		if bytes == 0 {
			bytes = s.TotalBytes
		}
		return &models.RestoreResult{
			FilesRestored: files,
			BytesRestored: bytes,
		}, nil
	}
	return nil, fmt.Errorf("no summary line in restore output")
}

// parseSnapshotList decodes the JSON array emitted by the list command
func parseSnapshotList(output string) ([]models.Snapshot, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var snapshots []models.Snapshot
	if err := json.Unmarshal([]byte(trimmed), &snapshots); err != nil {
		return nil, fmt.Errorf("parsing snapshot list: %w", err)
	}
	return snapshots, nil
}

// classifyRestoreErrors splits stderr lines into benign per-file
// problems and fatal errors. Ownership changes fail on unprivileged
// targets and must not abort the restore.
func classifyRestoreErrors(stderr string) (benign, fatal []string) {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "chown") || strings.Contains(lower, "lchown") ||
			strings.Contains(lower, "operation not permitted") {
			benign = append(benign, line)
			continue
		}
		if strings.Contains(lower, "error") || strings.Contains(lower, "fatal") {
			fatal = append(fatal, line)
		}
	}
	return benign, fatal
}

// forgetGroup is one host/path group in the forget --json output
type forgetGroup struct {
	Remove []struct {
		ID string `json:"id"`
	} `json:"remove"`
}

func parseForgetRemoved(output string) int {
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		var groups []forgetGroup
		if err := json.Unmarshal([]byte(line), &groups); err != nil {
			continue
		}
		removed := 0
		for _, g := range groups {
			removed += len(g.Remove)
		}
		return removed
	}
	return 0
}

var freedRe = regexp.MustCompile(`this frees ([0-9.]+)\s*([KMGT]?i?B)`)

// parseFreedBytes extracts the reclaimed size from prune output.
// Best-effort; zero when the tool reports nothing to free.
func parseFreedBytes(output string) int64 {
	m := freedRe.FindStringSubmatch(output)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	var mult float64
	switch strings.ToUpper(strings.TrimSuffix(m[2], "iB")) {
	case "K":
		mult = 1 << 10
	case "M":
		mult = 1 << 20
	case "G":
		mult = 1 << 30
	case "T":
		mult = 1 << 40
	default:
		mult = 1
	}
	return int64(value * mult)
}

// tail keeps the last few stderr lines for error reporting
func tail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) > stderrTailLines {
		lines = lines[len(lines)-stderrTailLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
