// Package snapshot drives restic on remote instances to back workspace
// directories into an S3-compatible object store. All operations run on
// the remote side over SSH; credentials are shipped per command through
// the environment and never written to disk on the instance.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/ssh"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	DefaultCreateTimeout  = 1 * time.Hour
	DefaultRestoreTimeout = 30 * time.Minute
	DefaultListTimeout    = 60 * time.Second
)

// S3Config points restic at the object store
type S3Config struct {
	Endpoint  string // https://<account>.r2.cloudflarestorage.com
	Bucket    string
	AccessKey string
	SecretKey string
	Password  string // restic repository encryption password
}

// Validate checks that every field needed to reach the store is set
func (c S3Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("s3 endpoint is required")
	case c.Bucket == "":
		return fmt.Errorf("s3 bucket is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return fmt.Errorf("s3 access credentials are required")
	case c.Password == "":
		return fmt.Errorf("repository password is required")
	}
	return nil
}

func (c S3Config) repository() string {
	endpoint := strings.TrimSuffix(c.Endpoint, "/")
	return fmt.Sprintf("s3:%s/%s", endpoint, c.Bucket)
}

// commandRunner executes a shell command on a remote host. The concrete
// implementation dials SSH per call; tests substitute a fake.
type commandRunner interface {
	Run(ctx context.Context, host string, port int, cmd string) (stdout, stderr string, err error)
}

type sshRunner struct {
	executor   *ssh.Executor
	user       string
	privateKey string
}

func (r *sshRunner) Run(ctx context.Context, host string, port int, cmd string) (string, string, error) {
	conn, err := r.executor.Connect(ctx, host, port, r.user, r.privateKey)
	if err != nil {
		return "", "", fmt.Errorf("connecting to %s:%d: %w", host, port, err)
	}
	defer conn.Close()
	return r.executor.RunCommand(ctx, conn, cmd)
}

// Engine runs snapshot operations against remote instances
type Engine struct {
	s3     S3Config
	runner commandRunner

	createTimeout  time.Duration
	restoreTimeout time.Duration
	listTimeout    time.Duration
}

// Option configures the Engine
type Option func(*Engine)

// WithCreateTimeout overrides the backup ceiling
func WithCreateTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.createTimeout = d
	}
}

// WithRestoreTimeout overrides the restore ceiling
func WithRestoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.restoreTimeout = d
	}
}

// WithListTimeout overrides the ceiling for list, delete, and prune
func WithListTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.listTimeout = d
	}
}

func withRunner(r commandRunner) Option {
	return func(e *Engine) {
		e.runner = r
	}
}

// NewEngine creates an engine that connects as user with privateKey
func NewEngine(s3 S3Config, user, privateKey string, opts ...Option) (*Engine, error) {
	if err := s3.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		s3: s3,
		runner: &sshRunner{
			executor:   ssh.NewExecutor(ssh.WithExecutorCommandTimeout(DefaultCreateTimeout)),
			user:       user,
			privateKey: privateKey,
		},
		createTimeout:  DefaultCreateTimeout,
		restoreTimeout: DefaultRestoreTimeout,
		listTimeout:    DefaultListTimeout,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// restic builds the full remote command line with credentials in the
// environment of that single invocation
func (e *Engine) restic(args string) string {
	return fmt.Sprintf(
		"AWS_ACCESS_KEY_ID=%q AWS_SECRET_ACCESS_KEY=%q RESTIC_REPOSITORY=%q RESTIC_PASSWORD=%q restic %s",
		e.s3.AccessKey, e.s3.SecretKey, e.s3.repository(), e.s3.Password, args)
}

// ensureRepo initializes the repository on first use. restic init on an
// existing repository fails, so probe the config object first.
func (e *Engine) ensureRepo(ctx context.Context, host string, port int) error {
	if _, _, err := e.runner.Run(ctx, host, port, e.restic("cat config")); err == nil {
		return nil
	}
	_, stderr, err := e.runner.Run(ctx, host, port, e.restic("init"))
	if err != nil && !strings.Contains(stderr, "already initialized") &&
		!strings.Contains(stderr, "already exists") {
		return &Error{Op: "init", Stderr: tail(stderr), Err: err}
	}
	return nil
}

// Create backs up sourcePath on the instance into the repository
func (e *Engine) Create(ctx context.Context, host string, port int, sourcePath string, tags []string) (*models.SnapshotSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, e.createTimeout)
	defer cancel()

	if err := e.ensureRepo(ctx, host, port); err != nil {
		return nil, err
	}

	args := fmt.Sprintf("backup %q --json", sourcePath)
	for _, tag := range tags {
		args += fmt.Sprintf(" --tag %q", tag)
	}

	start := time.Now()
	stdout, stderr, err := e.runner.Run(ctx, host, port, e.restic(args))
	metrics.SnapshotDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &Error{Op: "backup", Stderr: tail(stderr), Err: err}
	}

	summary, err := parseBackupSummary(stdout)
	if err != nil {
		return nil, &Error{Op: "backup", Stderr: tail(stderr), Err: err}
	}
	summary.Duration = time.Since(start)

	slog.Info("snapshot created",
		slog.String("host", host),
		slog.String("snapshot_id", summary.SnapshotID),
		slog.Int64("data_added", summary.DataAdded),
		slog.Duration("duration", summary.Duration))
	return summary, nil
}

// List returns snapshots in the repository, optionally filtered to one
// backup hostname. The command runs on the given instance; any host
// with the tool and credentials can enumerate the shared repository.
func (e *Engine) List(ctx context.Context, host string, port int, hostFilter string) ([]models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.listTimeout)
	defer cancel()

	args := "snapshots --json"
	if hostFilter != "" {
		args += fmt.Sprintf(" --host %q", hostFilter)
	}

	stdout, stderr, err := e.runner.Run(ctx, host, port, e.restic(args))
	if err != nil {
		return nil, &Error{Op: "snapshots", Stderr: tail(stderr), Err: err}
	}
	return parseSnapshotList(stdout)
}

// Restore restores a snapshot into targetPath on the instance. Per-file
// ownership errors are collected on the result instead of failing the
// restore; unprivileged targets cannot chown.
func (e *Engine) Restore(ctx context.Context, snapshotID, host string, port int, targetPath string, verify bool) (*models.RestoreResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.restoreTimeout)
	defer cancel()

	args := fmt.Sprintf("restore %q --target %q --json", snapshotID, targetPath)

	start := time.Now()
	stdout, stderr, err := e.runner.Run(ctx, host, port, e.restic(args))
	metrics.SnapshotDuration.WithLabelValues("restore").Observe(time.Since(start).Seconds())

	benign, fatal := classifyRestoreErrors(stderr)
	if err != nil && len(fatal) > 0 {
		return nil, &Error{Op: "restore", Stderr: strings.Join(fatal, "\n"), Err: err}
	}

	result, perr := parseRestoreSummary(stdout)
	if perr != nil {
		if err != nil {
			return nil, &Error{Op: "restore", Stderr: tail(stderr), Err: err}
		}
		return nil, &Error{Op: "restore", Stderr: tail(stderr), Err: perr}
	}
	result.SnapshotID = snapshotID
	result.FileErrors = benign

	if verify {
		vctx, vcancel := context.WithTimeout(context.Background(), e.listTimeout)
		defer vcancel()
		if _, _, verr := e.runner.Run(vctx, host, port, e.restic("check")); verr == nil {
			result.Verified = true
		} else {
			slog.Warn("post-restore verification failed",
				slog.String("snapshot_id", snapshotID),
				slog.String("error", verr.Error()))
		}
	}

	slog.Info("snapshot restored",
		slog.String("host", host),
		slog.String("snapshot_id", snapshotID),
		slog.Int64("files", result.FilesRestored),
		slog.Int("file_errors", len(result.FileErrors)))
	return result, nil
}

// Delete removes one snapshot and its unreferenced data
func (e *Engine) Delete(ctx context.Context, host string, port int, snapshotID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.listTimeout)
	defer cancel()

	args := fmt.Sprintf("forget %q --prune", snapshotID)
	if _, stderr, err := e.runner.Run(ctx, host, port, e.restic(args)); err != nil {
		return &Error{Op: "forget", Stderr: tail(stderr), Err: err}
	}
	return nil
}

// Prune keeps the newest keepLast snapshots per host and drops the rest
func (e *Engine) Prune(ctx context.Context, host string, port int, keepLast int) (*models.PruneResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.listTimeout)
	defer cancel()

	args := fmt.Sprintf("forget --keep-last %d --prune --json", keepLast)

	start := time.Now()
	stdout, stderr, err := e.runner.Run(ctx, host, port, e.restic(args))
	metrics.SnapshotDuration.WithLabelValues("prune").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &Error{Op: "prune", Stderr: tail(stderr), Err: err}
	}

	result := &models.PruneResult{
		SnapshotsRemoved: parseForgetRemoved(stdout),
		BytesReclaimed:   parseFreedBytes(stdout + "\n" + stderr),
	}
	return result, nil
}

// Error is a failed remote snapshot operation with the stderr tail
type Error struct {
	Op     string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("restic %s: %v: %s", e.Op, e.Err, e.Stderr)
	}
	return fmt.Sprintf("restic %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
