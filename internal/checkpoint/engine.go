// Package checkpoint suspends and resumes GPU processes on remote
// instances with cuda-checkpoint and criu. A dump taken under one
// driver major only restores under the same major; the engine records
// the version on the checkpoint and leaves matching to the caller.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gpufleet/gpufleet/internal/filetransfer"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/ssh"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// checkpointRoot is where dumps live on instances
	checkpointRoot = "/var/lib/gpufleet/checkpoints"

	cudaCheckpointBin = "/usr/local/bin/cuda-checkpoint"

	DefaultOperationTimeout = 10 * time.Minute
	DefaultSetupTimeout     = 5 * time.Minute
)

// S3Mirror holds credentials for the durable checkpoint mirror. The
// instance runs the copy itself so checkpoint bytes never transit the
// control host.
type S3Mirror struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
}

func (m S3Mirror) configured() bool {
	return m.Endpoint != "" && m.Bucket != "" && m.AccessKey != "" && m.SecretKey != ""
}

// Engine drives the remote checkpoint toolchain
type Engine struct {
	executor   *ssh.Executor
	user       string
	privateKey string
	mirror     S3Mirror

	operationTimeout time.Duration
}

// Option configures the Engine
type Option func(*Engine)

// WithOperationTimeout overrides the per-operation ceiling
func WithOperationTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.operationTimeout = d
	}
}

// WithMirror enables the durable S3 mirror
func WithMirror(m S3Mirror) Option {
	return func(e *Engine) {
		e.mirror = m
	}
}

// NewEngine creates an engine that connects as user with privateKey
func NewEngine(user, privateKey string, opts ...Option) *Engine {
	e := &Engine{
		executor:         ssh.NewExecutor(ssh.WithExecutorCommandTimeout(DefaultOperationTimeout)),
		user:             user,
		privateKey:       privateKey,
		operationTimeout: DefaultOperationTimeout,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Setup installs the toolchain on an instance. Safe to call on a
// machine that already has it.
func (e *Engine) Setup(ctx context.Context, host string, port int) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultSetupTimeout)
	defer cancel()

	conn, err := e.connect(ctx, host, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	installed, err := e.executor.FileExists(ctx, conn, cudaCheckpointBin)
	if err != nil {
		return fmt.Errorf("probing toolchain: %w", err)
	}

	steps := []string{
		fmt.Sprintf("sudo mkdir -p %s", checkpointRoot),
		fmt.Sprintf("sudo chown $(whoami) %s", checkpointRoot),
	}
	if !installed {
		steps = append(steps,
			"sudo apt-get update -qq && sudo apt-get install -y -qq criu zstd",
			fmt.Sprintf("sudo curl -fsSL -o %s https://github.com/NVIDIA/cuda-checkpoint/raw/main/bin/x86_64_Linux/cuda-checkpoint", cudaCheckpointBin),
			fmt.Sprintf("sudo chmod +x %s", cudaCheckpointBin),
		)
	}

	for _, step := range steps {
		if out, err := e.executor.RunCommandWithCombinedOutput(ctx, conn, step); err != nil {
			return fmt.Errorf("setup step %q: %w: %s", step, err, tail(out))
		}
	}

	slog.Info("checkpoint toolchain ready",
		slog.String("host", host),
		slog.Bool("installed", !installed))
	return nil
}

// CreateCheckpoint suspends the GPU process on the instance and dumps
// it under the checkpoint root. The device context is re-enabled if the
// dump fails so the workload keeps running.
func (e *Engine) CreateCheckpoint(ctx context.Context, instanceID int64, host string, port int, id string) (*models.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, e.operationTimeout)
	defer cancel()

	if id == "" {
		id = uuid.New().String()[:8]
	}

	conn, err := e.connect(ctx, host, port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	pid, processName, err := e.findGPUProcess(ctx, conn)
	if err != nil {
		metrics.CheckpointsTotal.WithLabelValues("create", "failure").Inc()
		return nil, err
	}

	vram, _ := e.processVRAM(ctx, conn, pid)

	driverVersion, driverMajor, err := e.executor.GetDriverVersion(ctx, conn)
	if err != nil {
		metrics.CheckpointsTotal.WithLabelValues("create", "failure").Inc()
		return nil, fmt.Errorf("reading driver version: %w", err)
	}

	dumpDir := filepath.Join(checkpointRoot, id)

	// Toggle the device context off so criu sees an ordinary process
	toggle := fmt.Sprintf("%s --toggle --pid %d", cudaCheckpointBin, pid)
	if out, err := e.executor.RunCommandWithCombinedOutput(ctx, conn, toggle); err != nil {
		metrics.CheckpointsTotal.WithLabelValues("create", "failure").Inc()
		return nil, fmt.Errorf("suspending device context for pid %d: %w: %s", pid, err, tail(out))
	}

	dump := fmt.Sprintf("mkdir -p %s && sudo criu dump --tree %d --images-dir %s --shell-job --leave-stopped",
		dumpDir, pid, dumpDir)
	if out, err := e.executor.RunCommandWithCombinedOutput(ctx, conn, dump); err != nil {
		// Put the context back so the process is not left headless
		if _, rerr := e.executor.RunCommandWithCombinedOutput(ctx, conn, toggle); rerr != nil {
			slog.Error("rollback toggle failed, process left without device context",
				slog.String("host", host),
				slog.Int("pid", pid),
				slog.String("error", rerr.Error()))
		}
		metrics.CheckpointsTotal.WithLabelValues("create", "failure").Inc()
		return nil, fmt.Errorf("dumping pid %d: %w: %s", pid, err, tail(out))
	}

	size, _ := e.dirSize(ctx, conn, dumpDir)

	cp := &models.Checkpoint{
		ID:          id,
		InstanceID:  instanceID,
		CreatedAt:   time.Now().UTC(),
		SizeBytes:   size,
		ProcessName: processName,
		VRAMBytes:   vram,
		DriverMajor: driverMajor,
		Path:        dumpDir,
	}
	if err := e.writeMeta(ctx, conn, cp); err != nil {
		slog.Warn("failed to write checkpoint metadata",
			slog.String("checkpoint_id", id),
			slog.String("error", err.Error()))
	}

	metrics.CheckpointsTotal.WithLabelValues("create", "success").Inc()
	slog.Info("checkpoint created",
		slog.String("checkpoint_id", id),
		slog.Int64("instance_id", instanceID),
		slog.String("process", processName),
		slog.Int64("size_bytes", size),
		slog.String("driver_version", driverVersion))
	return cp, nil
}

// RestoreCheckpoint resumes a dumped process and re-enables its device
// context. Returns the restored pid.
func (e *Engine) RestoreCheckpoint(ctx context.Context, instanceID int64, host string, port int, id string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.operationTimeout)
	defer cancel()

	conn, err := e.connect(ctx, host, port)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	dumpDir := filepath.Join(checkpointRoot, id)
	exists, err := e.executor.FileExists(ctx, conn, dumpDir)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("checkpoint %s not present on %s", id, host)
	}

	restore := fmt.Sprintf("sudo criu restore --images-dir %s --shell-job --restore-detached --pidfile %s/restored.pid",
		dumpDir, dumpDir)
	if out, err := e.executor.RunCommandWithCombinedOutput(ctx, conn, restore); err != nil {
		metrics.CheckpointsTotal.WithLabelValues("restore", "failure").Inc()
		return 0, fmt.Errorf("restoring checkpoint %s: %w: %s", id, err, tail(out))
	}

	pidOut, err := e.executor.ReadFile(ctx, conn, filepath.Join(dumpDir, "restored.pid"))
	if err != nil {
		metrics.CheckpointsTotal.WithLabelValues("restore", "failure").Inc()
		return 0, fmt.Errorf("reading restored pid: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidOut)))
	if err != nil {
		metrics.CheckpointsTotal.WithLabelValues("restore", "failure").Inc()
		return 0, fmt.Errorf("parsing restored pid %q: %w", strings.TrimSpace(string(pidOut)), err)
	}

	toggle := fmt.Sprintf("%s --toggle --pid %d", cudaCheckpointBin, pid)
	if out, err := e.executor.RunCommandWithCombinedOutput(ctx, conn, toggle); err != nil {
		metrics.CheckpointsTotal.WithLabelValues("restore", "failure").Inc()
		return 0, fmt.Errorf("re-enabling device context for pid %d: %w: %s", pid, err, tail(out))
	}

	metrics.CheckpointsTotal.WithLabelValues("restore", "success").Inc()
	slog.Info("checkpoint restored",
		slog.String("checkpoint_id", id),
		slog.Int64("instance_id", instanceID),
		slog.Int("pid", pid))
	return pid, nil
}

// Endpoint is one side of a checkpoint relocation
type Endpoint struct {
	Host string
	Port int
}

// SyncToMachine relocates a checkpoint from src to dst through the
// control host: compress on src, pull the archive, push it to dst,
// extract. Hosts cannot reach each other directly.
func (e *Engine) SyncToMachine(ctx context.Context, src, dst Endpoint, id string) error {
	ctx, cancel := context.WithTimeout(ctx, e.operationTimeout)
	defer cancel()

	dumpDir := filepath.Join(checkpointRoot, id)
	archive := dumpDir + ".tar.zst"

	srcConn, err := e.connect(ctx, src.Host, src.Port)
	if err != nil {
		return err
	}
	defer srcConn.Close()

	pack := fmt.Sprintf("tar -C %s -cf - %s | zstd -q -o %s -f", checkpointRoot, id, archive)
	if out, err := e.executor.RunCommandWithCombinedOutput(ctx, srcConn, pack); err != nil {
		return fmt.Errorf("compressing checkpoint %s: %w: %s", id, err, tail(out))
	}

	relay, err := os.MkdirTemp("", "gpufleet-ckpt-")
	if err != nil {
		return fmt.Errorf("creating relay dir: %w", err)
	}
	defer os.RemoveAll(relay)
	local := filepath.Join(relay, id+".tar.zst")

	srcTransfer := filetransfer.New(filetransfer.Credentials{
		Host: src.Host, Port: src.Port, User: e.user, PrivateKey: []byte(e.privateKey),
	})
	if err := srcTransfer.Download(ctx, archive, local); err != nil {
		return fmt.Errorf("pulling checkpoint archive: %w", err)
	}

	dstTransfer := filetransfer.New(filetransfer.Credentials{
		Host: dst.Host, Port: dst.Port, User: e.user, PrivateKey: []byte(e.privateKey),
	})
	if err := dstTransfer.Upload(ctx, local, archive); err != nil {
		return fmt.Errorf("pushing checkpoint archive: %w", err)
	}

	dstConn, err := e.connect(ctx, dst.Host, dst.Port)
	if err != nil {
		return err
	}
	defer dstConn.Close()

	unpack := fmt.Sprintf("mkdir -p %s && zstd -q -d -c %s | tar -C %s -xf - && rm -f %s",
		checkpointRoot, archive, checkpointRoot, archive)
	if out, err := e.executor.RunCommandWithCombinedOutput(ctx, dstConn, unpack); err != nil {
		return fmt.Errorf("extracting checkpoint %s on %s: %w: %s", id, dst.Host, err, tail(out))
	}

	slog.Info("checkpoint relocated",
		slog.String("checkpoint_id", id),
		slog.String("src", src.Host),
		slog.String("dst", dst.Host))
	return nil
}

// UploadToR2 mirrors a checkpoint archive into the durable store. The
// instance runs the copy with credentials shipped in the command
// environment.
func (e *Engine) UploadToR2(ctx context.Context, host string, port int, id string) error {
	if !e.mirror.configured() {
		return fmt.Errorf("durable mirror is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.operationTimeout)
	defer cancel()

	conn, err := e.connect(ctx, host, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	dumpDir := filepath.Join(checkpointRoot, id)
	archive := dumpDir + ".tar.zst"

	pack := fmt.Sprintf("test -f %s || tar -C %s -cf - %s | zstd -q -o %s -f", archive, checkpointRoot, id, archive)
	if out, err := e.executor.RunCommandWithCombinedOutput(ctx, conn, pack); err != nil {
		return fmt.Errorf("compressing checkpoint %s: %w: %s", id, err, tail(out))
	}

	cmd := e.s3cp(archive, fmt.Sprintf("s3://%s/checkpoints/%s.tar.zst", e.mirror.Bucket, id))
	if out, err := e.executor.RunCommandWithCombinedOutput(ctx, conn, cmd); err != nil {
		metrics.CheckpointsTotal.WithLabelValues("upload", "failure").Inc()
		return fmt.Errorf("uploading checkpoint %s: %w: %s", id, err, tail(out))
	}

	metrics.CheckpointsTotal.WithLabelValues("upload", "success").Inc()
	return nil
}

// DownloadFromR2 fetches a mirrored checkpoint onto an instance and
// unpacks it under the checkpoint root
func (e *Engine) DownloadFromR2(ctx context.Context, host string, port int, id string) error {
	if !e.mirror.configured() {
		return fmt.Errorf("durable mirror is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.operationTimeout)
	defer cancel()

	conn, err := e.connect(ctx, host, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	archive := filepath.Join(checkpointRoot, id+".tar.zst")

	cmd := fmt.Sprintf("mkdir -p %s && %s", checkpointRoot,
		e.s3cp(fmt.Sprintf("s3://%s/checkpoints/%s.tar.zst", e.mirror.Bucket, id), archive))
	if out, err := e.executor.RunCommandWithCombinedOutput(ctx, conn, cmd); err != nil {
		metrics.CheckpointsTotal.WithLabelValues("download", "failure").Inc()
		return fmt.Errorf("downloading checkpoint %s: %w: %s", id, err, tail(out))
	}

	unpack := fmt.Sprintf("zstd -q -d -c %s | tar -C %s -xf - && rm -f %s", archive, checkpointRoot, archive)
	if out, err := e.executor.RunCommandWithCombinedOutput(ctx, conn, unpack); err != nil {
		metrics.CheckpointsTotal.WithLabelValues("download", "failure").Inc()
		return fmt.Errorf("extracting checkpoint %s: %w: %s", id, err, tail(out))
	}

	metrics.CheckpointsTotal.WithLabelValues("download", "success").Inc()
	return nil
}

// GetCheckpoint reads the metadata record stored next to a dump
func (e *Engine) GetCheckpoint(ctx context.Context, host string, port int, id string) (*models.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, e.operationTimeout)
	defer cancel()

	conn, err := e.connect(ctx, host, port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := e.executor.ReadFile(ctx, conn, filepath.Join(checkpointRoot, id, "checkpoint.json"))
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint metadata: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing checkpoint metadata: %w", err)
	}
	return &cp, nil
}

func (e *Engine) connect(ctx context.Context, host string, port int) (*ssh.Connection, error) {
	conn, err := e.executor.Connect(ctx, host, port, e.user, e.privateKey)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d: %w", host, port, err)
	}
	return conn, nil
}

// findGPUProcess returns the pid and name of the process holding the
// device. Exactly one compute process is assumed; with several, the
// largest VRAM consumer wins.
func (e *Engine) findGPUProcess(ctx context.Context, conn *ssh.Connection) (int, string, error) {
	out, _, err := e.executor.RunCommand(ctx, conn,
		"nvidia-smi --query-compute-apps=pid,process_name,used_memory --format=csv,noheader,nounits")
	if err != nil {
		return 0, "", fmt.Errorf("querying compute processes: %w", err)
	}
	return parseComputeApps(out)
}

// processVRAM returns the device memory used by one pid
func (e *Engine) processVRAM(ctx context.Context, conn *ssh.Connection, pid int) (int64, error) {
	out, _, err := e.executor.RunCommand(ctx, conn,
		"nvidia-smi --query-compute-apps=pid,used_memory --format=csv,noheader,nounits")
	if err != nil {
		return 0, err
	}
	return parseProcessVRAM(out, pid)
}

func (e *Engine) dirSize(ctx context.Context, conn *ssh.Connection, dir string) (int64, error) {
	out, _, err := e.executor.RunCommand(ctx, conn, fmt.Sprintf("du -sb %s | cut -f1", dir))
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing dump size %q: %w", strings.TrimSpace(out), err)
	}
	return size, nil
}

func (e *Engine) writeMeta(ctx context.Context, conn *ssh.Connection, cp *models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("cat > %s", filepath.Join(cp.Path, "checkpoint.json"))
	_, err = e.executor.RunCommandWithCombinedOutput(ctx, conn,
		fmt.Sprintf("echo %s | base64 -d | %s", base64Of(data), cmd))
	return err
}

// s3cp builds a remote aws-cli copy against the mirror endpoint
func (e *Engine) s3cp(src, dst string) string {
	return fmt.Sprintf(
		"AWS_ACCESS_KEY_ID=%q AWS_SECRET_ACCESS_KEY=%q aws s3 cp %s %s --endpoint-url %s --only-show-errors",
		e.mirror.AccessKey, e.mirror.SecretKey, src, dst, e.mirror.Endpoint)
}

func tail(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
