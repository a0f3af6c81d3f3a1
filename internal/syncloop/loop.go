// Package syncloop keeps a GPU workspace mirrored onto its CPU standby.
// Each round pulls the GPU workspace into a relay directory on the
// control host, then pushes the relay to the standby; the transport
// cannot move files host-to-host directly.
package syncloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/internal/filetransfer"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	DefaultInterval = 30 * time.Second
	MinInterval     = 2 * time.Second
	MaxInterval     = 3600 * time.Second

	// failureEventThreshold consecutive failures emit one sync_fail
	// event; the loop itself never stops on failure
	failureEventThreshold = 3
)

// ClampInterval forces an interval into the supported range
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	}
	return d
}

// RoundResult is the outcome of one pull+push round
type RoundResult struct {
	GPUInstanceID int64
	BytesCopied   int64
	FilesCopied   int
	FilesDeleted  int
	Duration      time.Duration
	Err           error
}

// mirror is the directory replication contract the loop needs from the
// transfer layer
type mirror interface {
	Pull(ctx context.Context, remoteDir, localDir string) (*filetransfer.MirrorResult, error)
	Push(ctx context.Context, localDir, remoteDir string) (*filetransfer.MirrorResult, error)
}

// SpaceChecker reports free gigabytes on the push destination
type SpaceChecker interface {
	FreeGB(ctx context.Context) (float64, error)
}

// Loop mirrors one association until stopped
type Loop struct {
	gpuInstanceID int64
	source        mirror
	dest          mirror
	sourcePath    string
	destPath      string
	relayDir      string
	interval      time.Duration
	destSpace     SpaceChecker
	minFreeGB     float64

	events  models.EventSink
	onRound func(RoundResult)

	consecutiveFailures int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Config assembles one loop
type Config struct {
	GPUInstanceID int64
	Source        filetransfer.Credentials // GPU side
	Dest          filetransfer.Credentials // CPU side
	SourcePath    string
	DestPath      string
	RelayDir      string
	Interval      time.Duration
	BandwidthCap  int64        // bytes/sec, 0 = unlimited
	DestSpace     SpaceChecker // nil disables the free-space gate
	MinFreeGB     float64      // floor for the gate

	Events  models.EventSink
	OnRound func(RoundResult) // counter persistence hook, may be nil
}

// New builds a loop; Start must be called to run it
func New(cfg Config) (*Loop, error) {
	if err := cfg.Source.Validate(); err != nil {
		return nil, fmt.Errorf("source credentials: %w", err)
	}
	if err := cfg.Dest.Validate(); err != nil {
		return nil, fmt.Errorf("dest credentials: %w", err)
	}
	if cfg.SourcePath == "" || cfg.DestPath == "" || cfg.RelayDir == "" {
		return nil, fmt.Errorf("source, dest, and relay paths are required")
	}

	opts := []filetransfer.Option{filetransfer.WithExcludes(filetransfer.DefaultExcludes)}
	if cfg.BandwidthCap > 0 {
		opts = append(opts, filetransfer.WithBandwidthLimit(cfg.BandwidthCap))
	}

	events := cfg.Events
	if events == nil {
		events = models.NopSink{}
	}

	return &Loop{
		gpuInstanceID: cfg.GPUInstanceID,
		source:        filetransfer.New(cfg.Source, opts...),
		dest:          filetransfer.New(cfg.Dest, opts...),
		sourcePath:    cfg.SourcePath,
		destPath:      cfg.DestPath,
		relayDir:      cfg.RelayDir,
		interval:      ClampInterval(cfg.Interval),
		destSpace:     cfg.DestSpace,
		minFreeGB:     cfg.MinFreeGB,
		events:        events,
		onRound:       cfg.OnRound,
	}, nil
}

// Start launches the loop. The first round runs immediately. Calling
// Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	l.running = true

	go l.run(ctx)
}

// Stop halts the loop and waits for any in-flight round to finish.
// Idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
}

// IsRunning reports whether the loop is active
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.round(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.round(ctx)
		}
	}
}

// round performs one gated pull+push
func (l *Loop) round(ctx context.Context) {
	start := time.Now()
	result := RoundResult{GPUInstanceID: l.gpuInstanceID}
	result.Err = l.mirrorOnce(ctx, &result)
	result.Duration = time.Since(start)

	metrics.RecordSyncRound(result.Duration, result.Err)
	l.observe(result)

	if l.onRound != nil {
		l.onRound(result)
	}
}

// mirrorOnce checks destination space, then pulls and pushes. A failed
// step aborts the round so the standby never receives a half-updated
// relay.
func (l *Loop) mirrorOnce(ctx context.Context, result *RoundResult) error {
	if l.destSpace != nil {
		free, err := l.destSpace.FreeGB(ctx)
		if err != nil {
			return fmt.Errorf("checking standby free space: %w", err)
		}
		if free < l.minFreeGB {
			return fmt.Errorf("standby low on space: %.1fGB free, %.1fGB required", free, l.minFreeGB)
		}
	}

	pull, err := l.source.Pull(ctx, l.sourcePath, l.relayDir)
	if err != nil {
		return fmt.Errorf("pulling workspace: %w", err)
	}
	result.add(pull)

	push, err := l.dest.Push(ctx, l.relayDir, l.destPath)
	if err != nil {
		return fmt.Errorf("pushing workspace: %w", err)
	}
	result.add(push)
	return nil
}

func (r *RoundResult) add(m *filetransfer.MirrorResult) {
	r.BytesCopied += m.BytesCopied
	r.FilesCopied += m.FilesCopied
	r.FilesDeleted += m.FilesDeleted
}

func (l *Loop) observe(result RoundResult) {
	if result.Err == nil {
		l.consecutiveFailures = 0
		slog.Debug("sync round complete",
			slog.Int64("gpu_instance_id", l.gpuInstanceID),
			slog.Int("files", result.FilesCopied),
			slog.Int64("bytes", result.BytesCopied),
			slog.Duration("duration", result.Duration))
		return
	}

	l.consecutiveFailures++
	slog.Warn("sync round failed",
		slog.Int64("gpu_instance_id", l.gpuInstanceID),
		slog.Int("consecutive_failures", l.consecutiveFailures),
		slog.String("error", result.Err.Error()))

	if l.consecutiveFailures == failureEventThreshold {
		l.events.Record(models.FleetEvent{
			Type:       models.EventSyncFail,
			InstanceID: l.gpuInstanceID,
			Detail: map[string]any{
				"consecutive_failures": l.consecutiveFailures,
				"error":                result.Err.Error(),
			},
		})
	}
}
