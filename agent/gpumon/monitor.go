// Package gpumon samples GPU state on the instance via nvidia-smi.
package gpumon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// commandTimeout bounds one nvidia-smi invocation
	commandTimeout = 5 * time.Second

	queryFields = "name,utilization.gpu,memory.used,memory.total,temperature.gpu"
)

// Monitor queries per-GPU statistics via nvidia-smi
type Monitor struct {
	logger *slog.Logger
}

// NewMonitor creates a new GPU monitor
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger}
}

// Sample returns current per-GPU metrics. If nvidia-smi is missing or
// fails, an empty metrics struct and nil error come back so a CPU-only
// or broken-driver host still heartbeats.
func (m *Monitor) Sample(ctx context.Context) (*models.GPUMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu="+queryFields,
		"--format=csv,noheader,nounits")

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(err, exec.ErrNotFound):
			m.logger.Warn("nvidia-smi not found, GPU monitoring unavailable")
		case errors.As(err, &exitErr):
			m.logger.Warn("nvidia-smi failed",
				slog.String("error", err.Error()),
				slog.String("stderr", string(exitErr.Stderr)))
		case ctx.Err() != nil:
			m.logger.Warn("nvidia-smi timed out", slog.Duration("timeout", commandTimeout))
		default:
			m.logger.Warn("nvidia-smi execution failed", slog.String("error", err.Error()))
		}
		return &models.GPUMetrics{}, nil
	}

	metrics, err := parseOutput(string(output))
	if err != nil {
		m.logger.Warn("failed to parse nvidia-smi output",
			slog.String("error", err.Error()),
			slog.String("output", string(output)))
		return &models.GPUMetrics{}, nil
	}
	return metrics, nil
}

// parseOutput parses one csv line per GPU. The first GPU is treated as
// the primary for the scalar utilization field.
func parseOutput(output string) (*models.GPUMetrics, error) {
	metrics := &models.GPUMetrics{}

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) != 5 {
			return nil, fmt.Errorf("unexpected csv format: expected 5 fields, got %d", len(parts))
		}

		name := strings.TrimSpace(parts[0])

		util, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse utilization: %w", err)
		}
		memUsed, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse memory used: %w", err)
		}
		memTotal, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse memory total: %w", err)
		}
		temp, err := strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse temperature: %w", err)
		}

		metrics.GPUNames = append(metrics.GPUNames, name)
		metrics.GPUUtilizations = append(metrics.GPUUtilizations, util)
		metrics.GPUMemoryUsed = append(metrics.GPUMemoryUsed, memUsed)
		metrics.GPUMemoryTotal = append(metrics.GPUMemoryTotal, memTotal)
		metrics.GPUTemperatures = append(metrics.GPUTemperatures, temp)
		metrics.GPUCount++
	}

	if metrics.GPUCount == 0 {
		return nil, errors.New("no GPU data found")
	}

	metrics.Utilization = metrics.GPUUtilizations[0]
	return metrics, nil
}
