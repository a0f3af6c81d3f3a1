package ssh

import (
	"fmt"
	"strconv"
	"strings"
)

// GPUStatus represents parsed nvidia-smi output for one GPU
type GPUStatus struct {
	Name           string
	MemoryUsedMB   int64
	MemoryTotalMB  int64
	UtilizationPct int
	TemperatureC   int
	PowerDrawW     int
}

// MemoryUsedPct returns the percentage of GPU memory in use
func (g *GPUStatus) MemoryUsedPct() float64 {
	if g.MemoryTotalMB == 0 {
		return 0
	}
	return float64(g.MemoryUsedMB) / float64(g.MemoryTotalMB) * 100
}

// IsHealthy returns true if the GPU appears to be functioning normally
func (g *GPUStatus) IsHealthy() bool {
	return g.TemperatureC < 90 && g.MemoryUsedMB < g.MemoryTotalMB
}

func (g *GPUStatus) String() string {
	return fmt.Sprintf("%s: %dMB/%dMB (%.1f%%), %d%% util, %dC, %dW",
		g.Name, g.MemoryUsedMB, g.MemoryTotalMB, g.MemoryUsedPct(),
		g.UtilizationPct, g.TemperatureC, g.PowerDrawW)
}

// ParseNvidiaSMI parses one line of CSV output from:
// nvidia-smi --query-gpu=name,memory.used,memory.total,utilization.gpu,temperature.gpu,power.draw --format=csv,noheader,nounits
// Multi-GPU output is handled by taking the first GPU.
func ParseNvidiaSMI(output string) (*GPUStatus, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, fmt.Errorf("empty nvidia-smi output")
	}

	line := strings.TrimSpace(strings.Split(output, "\n")[0])
	parts := strings.Split(line, ",")
	if len(parts) < 6 {
		return nil, fmt.Errorf("invalid nvidia-smi output: expected 6 fields, got %d (%q)", len(parts), line)
	}

	status := &GPUStatus{Name: strings.TrimSpace(parts[0])}
	if status.Name == "" {
		return nil, fmt.Errorf("empty GPU name in nvidia-smi output")
	}

	memUsed, err := parseIntField(parts[1], "memory.used")
	if err != nil {
		return nil, err
	}
	status.MemoryUsedMB = int64(memUsed)

	memTotal, err := parseIntField(parts[2], "memory.total")
	if err != nil {
		return nil, err
	}
	status.MemoryTotalMB = int64(memTotal)

	if status.UtilizationPct, err = parseIntField(parts[3], "utilization.gpu"); err != nil {
		return nil, err
	}
	if status.TemperatureC, err = parseIntField(parts[4], "temperature.gpu"); err != nil {
		return nil, err
	}
	if status.PowerDrawW, err = parseFloatAsInt(parts[5], "power.draw"); err != nil {
		return nil, err
	}

	return status, nil
}

// ParseMultiGPUNvidiaSMI parses nvidia-smi CSV output, one GPUStatus per line
func ParseMultiGPUNvidiaSMI(output string) ([]*GPUStatus, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, fmt.Errorf("empty nvidia-smi output")
	}

	var statuses []*GPUStatus
	for i, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		status, err := ParseNvidiaSMI(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GPU %d: %w", i, err)
		}
		statuses = append(statuses, status)
	}

	if len(statuses) == 0 {
		return nil, fmt.Errorf("no GPUs found in nvidia-smi output")
	}
	return statuses, nil
}

// ParseDriverVersion extracts the NVIDIA driver version from
// "nvidia-smi --query-gpu=driver_version --format=csv,noheader" output
// and returns the full version string plus its major component. The
// driver major decides which checkpoint mechanism a machine supports.
func ParseDriverVersion(output string) (version string, major int, err error) {
	version = strings.TrimSpace(strings.Split(strings.TrimSpace(output), "\n")[0])
	if version == "" {
		return "", 0, fmt.Errorf("empty driver version output")
	}

	majorStr := strings.SplitN(version, ".", 2)[0]
	major, err = strconv.Atoi(majorStr)
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse driver version %q: %w", version, err)
	}
	return version, major, nil
}

func parseIntField(s, fieldName string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "[N/A]" || s == "N/A" {
		return 0, nil
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s %q: %w", fieldName, s, err)
	}
	return val, nil
}

// parseFloatAsInt handles fields like power.draw that report decimals ("250.00")
func parseFloatAsInt(s, fieldName string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "[N/A]" || s == "N/A" {
		return 0, nil
	}
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s %q: %w", fieldName, s, err)
	}
	return int(val), nil
}
