package ssh

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// DiskUsage is per-mount usage parsed from df on a remote host
type DiskUsage struct {
	Mounts []Mount
}

// Mount is one filesystem line of df output
type Mount struct {
	Device  string
	TotalGB float64
	UsedGB  float64
	FreeGB  float64
	UsedPct int
	Path    string
}

// FreeGB returns free space on the root mount, falling back to the
// roomiest mount when no root line is present
func (u *DiskUsage) FreeGB() float64 {
	var best float64
	for _, m := range u.Mounts {
		if m.Path == "/" {
			return m.FreeGB
		}
		if m.FreeGB > best {
			best = m.FreeGB
		}
	}
	return best
}

// String summarizes every mount on one line
func (u *DiskUsage) String() string {
	if len(u.Mounts) == 0 {
		return "no mounts"
	}
	parts := make([]string, len(u.Mounts))
	for i, m := range u.Mounts {
		parts[i] = fmt.Sprintf("%s %.0f/%.0fGB %d%% %s",
			m.Device, m.UsedGB, m.TotalGB, m.UsedPct, m.Path)
	}
	return strings.Join(parts, "; ")
}

// ParseDF reads `df -BG` output. Header lines and lines that do not
// look like a mount are skipped rather than failing the whole read;
// df output varies across images.
func ParseDF(output string) *DiskUsage {
	usage := &DiskUsage{}
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isDFHeader(line) {
			continue
		}
		if m, ok := parseMountLine(line); ok {
			usage.Mounts = append(usage.Mounts, m)
		}
	}
	return usage
}

func isDFHeader(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "filesystem") || strings.Contains(lower, "mounted on")
}

// parseMountLine reads one df data line: device, size, used, avail,
// use%, mount point
func parseMountLine(line string) (Mount, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return Mount{}, false
	}

	total, err1 := parseGigabytes(fields[1])
	used, err2 := parseGigabytes(fields[2])
	free, err3 := parseGigabytes(fields[3])
	pct, err4 := strconv.Atoi(strings.TrimSuffix(fields[4], "%"))
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return Mount{}, false
	}

	return Mount{
		Device:  fields[0],
		TotalGB: total,
		UsedGB:  used,
		FreeGB:  free,
		UsedPct: pct,
		Path:    fields[len(fields)-1],
	}, true
}

func parseGigabytes(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "G")
	if s == "" || s == "-" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// DiskProbe measures free space on one host. Each call opens its own
// connection, so a probe is safe to share across goroutines.
type DiskProbe struct {
	exec       *Executor
	host       string
	port       int
	user       string
	privateKey string
}

// NewDiskProbe builds a probe bound to a fixed host
func NewDiskProbe(host string, port int, user, privateKey string) *DiskProbe {
	return &DiskProbe{
		exec:       NewExecutor(),
		host:       host,
		port:       port,
		user:       user,
		privateKey: privateKey,
	}
}

// FreeGB connects, runs df, and reports free gigabytes
func (p *DiskProbe) FreeGB(ctx context.Context) (float64, error) {
	conn, err := p.exec.Connect(ctx, p.host, p.port, p.user, p.privateKey)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	usage, err := p.exec.GetDiskUsage(ctx, conn)
	if err != nil {
		return 0, err
	}
	return usage.FreeGB(), nil
}
