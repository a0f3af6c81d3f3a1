package checkpoint

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// parseComputeApps picks the GPU process to checkpoint from
// nvidia-smi --query-compute-apps output (pid, process_name,
// used_memory MiB per line). The largest VRAM consumer wins.
func parseComputeApps(output string) (pid int, name string, err error) {
	var bestVRAM int64 = -1

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			continue
		}

		p, perr := strconv.Atoi(strings.TrimSpace(fields[0]))
		if perr != nil {
			continue
		}
		vram, verr := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if verr != nil {
			vram = 0
		}

		if vram > bestVRAM {
			bestVRAM = vram
			pid = p
			name = strings.TrimSpace(fields[1])
		}
	}

	if bestVRAM < 0 {
		return 0, "", fmt.Errorf("no compute process found on device")
	}
	return pid, name, nil
}

// parseProcessVRAM returns bytes of device memory used by pid.
// nvidia-smi reports MiB.
func parseProcessVRAM(output string, pid int) (int64, error) {
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) < 2 {
			continue
		}
		p, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil || p != pid {
			continue
		}
		mib, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing vram %q: %w", strings.TrimSpace(fields[1]), err)
		}
		return mib << 20, nil
	}
	return 0, fmt.Errorf("pid %d not found in compute process list", pid)
}

func base64Of(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
