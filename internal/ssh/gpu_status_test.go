package ssh

import (
	"strings"
	"testing"
)

func TestParseNvidiaSMI(t *testing.T) {
	output := "NVIDIA GeForce RTX 4090, 1234, 24564, 45, 65, 250.00"

	status, err := ParseNvidiaSMI(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status.Name != "NVIDIA GeForce RTX 4090" {
		t.Errorf("expected GPU name, got %q", status.Name)
	}
	if status.MemoryUsedMB != 1234 {
		t.Errorf("expected memory used 1234, got %d", status.MemoryUsedMB)
	}
	if status.UtilizationPct != 45 {
		t.Errorf("expected utilization 45, got %d", status.UtilizationPct)
	}
	if status.PowerDrawW != 250 {
		t.Errorf("expected power 250, got %d", status.PowerDrawW)
	}
}

func TestParseNvidiaSMI_MultiGPUTakesFirst(t *testing.T) {
	output := "RTX 4090, 100, 24564, 10, 50, 100\nRTX 4090, 200, 24564, 90, 70, 300"

	status, err := ParseNvidiaSMI(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.MemoryUsedMB != 100 {
		t.Errorf("expected first GPU, got memory used %d", status.MemoryUsedMB)
	}
}

func TestParseNvidiaSMI_Errors(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"empty", ""},
		{"too few fields", "RTX 4090, 100, 24564"},
		{"garbage memory", "RTX 4090, abc, 24564, 10, 50, 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseNvidiaSMI(tt.output); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParseNvidiaSMI_NAFields(t *testing.T) {
	output := "Tesla T4, 0, 15360, 0, 42, [N/A]"

	status, err := ParseNvidiaSMI(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.PowerDrawW != 0 {
		t.Errorf("expected N/A power to parse as 0, got %d", status.PowerDrawW)
	}
}

func TestParseMultiGPUNvidiaSMI(t *testing.T) {
	output := "RTX 4090, 100, 24564, 10, 50, 100\nRTX 4090, 200, 24564, 90, 70, 300"

	statuses, err := ParseMultiGPUNvidiaSMI(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 GPUs, got %d", len(statuses))
	}
	if statuses[1].UtilizationPct != 90 {
		t.Errorf("expected second GPU utilization 90, got %d", statuses[1].UtilizationPct)
	}
}

func TestParseDriverVersion(t *testing.T) {
	version, major, err := ParseDriverVersion("570.86.15\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != "570.86.15" {
		t.Errorf("expected full version, got %q", version)
	}
	if major != 570 {
		t.Errorf("expected major 570, got %d", major)
	}
}

func TestParseDriverVersion_Errors(t *testing.T) {
	if _, _, err := ParseDriverVersion(""); err == nil {
		t.Error("expected error on empty output")
	}
	if _, _, err := ParseDriverVersion("not-a-version"); err == nil {
		t.Error("expected error on garbage output")
	}
}

func TestGPUStatusIsHealthy(t *testing.T) {
	healthy := &GPUStatus{TemperatureC: 65, MemoryUsedMB: 1000, MemoryTotalMB: 24564}
	if !healthy.IsHealthy() {
		t.Error("expected healthy GPU")
	}

	hot := &GPUStatus{TemperatureC: 95, MemoryUsedMB: 1000, MemoryTotalMB: 24564}
	if hot.IsHealthy() {
		t.Error("expected overheating GPU to be unhealthy")
	}

	full := &GPUStatus{TemperatureC: 60, MemoryUsedMB: 24564, MemoryTotalMB: 24564}
	if full.IsHealthy() {
		t.Error("expected memory-exhausted GPU to be unhealthy")
	}
}

func TestGPUStatusString(t *testing.T) {
	s := (&GPUStatus{Name: "RTX 4090", MemoryUsedMB: 100, MemoryTotalMB: 24564,
		UtilizationPct: 45, TemperatureC: 65, PowerDrawW: 250}).String()
	if !strings.Contains(s, "RTX 4090") || !strings.Contains(s, "45% util") {
		t.Errorf("unexpected string: %q", s)
	}
}
