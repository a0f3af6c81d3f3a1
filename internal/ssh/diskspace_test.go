package ssh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDF(t *testing.T) {
	output := `Filesystem     1G-blocks  Used Available Use% Mounted on
/dev/sda2           440G  128G      290G  31% /
/dev/sda1             1G    1G        0G 100% /boot/efi`

	usage := ParseDF(output)
	require.Len(t, usage.Mounts, 2)

	root := usage.Mounts[0]
	assert.Equal(t, "/dev/sda2", root.Device)
	assert.Equal(t, 440.0, root.TotalGB)
	assert.Equal(t, 128.0, root.UsedGB)
	assert.Equal(t, 290.0, root.FreeGB)
	assert.Equal(t, 31, root.UsedPct)
	assert.Equal(t, "/", root.Path)

	assert.Equal(t, "/boot/efi", usage.Mounts[1].Path)
}

func TestParseDF_WithoutGSuffix(t *testing.T) {
	output := `Filesystem     1G-blocks  Used Available Use% Mounted on
/dev/vda1            50    20       28  40% /`

	usage := ParseDF(output)
	require.Len(t, usage.Mounts, 1)
	assert.Equal(t, 28.0, usage.Mounts[0].FreeGB)
	assert.Equal(t, 40, usage.Mounts[0].UsedPct)
}

func TestParseDF_SkipsNoise(t *testing.T) {
	output := `Filesystem     1G-blocks  Used Available Use% Mounted on
df: /run/user/0: permission denied
/dev/vda1            50G   20G      28G  40% /`

	usage := ParseDF(output)
	require.Len(t, usage.Mounts, 1)
	assert.Equal(t, "/dev/vda1", usage.Mounts[0].Device)
}

func TestParseDF_Empty(t *testing.T) {
	assert.Empty(t, ParseDF("").Mounts)
	assert.Empty(t, ParseDF("Filesystem 1G-blocks Used Available Use% Mounted on").Mounts)
}

func TestDiskUsage_FreeGB(t *testing.T) {
	tests := []struct {
		name   string
		mounts []Mount
		want   float64
	}{
		{"no mounts", nil, 0},
		{"root only", []Mount{{FreeGB: 50, Path: "/"}}, 50},
		{"root preferred over roomier mount", []Mount{
			{FreeGB: 200, Path: "/data"},
			{FreeGB: 50, Path: "/"},
		}, 50},
		{"roomiest mount when no root", []Mount{
			{FreeGB: 10, Path: "/boot"},
			{FreeGB: 200, Path: "/data"},
		}, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &DiskUsage{Mounts: tt.mounts}
			assert.Equal(t, tt.want, u.FreeGB())
		})
	}
}

func TestDiskUsage_String(t *testing.T) {
	u := &DiskUsage{}
	assert.Equal(t, "no mounts", u.String())

	u.Mounts = []Mount{
		{Device: "/dev/sda1", TotalGB: 100, UsedGB: 45, FreeGB: 50, UsedPct: 45, Path: "/"},
	}
	assert.Contains(t, u.String(), "/dev/sda1")
	assert.Contains(t, u.String(), "45%")
}
