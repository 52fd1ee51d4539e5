package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricerelay/config"
)

func TestReadTemperature(t *testing.T) {
	path := filepath.Join(t.TempDir(), "temp")
	require.NoError(t, os.WriteFile(path, []byte("48312\n"), 0o600))

	temp, err := ReadTemperature(path)
	require.NoError(t, err)
	require.NotNil(t, temp)
	assert.InDelta(t, 48.312, *temp, 1e-9)
}

func TestReadTemperatureMissing(t *testing.T) {
	temp, err := ReadTemperature(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Nil(t, temp)
}

func TestReadTemperatureGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "temp")
	require.NoError(t, os.WriteFile(path, []byte("hot"), 0o600))

	_, err := ReadTemperature(path)
	assert.Error(t, err)
}

func TestSampleWithoutThermalZone(t *testing.T) {
	s := NewSampler(config.PublisherConfig{
		ThermalZone: filepath.Join(t.TempDir(), "absent"),
		DiskPath:    t.TempDir(),
	})
	s.cpuWindow = 0

	sample, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sample.CPUTemperature)
	assert.Greater(t, sample.MemoryTotalMB, 0.0)

	data, err := json.Marshal(sample)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "cpu_temperature")
	assert.Nil(t, doc["cpu_temperature"])
	for _, key := range []string{"cpu_usage_percent", "memory_used_mb", "disk_used_percent", "network_sent_mb", "network_recv_mb"} {
		assert.Contains(t, doc, key)
	}
}

func TestSampleConvertsUnits(t *testing.T) {
	originalCPU, originalMem, originalDisk, originalNet := cpuPercentFn, memoryStatsFn, diskUsageFn, netCountersFn
	t.Cleanup(func() {
		cpuPercentFn, memoryStatsFn, diskUsageFn, netCountersFn = originalCPU, originalMem, originalDisk, originalNet
	})

	cpuPercentFn = func(ctx context.Context, window time.Duration) ([]float64, error) {
		return []float64{12.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 512 * mb, Total: 2048 * mb}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{UsedPercent: 61.2}, nil
	}
	netCountersFn = func(ctx context.Context) ([]gnet.IOCountersStat, error) {
		return []gnet.IOCountersStat{{BytesSent: 3 * mb, BytesRecv: mb / 2}}, nil
	}

	zone := filepath.Join(t.TempDir(), "temp")
	require.NoError(t, os.WriteFile(zone, []byte("51000"), 0o600))

	sample, err := NewSampler(config.PublisherConfig{ThermalZone: zone, DiskPath: "/"}).Sample(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sample.CPUTemperature)
	assert.Equal(t, 51.0, *sample.CPUTemperature)
	assert.Equal(t, 12.5, sample.CPUUsagePercent)
	assert.Equal(t, 512.0, sample.MemoryUsedMB)
	assert.Equal(t, 2048.0, sample.MemoryTotalMB)
	assert.Equal(t, 61.2, sample.DiskUsedPercent)
	assert.Equal(t, 3.0, sample.NetworkSentMB)
	assert.Equal(t, 0.5, sample.NetworkRecvMB)
}
