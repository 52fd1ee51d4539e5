// Package telemetry samples host health for the local bus publisher.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"pricerelay/config"
)

const mb = 1024 * 1024

// Sample is the JSON document published on the bus.
type Sample struct {
	// CPUTemperature is in degrees Celsius; nil when the host exposes no
	// thermal zone.
	CPUTemperature  *float64 `json:"cpu_temperature"`
	CPUUsagePercent float64  `json:"cpu_usage_percent"`
	MemoryUsedMB    float64  `json:"memory_used_mb"`
	MemoryTotalMB   float64  `json:"memory_total_mb"`
	DiskUsedPercent float64  `json:"disk_used_percent"`
	NetworkSentMB   float64  `json:"network_sent_mb"`
	NetworkRecvMB   float64  `json:"network_recv_mb"`
}

var (
	cpuPercentFn = func(ctx context.Context, window time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, window, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
	netCountersFn = func(ctx context.Context) ([]gnet.IOCountersStat, error) {
		return gnet.IOCountersWithContext(ctx, false)
	}
)

type Sampler struct {
	thermalZone string
	diskPath    string
	// cpuWindow is how long CPU usage is measured for.
	cpuWindow time.Duration
}

func NewSampler(cfg config.PublisherConfig) *Sampler {
	return &Sampler{
		thermalZone: cfg.ThermalZone,
		diskPath:    cfg.DiskPath,
		cpuWindow:   time.Second,
	}
}

// Sample collects one reading. It blocks for the CPU measurement window.
func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	var out Sample

	temp, err := ReadTemperature(s.thermalZone)
	if err != nil {
		return out, err
	}
	out.CPUTemperature = temp

	cpuPercent, err := cpuPercentFn(ctx, s.cpuWindow)
	if err != nil {
		return out, fmt.Errorf("cpu usage: %w", err)
	}
	if len(cpuPercent) > 0 {
		out.CPUUsagePercent = cpuPercent[0]
	}

	vm, err := memoryStatsFn(ctx)
	if err != nil {
		return out, fmt.Errorf("memory usage: %w", err)
	}
	out.MemoryUsedMB = float64(vm.Used) / mb
	out.MemoryTotalMB = float64(vm.Total) / mb

	du, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return out, fmt.Errorf("disk usage of %s: %w", s.diskPath, err)
	}
	out.DiskUsedPercent = du.UsedPercent

	counters, err := netCountersFn(ctx)
	if err != nil {
		return out, fmt.Errorf("network counters: %w", err)
	}
	if len(counters) > 0 {
		out.NetworkSentMB = float64(counters[0].BytesSent) / mb
		out.NetworkRecvMB = float64(counters[0].BytesRecv) / mb
	}

	return out, nil
}

// ReadTemperature reads a sysfs thermal zone in millidegrees Celsius. A
// missing file yields nil without error.
func ReadTemperature(path string) (*float64, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read thermal zone %s: %w", path, err)
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse thermal zone %s: %w", path, err)
	}
	celsius := float64(milli) / 1000.0
	return &celsius, nil
}
