package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sampler produces one SystemHealth gauge reading.
type Sampler interface {
	Sample(ctx context.Context) (SystemHealth, error)
}

// SamplerFunc adapts a function into a Sampler.
type SamplerFunc func(ctx context.Context) (SystemHealth, error)

func (f SamplerFunc) Sample(ctx context.Context) (SystemHealth, error) { return f(ctx) }

// HostSampler reads host gauges through gopsutil and probes network
// reachability with a TCP dial.
type HostSampler struct {
	DiskPath     string        // Filesystem to measure (default "/")
	ProbeAddress string        // host:port to dial; empty means always reachable
	ProbeTimeout time.Duration // default 2s
	CPUWindow    time.Duration // CPU measurement window (default 200ms)
}

// NewHostSampler creates a HostSampler with defaults for empty fields.
func NewHostSampler(diskPath, probeAddress string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{
		DiskPath:     diskPath,
		ProbeAddress: probeAddress,
		ProbeTimeout: 2 * time.Second,
		CPUWindow:    200 * time.Millisecond,
	}
}

// Sample reads CPU, memory and disk utilisation and probes the network.
// Individual gauge errors are joined; gauges that could not be read stay zero.
func (h *HostSampler) Sample(ctx context.Context) (SystemHealth, error) {
	var (
		s    SystemHealth
		errs []error
	)

	if pcts, err := cpu.PercentWithContext(ctx, h.CPUWindow, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(pcts) > 0 {
		s.CPU = pcts[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		s.Memory = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, h.DiskPath); err != nil {
		errs = append(errs, fmt.Errorf("disk %s: %w", h.DiskPath, err))
	} else {
		s.Disk = du.UsedPercent
	}

	s.NetworkReachable = h.Reachable(ctx)

	return s, errors.Join(errs...)
}

// Reachable dials ProbeAddress once.
func (h *HostSampler) Reachable(ctx context.Context) bool {
	if h.ProbeAddress == "" {
		return true
	}

	d := net.Dialer{Timeout: h.ProbeTimeout}
	conn, err := d.DialContext(ctx, "tcp", h.ProbeAddress)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
