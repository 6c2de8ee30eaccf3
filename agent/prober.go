// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/zeroclaw-labs/fleetlink/wire"
)

// StatusProber answers status commands with the node's resource
// figures.
type StatusProber interface {
	Probe(ctx context.Context) (wire.StatusReport, error)
}

// systemProber reads live figures from the host.
type systemProber struct{}

var _ StatusProber = systemProber{}

func (systemProber) Probe(ctx context.Context) (wire.StatusReport, error) {
	// Interval zero compares against the previous call instead of
	// blocking to sample.
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return wire.StatusReport{}, fmt.Errorf("agent: probing cpu: %w", err)
	}
	virtualMemory, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return wire.StatusReport{}, fmt.Errorf("agent: probing memory: %w", err)
	}
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return wire.StatusReport{}, fmt.Errorf("agent: probing uptime: %w", err)
	}

	report := wire.StatusReport{
		MemoryPercent: virtualMemory.UsedPercent,
		UptimeSecs:    uptime,
	}
	if len(cpuPercents) > 0 {
		report.CPUPercent = cpuPercents[0]
	}
	return report, nil
}
