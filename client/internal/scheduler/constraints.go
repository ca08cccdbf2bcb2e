package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/net"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultIdleCPUPercent is the total CPU usage below which the device counts as idle.
	DefaultIdleCPUPercent = 20.0
	cpuSampleWindow       = time.Second
)

// Constraints must all hold before a job body is dispatched.
type Constraints struct {
	NetworkAvailable bool
	DeviceIdle       bool
}

func (c Constraints) String() string {
	var parts []string
	if c.NetworkAvailable {
		parts = append(parts, "network")
	}
	if c.DeviceIdle {
		parts = append(parts, "idle")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

func (c Constraints) satisfied(ctx context.Context, conditions Conditions) bool {
	if conditions == nil {
		return true
	}
	if c.NetworkAvailable && !conditions.NetworkAvailable(ctx) {
		return false
	}
	if c.DeviceIdle && !conditions.DeviceIdle(ctx) {
		return false
	}
	return true
}

// Conditions evaluates the constraint predicates.
type Conditions interface {
	NetworkAvailable(ctx context.Context) bool
	DeviceIdle(ctx context.Context) bool
}

// SystemConditions reads the predicates from the host.
type SystemConditions struct {
	IdleCPUPercent float64
}

// NetworkAvailable reports whether a non-loopback interface is up and has an address.
func (c SystemConditions) NetworkAvailable(ctx context.Context) bool {
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		log.Debugf("failed to list interfaces: %v", err)
		return false
	}

	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		if len(iface.Addrs) > 0 {
			return true
		}
	}
	return false
}

// DeviceIdle samples total CPU usage for one second.
func (c SystemConditions) DeviceIdle(ctx context.Context) bool {
	threshold := c.IdleCPUPercent
	if threshold <= 0 {
		threshold = DefaultIdleCPUPercent
	}

	percents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil || len(percents) == 0 {
		log.Debugf("failed to sample cpu usage: %v", err)
		return false
	}

	return percents[0] < threshold
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
