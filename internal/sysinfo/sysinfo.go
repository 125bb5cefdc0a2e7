// Package sysinfo summarizes host health for operator alerts.
package sysinfo

import (
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Summary returns a one-line host status: load average, memory pressure and
// uptime. Metrics that cannot be read are simply omitted; the summary is
// alert garnish, not telemetry.
func Summary() string {
	var parts []string

	if avg, err := load.Avg(); err == nil {
		parts = append(parts, fmt.Sprintf("load %.2f/%.2f/%.2f", avg.Load1, avg.Load5, avg.Load15))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		parts = append(parts, fmt.Sprintf("mem %.0f%%", vm.UsedPercent))
	}

	if secs, err := host.Uptime(); err == nil {
		parts = append(parts, "up "+formatUptime(time.Duration(secs)*time.Second))
	}

	if len(parts) == 0 {
		return ""
	}
	return "host: " + strings.Join(parts, ", ")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
