package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	m := NewMetrics()

	m.WorkerRuns.WithLabelValues("restart_eligible").Inc()
	m.Restarts.Inc()
	m.UpdatesApplied.Inc()
	m.UpdateFailures.WithLabelValues("fetch").Inc()
	m.Notifications.WithLabelValues("sent").Inc()
	m.RestartDelay.Set(5)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"keeper_worker_runs_total":     false,
		"keeper_restarts_total":        false,
		"keeper_updates_applied_total": false,
		"keeper_update_failures_total": false,
		"keeper_notifications_total":   false,
		"keeper_restart_delay_seconds": false,
	}
	for _, fam := range families {
		if _, ok := want[fam.GetName()]; ok {
			want[fam.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.WorkerRuns.WithLabelValues("success").Inc()
	m.RestartDelay.Set(10)

	path := filepath.Join(t.TempDir(), "exports", "keeper.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `keeper_worker_runs_total{outcome="success"} 1`) {
		t.Errorf("export missing run counter:\n%s", text)
	}
	if !strings.Contains(text, "keeper_restart_delay_seconds 10") {
		t.Errorf("export missing delay gauge:\n%s", text)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary export file left behind")
	}
}
