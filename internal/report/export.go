package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/common/expfmt"
)

// WriteTextfile dumps the registry in Prometheus text exposition format,
// atomically, so a node_exporter textfile collector can pick up the last
// supervisor state even after the process exits.
func (m *Metrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}
