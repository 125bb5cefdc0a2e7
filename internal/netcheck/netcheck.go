// Package netcheck provides the reachability gate for everything
// network-dependent: repository sync, package installs, environment updates.
package netcheck

import (
	"context"
	"net"
	"time"
)

// Prober checks host reachability. The default implementation dials TCP;
// tests substitute their own.
type Prober interface {
	IsOnline(ctx context.Context, hosts []string, perHostTimeout time.Duration) bool
}

// DialProber probes hosts with net.DialTimeout, in order, returning on the
// first success. No side effects beyond the dial itself.
type DialProber struct {
	// dial is swappable for tests.
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// New creates a DialProber.
func New() *DialProber {
	return &DialProber{dial: net.DialTimeout}
}

// IsOnline returns true as soon as any host accepts a TCP connection.
// Hosts must carry a port ("host:port").
func (p *DialProber) IsOnline(ctx context.Context, hosts []string, perHostTimeout time.Duration) bool {
	if perHostTimeout <= 0 {
		perHostTimeout = 5 * time.Second
	}
	for _, host := range hosts {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		conn, err := p.dial("tcp", host, perHostTimeout)
		if err != nil {
			continue
		}
		conn.Close()
		return true
	}
	return false
}
