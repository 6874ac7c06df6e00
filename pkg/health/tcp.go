package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// TCPProbe only checks that a connection can be opened.
type TCPProbe struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func NewTCPProbe(host string, port int, timeout time.Duration) *TCPProbe {
	return &TCPProbe{Host: host, Port: port, Timeout: timeout}
}

func (t *TCPProbe) Check(ctx context.Context) types.HealthCheckResult {
	start := time.Now()
	dialer := &net.Dialer{Timeout: t.Timeout}
	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return types.HealthCheckResult{
			Success: false, Outcome: types.HealthUnhealthy,
			ElapsedMS: elapsedMS(start),
			Message:   fmt.Sprintf("connection failed: %v", err),
		}
	}
	conn.Close()

	return types.HealthCheckResult{
		Success: true, Outcome: types.HealthHealthy,
		ElapsedMS: elapsedMS(start),
		Message:   fmt.Sprintf("TCP connection to %s succeeded", addr),
	}
}
