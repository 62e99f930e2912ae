// Package port picks a loopback TCP port for the backend to bind.
package port

import (
	"log/slog"
	"net"
	"strconv"
)

const maxPort = 65535

// Host is the interface every probe binds on; the backend only ever listens
// on loopback.
const Host = "127.0.0.1"

// SelectPort probes [preferred, preferred+rng) in ascending order and returns
// the first port that can be bound. The probe listener is closed before
// returning, so nothing is held. When every candidate is taken the preferred
// port is returned and a warning is logged; the backend will then fail to bind
// and report that through its own lifecycle.
func SelectPort(preferred, rng int) int {
	end := preferred + rng
	if end > maxPort+1 {
		end = maxPort + 1
	}
	for p := preferred; p < end; p++ {
		if Available(p) {
			return p
		}
	}
	slog.Warn("no free port in range, using preferred port",
		"from", preferred, "to", end, "port", preferred)
	return preferred
}

// Available reports whether a listener can be bound on Host:p right now.
func Available(p int) bool {
	if p <= 0 || p > maxPort {
		return false
	}
	l, err := net.Listen("tcp", net.JoinHostPort(Host, strconv.Itoa(p)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
