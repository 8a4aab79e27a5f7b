package netutil

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/nantic/servctl/internal/errs"
)

// ListenFunc opens a listener; it matches net.Listen.
type ListenFunc func(network, address string) (net.Listener, error)

// Allocator hands out free ephemeral TCP ports by binding ":0" and reading
// back the kernel's choice.
//
// A returned port is only known to be free at the moment its listener was
// closed. Another process may grab it before the backend binds it; callers
// accept that race.
type Allocator struct {
	Host   string // bind host, default "" (all interfaces)
	Listen ListenFunc
	log    *slog.Logger
}

// NewAllocator creates an Allocator. If logger is nil, slog.Default() is used.
func NewAllocator(logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{Listen: net.Listen, log: logger}
}

// Reserve returns n distinct free ports.
//
// All listeners are held open until n ports have been collected, so the
// kernel cannot hand the same port out twice within one call. A bind error
// is retried; n consecutive bind errors fail the call with
// errs.ErrResourceUnavailable.
func (a *Allocator) Reserve(n int) ([]int, error) {
	if n <= 0 {
		return []int{}, nil
	}
	listen := a.Listen
	if listen == nil {
		listen = net.Listen
	}
	log := a.log
	if log == nil {
		log = slog.Default()
	}

	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			if err := l.Close(); err != nil {
				log.Warn("close listener after port allocation", "addr", l.Addr().String(), "error", err)
			}
		}
	}()

	ports := make([]int, 0, n)
	seen := make(map[int]struct{}, n)
	failures := 0
	var lastErr error
	for len(ports) < n {
		l, err := listen("tcp", net.JoinHostPort(a.Host, "0"))
		if err != nil {
			failures++
			lastErr = err
			log.Debug("bind ephemeral port failed", "attempt", failures, "error", err)
			if failures >= n {
				return nil, fmt.Errorf("%w: bind failed %d consecutive times: %v", errs.ErrResourceUnavailable, failures, lastErr)
			}
			continue
		}
		failures = 0
		listeners = append(listeners, l)
		tcpAddr, ok := l.Addr().(*net.TCPAddr)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected address type %T", errs.ErrResourceUnavailable, l.Addr())
		}
		if _, dup := seen[tcpAddr.Port]; dup {
			continue
		}
		seen[tcpAddr.Port] = struct{}{}
		ports = append(ports, tcpAddr.Port)
	}
	return ports, nil
}
