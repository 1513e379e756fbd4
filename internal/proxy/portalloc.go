package proxy

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out local ports for the proxy server. Allocate
// may return a fallback port when the preferred one is occupied.
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}

// ProbeAllocator probes ports by binding them briefly. The probe is
// inherently racy against other processes; the server start path
// handles a lost bind race by releasing and failing.
type ProbeAllocator struct {
	preferred     int
	fallbackRange int

	mu   sync.Mutex
	held map[int]bool
}

func NewProbeAllocator(preferred, fallbackRange int) *ProbeAllocator {
	return &ProbeAllocator{
		preferred:     preferred,
		fallbackRange: fallbackRange,
		held:          make(map[int]bool),
	}
}

func (a *ProbeAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.preferred; port <= a.preferred+a.fallbackRange; port++ {
		if port < 1 || port > 65535 {
			return 0, fmt.Errorf("port %d out of range", port)
		}
		if a.held[port] {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		_ = ln.Close()
		a.held[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d", a.preferred, a.preferred+a.fallbackRange)
}

func (a *ProbeAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, port)
}
