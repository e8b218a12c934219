package services

import (
	"fmt"
	"sync"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
)

type executorKey struct {
	connType domain.ConnectionType
	family   domain.OSFamily
}

// ExecutorRegistry maps a host's connection type and OS family to the
// transport that can run commands on it.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[executorKey]ports.RemoteExecutor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[executorKey]ports.RemoteExecutor)}
}

// Register installs exec for every OS family of connType.
func (r *ExecutorRegistry) Register(connType domain.ConnectionType, exec ports.RemoteExecutor) {
	r.RegisterFor(connType, "", exec)
}

// RegisterFor installs exec for one OS family; it wins over Register.
func (r *ExecutorRegistry) RegisterFor(connType domain.ConnectionType, family domain.OSFamily, exec ports.RemoteExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executorKey{connType: connType, family: family}] = exec
}

func (r *ExecutorRegistry) Lookup(host domain.Host) (ports.RemoteExecutor, error) {
	connType := host.ConnectionType
	if connType == "" {
		connType = domain.ConnectionSSH
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if exec, ok := r.executors[executorKey{connType: connType, family: host.OSFamily()}]; ok {
		return exec, nil
	}
	if exec, ok := r.executors[executorKey{connType: connType}]; ok {
		return exec, nil
	}
	return nil, fmt.Errorf("%w: type %s", ErrNoExecutor, connType)
}
