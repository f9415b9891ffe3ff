package registry

import (
	"context"
	"sync"
)

// Repository is the persistence contract for service registrations. The
// pub/sub channel carries cross-instance invalidation events: peers reload
// when a registration changes anywhere.
type Repository interface {
	List(ctx context.Context) ([]*ServiceRegistration, error)
	Upsert(ctx context.Context, reg *ServiceRegistration) error
	Delete(ctx context.Context, serviceID string) (bool, error)

	// Publish announces that serviceID changed.
	Publish(ctx context.Context, serviceID string) error
	// Subscribe invokes fn for every announcement until ctx is cancelled.
	Subscribe(ctx context.Context, fn func(serviceID string)) error
}

// MemoryRepository is the in-process repository used in single-instance
// deployments and tests.
type MemoryRepository struct {
	mu        sync.RWMutex
	items     map[string]*ServiceRegistration
	listeners []func(string)
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]*ServiceRegistration)}
}

func (m *MemoryRepository) List(ctx context.Context) ([]*ServiceRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ServiceRegistration, 0, len(m.items))
	for _, reg := range m.items {
		out = append(out, reg)
	}
	return out, nil
}

func (m *MemoryRepository) Upsert(ctx context.Context, reg *ServiceRegistration) error {
	m.mu.Lock()
	m.items[reg.ServiceID] = reg
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) Delete(ctx context.Context, serviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[serviceID]; !ok {
		return false, nil
	}
	delete(m.items, serviceID)
	return true, nil
}

func (m *MemoryRepository) Publish(ctx context.Context, serviceID string) error {
	m.mu.RLock()
	listeners := append([]func(string){}, m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(serviceID)
	}
	return nil
}

func (m *MemoryRepository) Subscribe(ctx context.Context, fn func(serviceID string)) error {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}
