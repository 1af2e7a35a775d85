package stores

import (
	"context"
	"sort"
	"sync"

	"github.com/quadnix/octo-sub002/pkg/errs"
)

// MemoryStateProvider keeps documents in memory. It is meant for tests and dry runs.
type MemoryStateProvider struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	locked bool
}

// NewMemoryStateProvider creates an empty in-memory provider.
func NewMemoryStateProvider() *MemoryStateProvider {
	return &MemoryStateProvider{docs: make(map[string][]byte)}
}

// GetState returns a copy of the document, or def when there is none.
func (p *MemoryStateProvider) GetState(_ context.Context, name string, def []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	data, ok := p.docs[name]
	if !ok {
		return def, nil
	}
	return append([]byte(nil), data...), nil
}

// SaveState stores a copy of data under name.
func (p *MemoryStateProvider) SaveState(_ context.Context, name string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[name] = append([]byte(nil), data...)
	return nil
}

// ListStates returns the sorted document names.
func (p *MemoryStateProvider) ListStates(context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.docs))
	for name := range p.docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Lock fails when the provider is already locked.
func (p *MemoryStateProvider) Lock(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locked {
		return errLocked("memory")
	}
	p.locked = true
	return nil
}

// Unlock releases the lock.
func (p *MemoryStateProvider) Unlock(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked = false
	return nil
}

func errLocked(where string) error {
	return errs.NewStateError("state is locked by another transaction", nil).
		WithCode(errs.ErrCodeLocked).WithResource(where)
}
