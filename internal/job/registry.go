package job

import (
	"errors"
	"fmt"
	"sync"
)

// Registry errors.
var (
	ErrHandlerExists    = errors.New("handler already registered")
	ErrUnknownJobType   = errors.New("no handler registered for job type")
	ErrNilHandler       = errors.New("handler cannot be nil")
	ErrEmptyRegistryKey = errors.New("queue and job type cannot be empty")
)

// Registry maps (queue, type) pairs to handlers. The type field is the
// handler discriminator within a queue, so two queues may reuse a type
// name with different handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a (queue, type) pair. Duplicate
// registration is a programming error and is rejected.
func (r *Registry) Register(queue, jobType string, h Handler) error {
	if queue == "" || jobType == "" {
		return ErrEmptyRegistryKey
	}
	if h == nil {
		return ErrNilHandler
	}

	key := registryKey(queue, jobType)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("%w: %s/%s", ErrHandlerExists, queue, jobType)
	}
	r.handlers[key] = h
	return nil
}

// Lookup returns the handler for a (queue, type) pair.
func (r *Registry) Lookup(queue, jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[registryKey(queue, jobType)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownJobType, queue, jobType)
	}
	return h, nil
}

func registryKey(queue, jobType string) string {
	return queue + "/" + jobType
}
