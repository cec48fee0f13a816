package corba

import (
	"context"
	"sort"
	"sync"
)

// Handler serves one operation of an interface. The servant is available
// as req.Servant; results are set with req.SetResult.
type Handler func(ctx context.Context, req *ServerRequest) error

type skeletonKey struct {
	iface     string
	operation string
}

// SkeletonTable maps (interface, operation) pairs to handlers
type SkeletonTable struct {
	mu       sync.RWMutex
	handlers map[skeletonKey]Handler
}

// NewSkeletonTable creates an empty skeleton table
func NewSkeletonTable() *SkeletonTable {
	return &SkeletonTable{
		handlers: make(map[skeletonKey]Handler),
	}
}

// RegisterSkeleton installs the handler for one operation of an interface
func (t *SkeletonTable) RegisterSkeleton(iface, operation string, handler Handler) error {
	if iface == "" || operation == "" {
		return BAD_PARAM(5, CompletionStatusNo).WithDescription("skeleton needs interface and operation names")
	}
	if handler == nil {
		return BAD_PARAM(6, CompletionStatusNo).WithDescription("nil handler for %s.%s", iface, operation)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := skeletonKey{iface, operation}
	if _, exists := t.handlers[key]; exists {
		return BAD_PARAM(7, CompletionStatusNo).WithDescription("skeleton %s.%s already registered", iface, operation)
	}
	t.handlers[key] = handler
	return nil
}

// RegisterInterface installs handlers for several operations of an interface
func (t *SkeletonTable) RegisterInterface(iface string, operations map[string]Handler) error {
	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := t.RegisterSkeleton(iface, name, operations[name]); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the handler for an operation of an interface
func (t *SkeletonTable) Lookup(iface, operation string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[skeletonKey{iface, operation}]
	return h, ok
}

// Operations lists the operations registered for an interface
func (t *SkeletonTable) Operations(iface string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ops []string
	for key := range t.handlers {
		if key.iface == iface {
			ops = append(ops, key.operation)
		}
	}
	sort.Strings(ops)
	return ops
}
