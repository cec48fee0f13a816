package corba

import (
	"context"
	"sort"
	"sync"
)

// DynamicServant is a DynamicImplementation whose operations are added at
// run time instead of through the skeleton table.
type DynamicServant struct {
	repositoryID string

	mu         sync.RWMutex
	operations map[string]Handler
}

// NewDynamicServant creates a new dynamic servant
func NewDynamicServant(repoID string) *DynamicServant {
	return &DynamicServant{
		repositoryID: repoID,
		operations:   make(map[string]Handler),
	}
}

// RepositoryID returns the interface the servant implements
func (ds *DynamicServant) RepositoryID() string {
	return ds.repositoryID
}

// AddOperation adds a new operation to the dynamic servant, replacing any
// previous handler of the same name.
func (ds *DynamicServant) AddOperation(name string, handler Handler) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.operations[name] = handler
}

// Operations lists the operation names of the servant
func (ds *DynamicServant) Operations() []string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	names := make([]string, 0, len(ds.operations))
	for name := range ds.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke is called when a request arrives for an operation with no
// skeleton entry.
func (ds *DynamicServant) Invoke(ctx context.Context, req *ServerRequest) error {
	ds.mu.RLock()
	handler, ok := ds.operations[req.Operation]
	ds.mu.RUnlock()
	if !ok {
		return ErrNoSuchOperation.WithDescription("operation %s not defined in dynamic servant %s", req.Operation, ds.repositoryID)
	}
	return handler(ctx, req)
}
