// Package drm defines the resource driver contract: how a job description
// becomes a backend submission, and how backend states map to the canonical
// job states reported to the scheduler.
package drm

//go:generate mockgen -source=driver.go -package=drm -destination=driver_mock.go

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/metagrid/gwmad/config/resconfig"
	"github.com/metagrid/gwmad/transport"
)

// Driver submits and tracks jobs on one kind of backend. Remote effects go
// through the Transport the driver was constructed with.
type Driver interface {
	// BuildDescriptor renders the backend's job description, ex. a PBS script.
	BuildDescriptor(job *Job, p *Parameters) (string, error)

	// Submit stages descriptor to job.RemoteWrapper and submits it,
	// returning the backend handle.
	Submit(ctx context.Context, job *Job, descriptor string) (string, error)

	// Status queries the backend for job.Handle.
	Status(ctx context.Context, job *Job) (State, error)

	Cancel(ctx context.Context, job *Job) error
}

// Purger is implemented by drivers whose backend keeps finished jobs until
// told to forget them.
type Purger interface {
	Purge(ctx context.Context, job *Job) error
}

// Factory builds a driver for res, talking through tr.
type Factory func(res resconfig.Resource, tr transport.Transport) (Driver, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a driver available under an lrms kind. It panics if kind
// is registered twice or factory is nil.
func Register(kind string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("drm: Register factory is nil")
	}
	if _, dup := factories[kind]; dup {
		panic("drm: Register called twice for kind " + kind)
	}
	factories[kind] = factory
}

// Kinds returns the registered lrms kinds, sorted.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds the driver registered for kind.
func New(kind string, res resconfig.Resource, tr transport.Transport) (Driver, error) {
	factoriesMu.RLock()
	factory, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown lrms %q for resource %s", kind, res.Name)
	}
	return factory(res, tr)
}
