// Package registry holds the engine's two shared tables: resource bindings,
// built on demand from the resource configuration, and the jobs being
// tracked.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metagrid/gwmad/common/stats"
	"github.com/metagrid/gwmad/config/resconfig"
	"github.com/metagrid/gwmad/drm"
	"github.com/metagrid/gwmad/transport"
	"github.com/metagrid/gwmad/transport/local"
	"github.com/metagrid/gwmad/transport/ssh"
)

// HostSeparator joins a site name and one of its hosts, ex. "ngi::ce01.example.org".
const HostSeparator = "::"

// SplitHost splits "site::host" into its parts. A plain name is its own site.
func SplitHost(name string) (site, host string) {
	if i := strings.Index(name, HostSeparator); i >= 0 {
		return name[:i], name[i+len(HostSeparator):]
	}
	return name, ""
}

// Binding is a connected transport and the driver using it, for one
// configured resource.
type Binding struct {
	Resource  resconfig.Resource
	Driver    drm.Driver
	Transport transport.Transport
}

// TransportFactory builds the (unconnected) transport for a resource.
type TransportFactory func(res resconfig.Resource, stat stats.StatsReceiver) (transport.Transport, error)

// NewTransport picks the transport named by res.Communicator.
func NewTransport(res resconfig.Resource, stat stats.StatsReceiver) (transport.Transport, error) {
	switch res.Communicator {
	case resconfig.LocalCommunicator:
		t, err := local.New(res.Name, res.WorkDirectory, res.MaxTransfers, stat)
		if err != nil {
			return nil, err
		}
		return t, nil
	case resconfig.SSHCommunicator, "":
		t, err := ssh.New(ssh.Config{
			Name:          res.Name,
			Frontend:      res.Frontend,
			Username:      res.Username,
			PrivateKey:    res.PrivateKey,
			Proxy:         res.Proxy,
			WorkDirectory: res.WorkDirectory,
			KnownHosts:    res.KnownHosts,
			MaxTransfers:  res.MaxTransfers,
		}, stat)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("'%s' has a wrong communicator '%s'", res.Name, res.Communicator)
}

type slot struct {
	mu      sync.Mutex
	res     resconfig.Resource
	binding *Binding
}

// Resources resolves resource names to bindings, reloading the
// configuration when the provider reports a change.
type Resources struct {
	provider     resconfig.Provider
	newTransport TransportFactory
	stat         stats.StatsReceiver

	// Guards resources, the last configuration that validated.
	cfgMu     sync.Mutex
	resources map[string]resconfig.Resource

	mu      sync.Mutex
	slots   map[string]*slot
	bound   int64
	retired []transport.Transport
	closed  bool
}

// NewResources makes an empty registry. A nil newTransport means NewTransport.
func NewResources(provider resconfig.Provider, newTransport TransportFactory, stat stats.StatsReceiver) *Resources {
	if newTransport == nil {
		newTransport = NewTransport
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Resources{
		provider:     provider,
		newTransport: newTransport,
		stat:         stat,
		slots:        make(map[string]*slot),
	}
}

// Resolve returns the binding for name, plain or site::host, building and
// connecting it on first use. A failed connect is returned and not cached,
// so the next call tries again.
func (r *Resources) Resolve(ctx context.Context, name string) (*Binding, error) {
	res, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("resource registry closed")
	}
	s, ok := r.slots[res.Name]
	if !ok {
		s = &slot{}
		r.slots[res.Name] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding != nil {
		if s.res.Equal(res) {
			return s.binding, nil
		}
		r.retire(s)
	}

	b, err := r.bind(ctx, res)
	if err != nil {
		return nil, err
	}
	s.res, s.binding = res, b
	r.mu.Lock()
	r.bound++
	r.stat.Gauge(stats.RegistryBindingsGauge).Update(r.bound)
	r.mu.Unlock()
	return b, nil
}

// lookup finds the configured entry for name, reloading first if needed.
func (r *Resources) lookup(name string) (resconfig.Resource, error) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	if len(r.resources) == 0 || r.provider.HasChanged() {
		if err := r.reload(); err != nil {
			return resconfig.Resource{}, err
		}
	}

	if res, ok := r.resources[name]; ok && usable(res) {
		return res, nil
	}
	if site, host := SplitHost(name); host != "" {
		if res, ok := r.resources[site]; ok && usable(res) {
			return res, nil
		}
	}
	return resconfig.Resource{}, fmt.Errorf("'%s' is not a configured resource", name)
}

func usable(res resconfig.Resource) bool {
	return res.Enable && res.CloudProvider == ""
}

// reload reads and validates the configuration. Called with cfgMu held.
// An invalid configuration is not installed.
func (r *Resources) reload() error {
	if err := r.provider.Load(); err != nil {
		r.stat.Counter(stats.RegistryConfigInvalidCounter).Inc(1)
		return errors.Wrap(err, "loading resources")
	}
	if msgs := r.provider.Validate(); len(msgs) > 0 {
		r.stat.Counter(stats.RegistryConfigInvalidCounter).Inc(1)
		for _, m := range msgs {
			log.WithFields(log.Fields{"problem": m}).Error("Invalid resource configuration")
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	r.stat.Counter(stats.RegistryConfigReloadsCounter).Inc(1)
	r.resources = r.provider.Resources()

	r.mu.Lock()
	slots := make(map[string]*slot, len(r.slots))
	for name, s := range r.slots {
		slots[name] = s
	}
	r.mu.Unlock()
	for name, s := range slots {
		res, ok := r.resources[name]
		s.mu.Lock()
		if s.binding != nil && (!ok || !s.res.Equal(res)) {
			r.retire(s)
		}
		s.mu.Unlock()
	}
	return nil
}

// retire drops s's binding. Its transport stays open for jobs still holding
// the binding, and is closed with the registry. Called with s.mu held.
func (r *Resources) retire(s *slot) {
	log.WithFields(log.Fields{"resource": s.res.Name}).Info("Resource definition changed, retiring binding")
	r.mu.Lock()
	r.retired = append(r.retired, s.binding.Transport)
	r.bound--
	r.stat.Gauge(stats.RegistryBindingsGauge).Update(r.bound)
	r.mu.Unlock()
	s.binding = nil
}

func (r *Resources) bind(ctx context.Context, res resconfig.Resource) (*Binding, error) {
	stat := r.stat.Scope("resource", res.Name)
	tr, err := r.newTransport(res, stat)
	if err != nil {
		return nil, errors.Wrapf(err, "resource %s", res.Name)
	}
	d, err := drm.New(res.Lrms, res, tr)
	if err != nil {
		tr.Close()
		return nil, err
	}
	if err := tr.Connect(ctx); err != nil {
		r.stat.Counter(stats.RegistryConnectFailCounter).Inc(1)
		tr.Close()
		if !transport.IsComError(err) {
			err = transport.NewComError(res.Name, "connect", err)
		}
		log.WithFields(log.Fields{
			"resource": res.Name,
			"err":      err,
		}).Error("Could not connect to resource")
		return nil, err
	}
	log.WithFields(log.Fields{
		"resource":     res.Name,
		"lrms":         res.Lrms,
		"communicator": res.Communicator,
	}).Info("Resource bound")
	return &Binding{
		Resource:  res,
		Driver:    drm.Instrument(d, stat),
		Transport: tr,
	}, nil
}

// Bound returns the names of the resources with a live binding, sorted.
func (r *Resources) Bound() []string {
	r.mu.Lock()
	slots := make(map[string]*slot, len(r.slots))
	for name, s := range r.slots {
		slots[name] = s
	}
	r.mu.Unlock()

	var names []string
	for name, s := range slots {
		s.mu.Lock()
		if s.binding != nil {
			names = append(names, name)
		}
		s.mu.Unlock()
	}
	sort.Strings(names)
	return names
}

// Close closes every live and retired transport. Resolve fails afterwards.
func (r *Resources) Close() error {
	r.mu.Lock()
	r.closed = true
	trs := r.retired
	r.retired = nil
	slots := r.slots
	r.slots = make(map[string]*slot)
	r.bound = 0
	r.stat.Gauge(stats.RegistryBindingsGauge).Update(0)
	r.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		if s.binding != nil {
			trs = append(trs, s.binding.Transport)
			s.binding = nil
		}
		s.mu.Unlock()
	}
	var first error
	for _, tr := range trs {
		if err := tr.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
