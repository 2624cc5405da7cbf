package resconfig

import (
	"sync"
)

// MemProvider serves definitions held in memory. Set marks it changed, so
// the next HasChanged call reports true until Load.
type MemProvider struct {
	mu        sync.Mutex
	pending   map[string]Resource
	resources map[string]Resource
	loadErr   error
	knownLrms []string
	changed   bool
}

var _ Provider = (*MemProvider)(nil)

func NewMemProvider(resources map[string]Resource, knownLrms ...string) *MemProvider {
	p := &MemProvider{knownLrms: knownLrms}
	p.Set(resources)
	return p
}

// Set replaces the definitions returned by the next Load.
func (p *MemProvider) Set(resources map[string]Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = make(map[string]Resource, len(resources))
	for name, r := range resources {
		r.Name = name
		p.pending[name] = r
	}
	p.changed = true
}

// FailLoad makes Load return err until cleared with nil.
func (p *MemProvider) FailLoad(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadErr = err
	p.changed = true
}

func (p *MemProvider) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return p.loadErr
	}
	p.resources = p.pending
	p.changed = false
	return nil
}

func (p *MemProvider) HasChanged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

func (p *MemProvider) Resources() map[string]Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Resource, len(p.resources))
	for k, v := range p.resources {
		out[k] = v
	}
	return out
}

func (p *MemProvider) Validate() []string {
	return Validate(p.Resources(), p.knownLrms)
}
