// Package resconfig loads the resource definitions the driver submits to.
//
// The configuration is a JSON file, by default $GWMAD_DIR/etc/resources.json:
//
//	{
//	  "resources": {
//	    "meteo": {
//	      "communicator": "ssh",
//	      "frontend": "ui.meteo.unican.es",
//	      "username": "user",
//	      "private_key": "~/.ssh/id_rsa",
//	      "lrms": "pbs",
//	      "features": {"queue": "short", "scratch": "/scratch/user/.drm4g/jobs"}
//	    },
//	    "ngi": {
//	      "communicator": "local",
//	      "lrms": "cream",
//	      "features": {"vo": "esr", "myproxy_server": "myproxy.cern.ch"}
//	    }
//	  }
//	}
//
// Resources default to enabled, the ssh communicator and a "~" work directory.
package resconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	LocalCommunicator = "local"
	SSHCommunicator   = "ssh"
)

// Well-known feature keys.
const (
	FeatureQueue       = "queue"
	FeatureProject     = "project"
	FeatureParallelEnv = "parallel_env"
	FeatureScratch     = "scratch"
	FeatureVO          = "vo"
	FeatureMyProxy     = "myproxy_server"
	FeatureHost        = "host"
	FeatureJM          = "jm"
	FeatureEnvFile     = "env_file"
)

// Resource is one configured compute resource.
type Resource struct {
	// Set from the key in the resources map.
	Name string `json:"-"`

	Enable        bool              `json:"enable"`
	Communicator  string            `json:"communicator"`
	Lrms          string            `json:"lrms"`
	Frontend      string            `json:"frontend,omitempty"`
	Username      string            `json:"username,omitempty"`
	PrivateKey    string            `json:"private_key,omitempty"`
	Proxy         string            `json:"proxy,omitempty"`
	KnownHosts    string            `json:"known_hosts,omitempty"`
	WorkDirectory string            `json:"work_directory,omitempty"`
	CloudProvider string            `json:"cloud_provider,omitempty"`
	MaxTransfers  int               `json:"max_transfers,omitempty"`
	Features      map[string]string `json:"features,omitempty"`
}

func (r *Resource) UnmarshalJSON(data []byte) error {
	type plain Resource
	p := plain{Enable: true, Communicator: SSHCommunicator, WorkDirectory: "~"}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Resource(p)
	return nil
}

// Feature returns the named feature, or "".
func (r Resource) Feature(key string) string {
	return r.Features[key]
}

// Equal reports whether two definitions would produce the same binding.
func (r Resource) Equal(o Resource) bool {
	return reflect.DeepEqual(r, o)
}

func (r Resource) String() string {
	return fmt.Sprintf("%s(lrms=%s, communicator=%s, frontend=%s)", r.Name, r.Lrms, r.Communicator, r.Frontend)
}

// Provider supplies resource definitions and reports when they change.
type Provider interface {
	// Load (re)reads all definitions.
	Load() error
	// Validate returns one message per problem in the loaded definitions.
	Validate() []string
	// HasChanged reports whether the source differs from what was loaded.
	HasChanged() bool
	// Resources returns the loaded definitions keyed by name.
	Resources() map[string]Resource
}

type fileFormat struct {
	Resources map[string]Resource `json:"resources"`
}

// FileProvider reads resources from a JSON file and tracks its mtime.
type FileProvider struct {
	path string
	// Lrms kinds accepted by Validate. Any kind is accepted when empty.
	knownLrms []string

	mu        sync.Mutex
	resources map[string]Resource
	modTime   time.Time
}

var _ Provider = (*FileProvider)(nil)

func NewFileProvider(path string, knownLrms []string) *FileProvider {
	return &FileProvider{path: path, knownLrms: knownLrms}
}

func (p *FileProvider) Path() string {
	return p.path
}

func (p *FileProvider) Load() error {
	info, err := os.Stat(p.path)
	if err != nil {
		return errors.Wrap(err, "reading resource configuration")
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return errors.Wrap(err, "reading resource configuration")
	}
	resources, err := Parse(data)
	if err != nil {
		return errors.Wrapf(err, "parsing %s", p.path)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources = resources
	p.modTime = info.ModTime()
	log.WithFields(log.Fields{
		"path":      p.path,
		"resources": len(resources),
	}).Info("Loaded resource configuration")
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debug(spew.Sdump(resources))
	}
	return nil
}

func (p *FileProvider) HasChanged() bool {
	info, err := os.Stat(p.path)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		return p.resources == nil
	}
	return p.resources == nil || !info.ModTime().Equal(p.modTime)
}

func (p *FileProvider) Resources() map[string]Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Resource, len(p.resources))
	for k, v := range p.resources {
		out[k] = v
	}
	return out
}

func (p *FileProvider) Validate() []string {
	return Validate(p.Resources(), p.knownLrms)
}

// Parse decodes a resources document and names each entry after its key.
func Parse(data []byte) (map[string]Resource, error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Resources == nil {
		return nil, errors.New(`no "resources" section`)
	}
	for name, r := range f.Resources {
		r.Name = name
		f.Resources[name] = r
	}
	return f.Resources, nil
}

// Validate checks enabled resources. Cloud provider templates are skipped.
func Validate(resources map[string]Resource, knownLrms []string) []string {
	var errs []string
	names := make([]string, 0, len(resources))
	for name := range resources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r := resources[name]
		if !r.Enable || r.CloudProvider != "" {
			continue
		}
		if strings.Count(name, "::") > 1 || strings.HasPrefix(name, "::") || strings.HasSuffix(name, "::") {
			errs = append(errs, fmt.Sprintf("'%s' is not a valid resource name", name))
		}
		if r.Lrms == "" {
			errs = append(errs, fmt.Sprintf("'lrms' key is mandatory for '%s' resource", name))
		} else if len(knownLrms) > 0 && !contains(knownLrms, r.Lrms) {
			errs = append(errs, fmt.Sprintf("'%s' has a wrong lrms '%s'; supported: %s",
				name, r.Lrms, strings.Join(knownLrms, ", ")))
		}
		switch r.Communicator {
		case LocalCommunicator:
		case SSHCommunicator:
			if r.Frontend == "" {
				errs = append(errs, fmt.Sprintf("'frontend' key is mandatory for '%s' resource", name))
			}
			if r.Username == "" {
				errs = append(errs, fmt.Sprintf("'username' key is mandatory for '%s' resource", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("'%s' has a wrong communicator '%s'", name, r.Communicator))
		}
		if r.MaxTransfers < 0 {
			errs = append(errs, fmt.Sprintf("'max_transfers' must not be negative for '%s' resource", name))
		}
	}
	return errs
}

func contains(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}
