// Package cloud provisions one virtual machine per job through a REST
// compute endpoint. The job runs as the instance's user data, and the
// instance's lifecycle is the job's lifecycle.
package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/metagrid/gwmad/common"
	"github.com/metagrid/gwmad/config/resconfig"
	"github.com/metagrid/gwmad/drm"
	"github.com/metagrid/gwmad/transport"
)

const Kind = "cloud"

// Resource features read by this driver.
const (
	FeatureEndpoint = "endpoint"
	FeatureFlavour  = "flavour"
	FeatureImage    = "image"
	FeatureToken    = "token"
)

const DefaultHttpTries = 5

var States = drm.StateTable{
	"BUILD":      drm.Pending,
	"PENDING":    drm.Pending,
	"ACTIVE":     drm.Active,
	"RUNNING":    drm.Active,
	"PAUSED":     drm.Suspended,
	"SUSPENDED":  drm.Suspended,
	"SHUTOFF":    drm.Done,
	"STOPPED":    drm.Done,
	"DELETED":    drm.Done,
	"TERMINATED": drm.Done,
	"ERROR":      drm.Failed,
}

func init() {
	drm.Register(Kind, New)
}

type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// MakePesterClient returns a client that retries failed requests. Use it
// only for idempotent requests.
func MakePesterClient() *pester.Client {
	return makePesterClient(DefaultHttpTries)
}

// MakeCreateClient returns a client that sends each request once. A retried
// create could boot a second instance for the same job.
func MakeCreateClient() *pester.Client {
	return makePesterClient(1)
}

func makePesterClient(tries int) *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = tries
	client.LogHook = func(e pester.ErrEntry) {
		log.WithFields(log.Fields{
			"method":  e.Method,
			"url":     e.URL,
			"attempt": e.Attempt,
			"err":     e.Err,
		}).Error("Retrying after failed attempt")
	}
	return client
}

type Driver struct {
	endpoint string
	flavour  string
	image    string
	token    string
	// GET and DELETE go through client, instance creation through create.
	client Client
	create Client
}

// New ignores tr: instances are managed over HTTP, not on a frontend.
func New(res resconfig.Resource, tr transport.Transport) (drm.Driver, error) {
	return NewWithClients(res, MakePesterClient(), MakeCreateClient())
}

func NewWithClients(res resconfig.Resource, client, create Client) (*Driver, error) {
	endpoint := strings.TrimSuffix(res.Feature(FeatureEndpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("'%s' resource needs an '%s' feature for lrms %s", res.Name, FeatureEndpoint, Kind)
	}
	return &Driver{
		endpoint: endpoint,
		flavour:  res.Feature(FeatureFlavour),
		image:    res.Feature(FeatureImage),
		token:    res.Feature(FeatureToken),
		client:   client,
		create:   create,
	}, nil
}

type instanceRequest struct {
	Name     string `json:"name"`
	Flavour  string `json:"flavour,omitempty"`
	Image    string `json:"image,omitempty"`
	UserData string `json:"user_data"`
}

type instance struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BuildDescriptor renders the boot script run as the instance's user data.
func (d *Driver) BuildDescriptor(job *drm.Job, p *drm.Parameters) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, e := range p.Environment {
		fmt.Fprintf(&b, "export %s=%s\n", e.Name, drm.Quote(e.Value))
	}
	if p.Directory != "" {
		fmt.Fprintf(&b, "mkdir -p %s && cd %s\n", drm.Quote(p.Directory), drm.Quote(p.Directory))
	}
	fmt.Fprintf(&b, "%s > %s 2> %s\n", p.CommandLine(), drm.Quote(p.Stdout), drm.Quote(p.Stderr))
	b.WriteString("poweroff\n")
	return b.String(), nil
}

func (d *Driver) Submit(ctx context.Context, job *drm.Job, descriptor string) (string, error) {
	body, err := json.Marshal(instanceRequest{
		Name:     "gwmad-" + common.GenUUID(),
		Flavour:  d.flavour,
		Image:    d.image,
		UserData: base64.StdEncoding.EncodeToString([]byte(descriptor)),
	})
	if err != nil {
		return "", err
	}
	var inst instance
	status, err := d.do(ctx, d.create, http.MethodPost, d.endpoint+"/instances", body, &inst)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return "", drm.NewJobError("creating instance for job %s: HTTP %d", job.ID, status)
	}
	if inst.ID == "" {
		return "", drm.NewJobError("creating instance for job %s: no instance id in response", job.ID)
	}
	return inst.ID, nil
}

// Status reports a deleted (404) instance as DONE.
func (d *Driver) Status(ctx context.Context, job *drm.Job) (drm.State, error) {
	var inst instance
	status, err := d.do(ctx, d.client, http.MethodGet, d.instanceURL(job), nil, &inst)
	if err != nil {
		return drm.Unknown, err
	}
	switch {
	case status == http.StatusNotFound:
		return drm.Done, nil
	case status != http.StatusOK:
		return drm.Unknown, drm.NewJobError("querying instance %s: HTTP %d", job.Handle, status)
	}
	return States.Map(strings.ToUpper(inst.Status)), nil
}

func (d *Driver) Cancel(ctx context.Context, job *drm.Job) error {
	status, err := d.do(ctx, d.client, http.MethodDelete, d.instanceURL(job), nil, nil)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusNotFound {
		return drm.NewJobError("deleting instance %s: HTTP %d", job.Handle, status)
	}
	return nil
}

func (d *Driver) instanceURL(job *drm.Job) string {
	return d.endpoint + "/instances/" + job.Handle
}

// do sends one request and decodes a 2xx JSON body into out, if non-nil.
func (d *Driver) do(ctx context.Context, client Client, method, url string, body []byte, out interface{}) (int, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		return 0, err
	}
	req = req.WithContext(ctx)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", method, url)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode/100 == 2 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "decoding %s %s", method, url)
		}
	}
	return resp.StatusCode, nil
}
