package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sethgrid/pester"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagrid/gwmad/config/resconfig"
	"github.com/metagrid/gwmad/drm"
	"github.com/metagrid/gwmad/transport/fake"
)

// computeAPI is a minimal in-memory instance endpoint.
type computeAPI struct {
	mu        sync.Mutex
	instances map[string]string
	created   []instanceRequest
	auth      []string
}

func (c *computeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = append(c.auth, r.Header.Get("Authorization"))

	id := strings.TrimPrefix(r.URL.Path, "/v1/instances/")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/instances":
		var req instanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.created = append(c.created, req)
		c.instances["i-1"] = "BUILD"
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(instance{ID: "i-1", Status: "BUILD"})
	case r.Method == http.MethodGet:
		status, ok := c.instances[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(instance{ID: id, Status: status})
	case r.Method == http.MethodDelete:
		if _, ok := c.instances[id]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(c.instances, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "bad request", http.StatusBadRequest)
	}
}

func (c *computeAPI) set(id, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[id] = status
}

func newDriver(t *testing.T, url string) *Driver {
	res := resconfig.Resource{
		Name: "nimbus",
		Lrms: Kind,
		Features: map[string]string{
			FeatureEndpoint: url + "/v1/",
			FeatureFlavour:  "m1.small",
			FeatureImage:    "centos-7",
			FeatureToken:    "s3cr3t",
		},
	}
	d, err := NewWithClients(res, MakePesterClient(), MakeCreateClient())
	require.NoError(t, err)
	return d
}

func TestNewNeedsEndpoint(t *testing.T) {
	_, err := New(resconfig.Resource{Name: "nimbus", Lrms: Kind}, fake.NewTransport("nimbus"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'endpoint'")
}

func TestLifecycle(t *testing.T) {
	api := &computeAPI{instances: map[string]string{}}
	srv := httptest.NewServer(api)
	defer srv.Close()
	d := newDriver(t, srv.URL)
	ctx := context.Background()

	job := drm.NewJob("5", "nimbus", nil)
	p := &drm.Parameters{
		Executable:  "/opt/model/run.sh",
		Arguments:   []string{"-n", "4"},
		Stdout:      "stdout.execution",
		Stderr:      "stderr.execution",
		Environment: []drm.EnvVar{{Name: "GW_JOB_ID", Value: "5"}},
	}
	script, err := d.BuildDescriptor(job, p)
	require.NoError(t, err)
	assert.Contains(t, script, "export GW_JOB_ID=5\n")
	assert.Contains(t, script, "/opt/model/run.sh -n 4 > stdout.execution 2> stderr.execution\n")

	job.Handle, err = d.Submit(ctx, job, script)
	require.NoError(t, err)
	assert.Equal(t, "i-1", job.Handle)

	require.Len(t, api.created, 1)
	created := api.created[0]
	assert.True(t, strings.HasPrefix(created.Name, "gwmad-"))
	assert.Equal(t, "m1.small", created.Flavour)
	assert.Equal(t, "centos-7", created.Image)
	userData, err := base64.StdEncoding.DecodeString(created.UserData)
	require.NoError(t, err)
	assert.Equal(t, script, string(userData))

	for _, c := range []struct {
		status string
		want   drm.State
	}{
		{"BUILD", drm.Pending},
		{"active", drm.Active},
		{"SUSPENDED", drm.Suspended},
		{"ERROR", drm.Failed},
		{"REBOOT", drm.Unknown},
	} {
		api.set("i-1", c.status)
		state, err := d.Status(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, c.want, state, c.status)
	}

	require.NoError(t, d.Cancel(ctx, job))
	state, err := d.Status(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, drm.Done, state, "deleted instances are done")
	require.NoError(t, d.Cancel(ctx, job), "deleting twice is not an error")

	for _, a := range api.auth {
		assert.Equal(t, "Bearer s3cr3t", a)
	}
}

func TestSubmitIsNotRetried(t *testing.T) {
	var mu sync.Mutex
	posts, gets := 0, 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPost {
			posts++
		} else {
			gets++
		}
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	d := newDriver(t, srv.URL)
	d.client.(*pester.Client).Backoff = func(int) time.Duration { return time.Millisecond }

	_, err := d.Submit(context.Background(), drm.NewJob("6", "nimbus", nil), "#!/bin/bash\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	job := drm.NewJob("6", "nimbus", nil)
	job.Handle = "i-1"
	_, err = d.Status(context.Background(), job)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, posts)
	assert.Equal(t, DefaultHttpTries, gets, "status queries are retried")
}

func TestSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()
	d := newDriver(t, srv.URL)

	_, err := d.Submit(context.Background(), drm.NewJob("6", "nimbus", nil), "#!/bin/bash\n")
	require.Error(t, err)
	assert.IsType(t, &drm.JobError{}, err)
	assert.Contains(t, err.Error(), "403")
}
