package cream

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagrid/gwmad/config/resconfig"
	"github.com/metagrid/gwmad/drm"
	"github.com/metagrid/gwmad/transport/fake"
)

const statusDone = `
******  JobID=[https://ce01.example.org:8443/CREAM123]
	Current Status = [DONE-OK]
	ExitCode = [0]
	CREAM OSB URI = [gsiftp://ce01.example.org/var/cream_sandbox/dteam/CREAM123/OSB]
`

func newDriver(t *testing.T, tr *fake.Transport) *Driver {
	res := resconfig.Resource{
		Name: "egi",
		Lrms: Kind,
		Features: map[string]string{
			resconfig.FeatureVO:      "dteam",
			resconfig.FeatureMyProxy: "myproxy.example.org",
		},
	}
	d, err := New(res, tr)
	require.NoError(t, err)
	cd := d.(*Driver)
	cd.renewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return cd
}

func newJob(t *testing.T, env string) *drm.Job {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "job.env")
	require.NoError(t, os.WriteFile(envFile, []byte(env), 0644))
	job := drm.NewJob("3", "egi::ce01.example.org", map[string]string{
		resconfig.FeatureHost:    "ce01.example.org",
		resconfig.FeatureJM:      "cream-pbs",
		resconfig.FeatureQueue:   "short",
		resconfig.FeatureEnvFile: envFile,
	})
	job.LocalDir = dir
	job.LocalWrapper = filepath.Join(dir, "wrapper_drm4g.0")
	job.RemoteWrapper = "/home/u/.drm4g/jobs/3/wrapper_drm4g"
	job.SandboxDir = "/home/u/.drm4g/jobs/3"
	job.Handle = "https://ce01.example.org:8443/CREAM123"
	return job
}

func TestNewNeedsVO(t *testing.T) {
	_, err := New(resconfig.Resource{Name: "egi", Lrms: Kind}, fake.NewTransport("egi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'vo'")
}

func TestSandboxFiles(t *testing.T) {
	job := newJob(t, strings.Join([]string{
		`GW_EXECUTABLE="/bin/model"`,
		`GW_INPUT_FILES="namelist,gsiftp://se/data.nc,/tmp/in.dat input.dat"`,
		`GW_OUTPUT_FILES="result.nc,out.log results/out.log,lfn://grid/x"`,
	}, "\n"))

	in, out, err := SandboxFiles(job.Feature(resconfig.FeatureEnvFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"namelist", "input.dat"}, in)
	assert.Equal(t, []string{"result.nc", "out.log"}, out)

	in, out, err = SandboxFiles("")
	require.NoError(t, err)
	assert.Empty(t, in)
	assert.Empty(t, out)
}

func TestBuildDescriptor(t *testing.T) {
	d := newDriver(t, fake.NewTransport("egi"))
	job := newJob(t, `GW_INPUT_FILES="namelist"`+"\n"+`GW_OUTPUT_FILES="result.nc"`+"\n")
	job.SandboxDir = ""
	p := &drm.Parameters{
		Executable:  "/home/u/.drm4g/jobs/3/model.sh",
		Stdout:      "/home/u/.drm4g/jobs/3/stdout.execution",
		Stderr:      "/home/u/.drm4g/jobs/3/stderr.execution",
		Count:       4,
		MaxWallTime: 90,
		MaxMemory:   2048,
		Environment: []drm.EnvVar{{Name: "GW_JOB_ID", Value: "3"}},
	}
	jdl, err := d.BuildDescriptor(job, p)
	require.NoError(t, err)

	dir := "/home/u/.drm4g/jobs/3"
	assert.Equal(t, dir, job.SandboxDir)
	assert.NotContains(t, jdl, job.LocalDir)
	assert.Contains(t, jdl, `Executable = "model.sh";`)
	assert.Contains(t, jdl, `StdOutput = "stdout.execution";`)
	assert.Contains(t, jdl, "CpuNumber = 4;")
	assert.Contains(t, jdl, "SMPGranularity = 1;")
	assert.Contains(t, jdl, `InputSandbox = { "`+dir+`/job.env", "`+dir+`/model.sh", "`+dir+`/namelist" };`)
	assert.Contains(t, jdl, `OutputSandbox = { "stdout.execution", "stderr.execution", "stdout.wrapper", "stderr.wrapper", "result.nc" };`)
	assert.Contains(t, jdl, `Environment = { "GW_JOB_ID=3" };`)
	assert.Contains(t, jdl, "Requirements = (other.GlueCEPolicyMaxWallClockTime <= 90) && (other.GlueHostMainMemoryRAMSize <= 2048);")
}

func TestSubmit(t *testing.T) {
	tr := fake.NewTransport("egi").
		On("glite-ce-delegate-proxy", "2024-01-01 Proxy with delegation id [delegete-proxy] succesfully delegated to endpoint [https://ce01]\n", "").
		On("glite-ce-job-submit", "https://ce01.example.org:8443/CREAM123\n", "")
	d := newDriver(t, tr)
	job := newJob(t, "")

	handle, err := d.Submit(context.Background(), job, "[]")
	require.NoError(t, err)
	assert.Equal(t, "https://ce01.example.org:8443/CREAM123", handle)

	require.Len(t, tr.Copies(), 1)
	submits := tr.CommandsContaining("glite-ce-job-submit")
	require.Len(t, submits, 1)
	assert.Equal(t,
		"X509_USER_PROXY=~/.drm4g/security/x509up.dteam glite-ce-job-submit -D delegete-proxy -r ce01.example.org:8443/cream-pbs-short "+job.RemoteWrapper,
		submits[0])
}

func TestSubmitDelegationRefused(t *testing.T) {
	tr := fake.NewTransport("egi").On("glite-ce-delegate-proxy", "ERROR: bad endpoint\n", "")
	d := newDriver(t, tr)

	_, err := d.Submit(context.Background(), newJob(t, ""), "[]")
	require.Error(t, err)
	assert.IsType(t, &drm.JobError{}, err)
	assert.Empty(t, tr.CommandsContaining("glite-ce-job-submit"))
}

func TestExpiredProxyIsRenewedOnce(t *testing.T) {
	delegations := 0
	tr := fake.NewTransport("egi").
		OnFunc("glite-ce-delegate-proxy", func(string) (string, string, error) {
			delegations++
			if delegations == 1 {
				return "", "proxy file is not accessible", nil
			}
			return "already exists", "", nil
		}).
		On("voms-proxy-init", "", "").
		On("glite-ce-job-submit", "https://ce01.example.org:8443/CREAM9", "")
	d := newDriver(t, tr)

	handle, err := d.Submit(context.Background(), newJob(t, ""), "[]")
	require.NoError(t, err)
	assert.Equal(t, "https://ce01.example.org:8443/CREAM9", handle)
	assert.Equal(t, 2, delegations)

	renewals := tr.CommandsContaining("voms-proxy-init")
	require.Len(t, renewals, 1)
	assert.Equal(t,
		"X509_USER_PROXY=~/.drm4g/security/myproxy.example.org voms-proxy-init -ignorewarn -timeout 30 -valid 24:00 -q -voms dteam -noregen -out ~/.drm4g/security/x509up.dteam",
		renewals[0])
}

func TestRenewalRetries(t *testing.T) {
	tr := fake.NewTransport("egi").
		On("glite-ce-job-cancel", "The proxy has EXPIRED", "").
		On("voms-proxy-init", "", "Error: could not contact myproxy\n")
	d := newDriver(t, tr)

	err := d.Cancel(context.Background(), newJob(t, ""))
	require.Error(t, err)
	assert.IsType(t, &drm.JobError{}, err)
	assert.Len(t, tr.CommandsContaining("voms-proxy-init"), renewTries+1)
	assert.Len(t, tr.CommandsContaining("glite-ce-job-cancel"), 2)
}

func TestStatusFetchesOutputs(t *testing.T) {
	tr := fake.NewTransport("egi").
		On("glite-ce-proxy-renew", "Proxy with delegation id [delegete-proxy] succesfully renewed", "").
		On("glite-ce-job-status", statusDone, "")
	d := newDriver(t, tr)
	job := newJob(t, `GW_OUTPUT_FILES="result.nc"`)

	state, err := d.Status(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, drm.Done, state)

	copies := tr.CommandsContaining("globus-url-copy")
	require.Len(t, copies, 5)
	assert.Contains(t, copies[0], "gsiftp://ce01.example.org/var/cream_sandbox/dteam/CREAM123/OSB/stdout.execution file:///home/u/.drm4g/jobs/3/stdout.execution")
	assert.Contains(t, copies[4], "/result.nc")
}

func TestStatus(t *testing.T) {
	for _, c := range []struct {
		name         string
		renew        string
		status       string
		statusStderr string
		want         drm.State
	}{
		{"running", "succesfully renewed", "Current Status = [REALLY-RUNNING]", "", drm.Active},
		{"idle", "succesfully renewed", "Current Status = [IDLE]", "", drm.Pending},
		{"unmapped", "succesfully renewed", "Current Status = [WEIRD]", "", drm.Unknown},
		{"no status", "succesfully renewed", "nothing here", "", drm.Unknown},
		{"renew refused", "delegation not found", "", "", drm.Failed},
		{"status error", "succesfully renewed", "", "ERROR - job not found", drm.Failed},
	} {
		tr := fake.NewTransport("egi").
			On("glite-ce-proxy-renew", c.renew, "").
			On("glite-ce-job-status", c.status, c.statusStderr)
		d := newDriver(t, tr)

		state, err := d.Status(context.Background(), newJob(t, ""))
		require.NoError(t, err, c.name)
		assert.Equal(t, c.want, state, c.name)
	}
}

func TestStatusOfRecoveredJobSkipsOutputs(t *testing.T) {
	tr := fake.NewTransport("egi").
		On("glite-ce-proxy-renew", "succesfully renewed", "").
		On("glite-ce-job-status", statusDone, "")
	d := newDriver(t, tr)
	job := newJob(t, "")
	job.SandboxDir = ""

	state, err := d.Status(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, drm.Done, state)
	assert.Empty(t, tr.CommandsContaining("globus-url-copy"))
}

func TestStatusWithoutOutputURI(t *testing.T) {
	tr := fake.NewTransport("egi").
		On("glite-ce-proxy-renew", "succesfully renewed", "").
		On("glite-ce-job-status", "Current Status = [ABORTED]", "")
	d := newDriver(t, tr)

	_, err := d.Status(context.Background(), newJob(t, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Output URL not found")
}

func TestCancelAndPurge(t *testing.T) {
	tr := fake.NewTransport("egi").
		On("glite-ce-job-purge", "", "ERROR - purge not allowed").
		On("glite-ce-job-cancel", "", "")
	d := newDriver(t, tr)
	job := newJob(t, "")

	require.NoError(t, d.Cancel(context.Background(), job))
	assert.Equal(t,
		[]string{"X509_USER_PROXY=~/.drm4g/security/x509up.dteam glite-ce-job-cancel -N " + job.Handle},
		tr.CommandsContaining("glite-ce-job-cancel"))

	err := d.Purge(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purging")
}
