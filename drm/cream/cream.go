// Package cream drives gLite CREAM computing elements. Every command runs on
// the resource frontend with the VO's delegated proxy, renewing it through
// MyProxy when the CE reports it expired.
package cream

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metagrid/gwmad/common/stats"
	"github.com/metagrid/gwmad/config/resconfig"
	"github.com/metagrid/gwmad/drm"
	"github.com/metagrid/gwmad/transport"
)

const Kind = "cream"

// RemoteVOSDir holds the per-VO proxies on the frontend.
const RemoteVOSDir = "~/.drm4g/security"

const (
	delegationID = "delegete-proxy"
	cePort       = 8443
	renewTries   = 3
	renewWait    = 2 * time.Second
)

var (
	reStatus      = regexp.MustCompile(`Current Status\s*=\s*\[(.*)\]`)
	reOutputURI   = regexp.MustCompile(`CREAM OSB URI\s*=\s*\[(.*)\]`)
	reInputFiles  = regexp.MustCompile(`GW_INPUT_FILES\s*=\s*"([^"]*)"`)
	reOutputFiles = regexp.MustCompile(`GW_OUTPUT_FILES\s*=\s*"([^"]*)"`)
)

// DefaultOutputFiles are retrieved for every job, in addition to the job's
// own output sandbox.
var DefaultOutputFiles = []string{
	"stdout.execution",
	"stderr.execution",
	"stdout.wrapper",
	"stderr.wrapper",
}

var States = drm.StateTable{
	"REGISTERED":     drm.Pending,
	"PENDING":        drm.Pending,
	"IDLE":           drm.Pending,
	"HELD":           drm.Pending,
	"RUNNING":        drm.Active,
	"REALLY-RUNNING": drm.Active,
	"CANCELLED":      drm.Done,
	"DONE-OK":        drm.Done,
	"DONE-FAILED":    drm.Failed,
	"ABORTED":        drm.Failed,
}

func init() {
	drm.Register(Kind, New)
}

type Driver struct {
	res   resconfig.Resource
	tr    transport.Transport
	guard *drm.CredentialGuard
	stat  stats.StatsReceiver

	// Spacing of proxy renewal attempts.
	renewBackOff func() backoff.BackOff
}

var _ drm.Purger = (*Driver)(nil)

func New(res resconfig.Resource, tr transport.Transport) (drm.Driver, error) {
	if res.Feature(resconfig.FeatureVO) == "" {
		return nil, fmt.Errorf("'%s' resource needs a '%s' feature for lrms %s", res.Name, resconfig.FeatureVO, Kind)
	}
	d := &Driver{
		res:  res,
		tr:   tr,
		stat: stats.NilStatsReceiver(),
		renewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(renewWait)
		},
	}
	d.guard = &drm.CredentialGuard{
		Transport: tr,
		Expired:   expired,
		Renew:     d.renewProxy,
		OnRenew: func() {
			d.stat.Counter(stats.DriverCredentialRenewCounter).Inc(1)
		},
	}
	return d, nil
}

func (d *Driver) UseStats(stat stats.StatsReceiver) {
	d.stat = stat
}

func expired(stdout, stderr string) bool {
	return strings.Contains(stdout, "The proxy has EXPIRED") || strings.Contains(stderr, "is not accessible")
}

func (d *Driver) vo() string {
	return d.res.Feature(resconfig.FeatureVO)
}

// command prefixes tool with the VO proxy location.
func (d *Driver) command(tool string, args ...string) string {
	words := append([]string{
		fmt.Sprintf("X509_USER_PROXY=%s/x509up.%s", RemoteVOSDir, d.vo()),
		tool,
	}, args...)
	return strings.Join(words, " ")
}

// renewProxy regenerates the VO proxy from the MyProxy credential.
func (d *Driver) renewProxy(ctx context.Context) error {
	myproxy := "${MYPROXY_SERVER}"
	if s := d.res.Feature(resconfig.FeatureMyProxy); s != "" {
		myproxy = s
	}
	cmd := fmt.Sprintf("X509_USER_PROXY=%s/%s voms-proxy-init -ignorewarn -timeout 30 -valid 24:00 -q -voms %s -noregen -out %s/x509up.%s",
		RemoteVOSDir, myproxy, d.vo(), RemoteVOSDir, d.vo())

	op := func() error {
		_, stderr, err := d.tr.Run(ctx, cmd)
		if err != nil {
			return backoff.Permanent(err)
		}
		if stderr != "" {
			log.WithFields(log.Fields{
				"resource": d.res.Name,
				"vo":       d.vo(),
				"stderr":   drm.OneLine(stderr),
			}).Error("Error renewing the proxy")
			return fmt.Errorf("renewing proxy x509up.%s: %s", d.vo(), drm.OneLine(stderr))
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(d.renewBackOff(), renewTries), ctx)
	return backoff.Retry(op, b)
}

func (d *Driver) BuildDescriptor(job *drm.Job, p *drm.Parameters) (string, error) {
	inputs, outputs, err := SandboxFiles(job.Feature(resconfig.FeatureEnvFile))
	if err != nil {
		return "", err
	}
	// glite-ce-job-submit runs on the frontend, next to the staged executable.
	dir := path.Dir(p.Executable)
	job.SandboxDir = dir
	exe := path.Base(p.Executable)

	in := []string{quoted(dir + "/job.env"), quoted(dir + "/" + exe)}
	for _, f := range inputs {
		in = append(in, quoted(dir+"/"+f))
	}
	var out []string
	for _, f := range append(append([]string{}, DefaultOutputFiles...), outputs...) {
		out = append(out, quoted(f))
	}
	var env []string
	for _, e := range p.Environment {
		env = append(env, quoted(e.Name+"="+e.Value))
	}

	count, ppn := p.Count, p.PPN
	if count <= 0 {
		count = 1
	}
	if ppn <= 0 {
		ppn = 1
	}

	var b strings.Builder
	b.WriteString("[\n")
	fmt.Fprintf(&b, "JobType = %s;\n", quoted("Normal"))
	fmt.Fprintf(&b, "Executable = %s;\n", quoted(exe))
	fmt.Fprintf(&b, "StdOutput = %s;\n", quoted(path.Base(p.Stdout)))
	fmt.Fprintf(&b, "StdError = %s;\n", quoted(path.Base(p.Stderr)))
	fmt.Fprintf(&b, "CpuNumber = %d;\n", count)
	fmt.Fprintf(&b, "SMPGranularity = %d;\n", ppn)
	fmt.Fprintf(&b, "OutputSandboxBaseDestURI = %s;\n", quoted("gsiftp://localhost"))
	fmt.Fprintf(&b, "InputSandbox = { %s };\n", strings.Join(in, ", "))
	fmt.Fprintf(&b, "OutputSandbox = { %s };\n", strings.Join(out, ", "))
	fmt.Fprintf(&b, "Environment = { %s };\n", strings.Join(env, ", "))
	if r := requirements(p); r != "" {
		fmt.Fprintf(&b, "Requirements = %s;\n", r)
	}
	b.WriteString("]\n")
	return b.String(), nil
}

func quoted(s string) string {
	return `"` + s + `"`
}

func requirements(p *drm.Parameters) string {
	var reqs []string
	if p.MaxWallTime > 0 {
		reqs = append(reqs, fmt.Sprintf("(other.GlueCEPolicyMaxWallClockTime <= %d)", p.MaxWallTime))
	}
	if p.MaxCpuTime > 0 {
		reqs = append(reqs, fmt.Sprintf("(other.GlueCEPolicyMaxCPUTime <= %d)", p.MaxCpuTime))
	}
	if p.MaxMemory > 0 {
		reqs = append(reqs, fmt.Sprintf("(other.GlueHostMainMemoryRAMSize <= %d)", p.MaxMemory))
	}
	return strings.Join(reqs, " && ")
}

// SandboxFiles reads the input and output sandbox file names from a job.env
// file. Grid storage URLs are skipped; for "src dst" pairs inputs keep the
// destination and outputs the source.
func SandboxFiles(envFile string) (inputs, outputs []string, err error) {
	if envFile == "" {
		return nil, nil, nil
	}
	f, err := os.Open(envFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading sandbox files")
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "reading sandbox files")
	}
	env := strings.Join(lines, " ")
	return parseFiles(env, reInputFiles, false), parseFiles(env, reOutputFiles, true), nil
}

func parseFiles(env string, re *regexp.Regexp, output bool) []string {
	m := re.FindStringSubmatch(env)
	if m == nil {
		return nil
	}
	var files []string
	for _, f := range strings.Split(m[1], ",") {
		f = strings.TrimSpace(f)
		if f == "" || strings.HasPrefix(f, "gsiftp://") || strings.HasPrefix(f, "lfn://") {
			continue
		}
		if words := strings.Fields(f); len(words) == 2 {
			if output {
				f = words[0]
			} else {
				f = words[1]
			}
		}
		files = append(files, path.Base(f))
	}
	return files
}

func (d *Driver) Submit(ctx context.Context, job *drm.Job, descriptor string) (string, error) {
	host := job.Feature(resconfig.FeatureHost)
	if host == "" {
		return "", drm.NewJobError("no CREAM host for job %s", job.ID)
	}
	if err := drm.StageWrapper(ctx, d.tr, job); err != nil {
		return "", err
	}

	out, _, err := d.guard.Run(ctx, d.command("glite-ce-delegate-proxy", "-e", host, delegationID))
	if err != nil {
		return "", err
	}
	if !strings.Contains(out, "succesfully delegated") && !strings.Contains(out, "already exists") {
		return "", drm.NewJobError("delegating proxy to %s: %s", host, drm.OneLine(out))
	}

	queue := job.Feature(resconfig.FeatureQueue)
	if queue == "" {
		queue = drm.DefaultQueue
	}
	endpoint := fmt.Sprintf("%s:%d/%s-%s", host, cePort, job.Feature(resconfig.FeatureJM), queue)
	out, stderr, err := d.guard.Run(ctx, d.command("glite-ce-job-submit", "-D", delegationID, "-r", endpoint, job.RemoteWrapper))
	if err != nil {
		return "", err
	}
	idx := strings.Index(out, "https://")
	if idx < 0 {
		return "", drm.NewJobError("Error submitting job: %s", drm.OneLine(out+" "+stderr))
	}
	return strings.TrimSpace(out[idx:]), nil
}

// Status renews the delegation, then queries the CE. Once the job is
// terminal its output sandbox is copied back to the job's sandbox directory
// on the frontend.
func (d *Driver) Status(ctx context.Context, job *drm.Job) (drm.State, error) {
	host := job.Feature(resconfig.FeatureHost)
	out, _, err := d.guard.Run(ctx, d.command("glite-ce-proxy-renew", "-e", host, delegationID))
	if err != nil {
		return drm.Unknown, err
	}
	if !strings.Contains(out, "succesfully renewed") {
		log.WithFields(log.Fields{
			"job":    job.ID,
			"host":   host,
			"output": drm.OneLine(out),
		}).Error("Could not renew delegation")
		return drm.Failed, nil
	}

	out, stderr, err := d.guard.Run(ctx, d.command("glite-ce-job-status", job.Handle, "-L", "2"))
	if err != nil {
		return drm.Unknown, err
	}
	if strings.Contains(stderr, "ERROR") {
		log.WithFields(log.Fields{
			"job":    job.ID,
			"handle": job.Handle,
			"stderr": drm.OneLine(stderr),
		}).Error("Error checking job")
		return drm.Failed, nil
	}
	m := reStatus.FindStringSubmatch(out)
	if m == nil {
		return drm.Unknown, nil
	}
	state := States.Map(m[1])
	if state.IsTerminal() {
		if err := d.fetchOutputs(ctx, job, out); err != nil {
			return drm.Unknown, err
		}
	}
	return state, nil
}

func (d *Driver) fetchOutputs(ctx context.Context, job *drm.Job, statusOut string) error {
	m := reOutputURI.FindStringSubmatch(statusOut)
	if m == nil {
		return drm.NewJobError("Output URL not found in '%s'", drm.OneLine(statusOut))
	}
	if job.SandboxDir == "" {
		log.WithFields(log.Fields{"job": job.ID}).Warn("No sandbox directory, skipping output sandbox")
		return nil
	}
	_, outputs, err := SandboxFiles(job.Feature(resconfig.FeatureEnvFile))
	if err != nil {
		return err
	}
	files := append(append([]string{}, DefaultOutputFiles...), outputs...)
	for _, f := range files {
		cmd := d.command("globus-url-copy", m[1]+"/"+f, transport.FileScheme+job.SandboxDir+"/"+f)
		_, stderr, err := d.tr.Run(ctx, cmd)
		if err != nil {
			return err
		}
		if strings.Contains(stderr, "error") {
			return drm.NewJobError("Error copying file '%s': %s", f, drm.OneLine(stderr))
		}
	}
	return nil
}

func (d *Driver) Cancel(ctx context.Context, job *drm.Job) error {
	return d.manage(ctx, "glite-ce-job-cancel", "canceling", job)
}

// Purge tells the CE to forget a finished job.
func (d *Driver) Purge(ctx context.Context, job *drm.Job) error {
	return d.manage(ctx, "glite-ce-job-purge", "purging", job)
}

func (d *Driver) manage(ctx context.Context, tool, verb string, job *drm.Job) error {
	_, stderr, err := d.guard.Run(ctx, d.command(tool, "-N", job.Handle))
	if err != nil {
		return err
	}
	if strings.Contains(stderr, "ERROR") {
		return drm.NewJobError("Error %s '%s' job: %s", verb, job.Handle, drm.OneLine(stderr))
	}
	return nil
}
