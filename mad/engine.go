// Package mad is the execution-management driver: it reads scheduler
// requests line by line, runs them against the configured resources, and
// reports job state changes on its own as the reconciliation loop sees them.
package mad

import (
	"bufio"
	"context"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metagrid/gwmad/async"
	"github.com/metagrid/gwmad/common"
	gwerrors "github.com/metagrid/gwmad/common/errors"
	"github.com/metagrid/gwmad/common/stats"
	"github.com/metagrid/gwmad/config/resconfig"
	"github.com/metagrid/gwmad/drm"
	"github.com/metagrid/gwmad/drm/rsl"
	"github.com/metagrid/gwmad/registry"
)

const (
	WrapperName    = "wrapper_drm4g"
	jobEnvFileName = "job.env"
)

// Resolver maps resource names to bindings. *registry.Resources is the
// production implementation.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*registry.Binding, error)
	Close() error
}

type Config struct {
	MinWorkers       int
	MaxWorkers       int
	CallbackInterval time.Duration
	// Idle time after which workers above MinWorkers exit.
	WorkerIdleTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MinWorkers <= 0 {
		c.MinWorkers = common.DefaultMinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = common.DefaultMaxWorkers
	}
	if c.CallbackInterval <= 0 {
		c.CallbackInterval = common.DefaultCallbackInterval
	}
	if c.WorkerIdleTimeout <= 0 {
		c.WorkerIdleTimeout = async.DefaultIdleTimeout
	}
}

type Engine struct {
	cfg       Config
	resources Resolver
	jobs      *registry.Jobs
	pool      *async.Pool
	out       *Writer
	stat      stats.StatsReceiver

	// Context for remote calls; lives until Shutdown returns.
	ctx context.Context

	stopLoop func()
	loopDone chan struct{}
	shutdown sync.Once
}

// NewEngine starts the worker pool and the reconciliation loop. Responses
// and callbacks go to out.
func NewEngine(cfg Config, resources Resolver, out io.Writer, stat stats.StatsReceiver) *Engine {
	cfg.setDefaults()
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	e := &Engine{
		cfg:       cfg,
		resources: resources,
		jobs:      registry.NewJobs(),
		pool:      async.NewCustomPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, stat.Scope("pool")),
		out:       NewWriter(out),
		stat:      stat,
		ctx:       context.Background(),
		loopDone:  make(chan struct{}),
	}
	loopCtx, cancel := context.WithCancel(e.ctx)
	e.stopLoop = cancel
	go e.reconcileLoop(loopCtx)
	return e
}

// Jobs exposes the job registry.
func (e *Engine) Jobs() *registry.Jobs {
	return e.jobs
}

// Serve handles requests from in until FINALIZE, end of input, a read
// error, or ctx is done. The engine is shut down before Serve returns.
// Only FINALIZE returns nil; otherwise the error carries an exit code.
func (e *Engine) Serve(ctx context.Context, in io.Reader) error {
	defer e.Shutdown()

	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return gwerrors.NewError(errors.Wrap(ctx.Err(), "serving requests"), gwerrors.InterruptedExitCode)
		case err := <-readErr:
			if err != nil {
				return gwerrors.NewError(errors.Wrap(err, "reading requests"), gwerrors.InputErrorExitCode)
			}
			return gwerrors.Errorf(gwerrors.InputClosedExitCode, "input closed without %s", OpFinalize)
		case line := <-lines:
			if e.Handle(line) {
				return nil
			}
		}
	}
}

// Handle processes one request line and reports whether it was FINALIZE.
// INIT, SUBMIT, RECOVER and FINALIZE complete before Handle returns; POLL
// and CANCEL are queued on the worker pool.
func (e *Engine) Handle(line string) (finalize bool) {
	if strings.TrimSpace(line) == "" {
		return false
	}
	log.WithFields(log.Fields{"line": line}).Debug("Received")
	req, ok := ParseRequest(line)
	if !ok {
		e.stat.Counter(stats.EngineWrongCommandCounter).Inc(1)
		e.out.Line(WrongCommand)
		return false
	}
	e.stat.Counter(stats.EngineRequestsCounter, req.Op).Inc(1)

	switch req.Op {
	case OpInit:
		e.out.Respond(OpInit, Null, Success, Null)
	case OpSubmit:
		e.submit(req)
	case OpRecover:
		e.recover(req)
	case OpPoll:
		e.dispatch(req, e.poll)
	case OpCancel:
		e.dispatch(req, e.cancel)
	case OpFinalize:
		e.Shutdown()
		e.out.Respond(OpFinalize, Null, Success, Null)
		return true
	}
	return false
}

func (e *Engine) dispatch(req Request, handler func(Request)) {
	if err := e.pool.Submit(func() { handler(req) }); err != nil {
		e.out.Respond(req.Op, req.ID, Failure, err.Error())
	}
}

// Shutdown stops the reconciliation loop, runs the queued tasks, and closes
// every transport. Later calls do nothing.
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		e.stopLoop()
		<-e.loopDone
		e.pool.Stop()
		if err := e.resources.Close(); err != nil {
			log.WithFields(log.Fields{"err": err}).Warn("Error closing resources")
		}
		log.Info("Engine stopped")
	})
}

func (e *Engine) submit(req Request) {
	handle, err := e.doSubmit(req)
	if err != nil {
		log.WithFields(log.Fields{
			"job":    req.ID,
			"target": req.Target,
			"err":    err,
		}).Error("Submit failed")
		e.out.Respond(OpSubmit, req.ID, Failure, err.Error())
		return
	}
	e.out.Respond(OpSubmit, req.ID, Success, handle)
}

// doSubmit returns the HOST:HANDLE contact for the submitted job.
func (e *Engine) doSubmit(req Request) (string, error) {
	ctx := e.ctx
	hostName, jm, ok := SplitSubmitTarget(req.Target)
	if !ok {
		return "", errors.Errorf("malformed target %q, expected HOST/JM", req.Target)
	}
	b, err := e.resources.Resolve(ctx, hostName)
	if err != nil {
		return "", err
	}
	p, err := rsl.ParseFile(req.Payload)
	if err != nil {
		return "", err
	}

	res := b.Resource
	job := drm.NewJob(req.ID, hostName, res.Features)
	job.JobManager = jm
	_, job.Host = registry.SplitHost(hostName)
	job.LocalDir = path.Dir(req.Payload)

	if v := res.Feature(resconfig.FeatureProject); v != "" {
		p.Project = v
	}
	if v := res.Feature(resconfig.FeatureParallelEnv); v != "" {
		p.ParallelEnv = v
	}
	if res.Feature(resconfig.FeatureVO) != "" && job.Host != "" {
		job.Features[resconfig.FeatureHost] = job.Host
		job.Features[resconfig.FeatureJM] = jm
		job.Features[resconfig.FeatureEnvFile] = path.Join(job.LocalDir, jobEnvFileName)
		job.Features[resconfig.FeatureQueue] = p.Queue
	}

	job.RemoteDir, err = remoteJobsDir(ctx, b)
	if err != nil {
		return "", err
	}
	p.Stdout = path.Join(job.RemoteDir, p.Stdout)
	p.Stderr = path.Join(job.RemoteDir, p.Stderr)
	p.Executable = path.Join(job.RemoteDir, p.Executable)

	parts := strings.Split(req.Payload, ".")
	job.LocalWrapper = path.Join(job.LocalDir, WrapperName+"."+parts[len(parts)-1])
	job.RemoteWrapper = path.Join(path.Dir(p.Executable), WrapperName)

	descriptor, err := b.Driver.BuildDescriptor(job, p)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(job.LocalWrapper, []byte(descriptor), 0644); err != nil {
		return "", errors.Wrap(err, "writing wrapper")
	}
	job.Handle, err = b.Driver.Submit(ctx, job, descriptor)
	if err != nil {
		return "", err
	}
	job.State = drm.Pending

	e.jobs.Put(job, b)
	e.updateLiveJobs()
	log.WithFields(log.Fields{
		"job":      job.ID,
		"resource": hostName,
		"handle":   job.Handle,
	}).Info("Submitted")
	return hostName + ":" + job.Handle, nil
}

// remoteJobsDir returns the absolute jobs directory on the resource. A
// leading '~' is the work directory, or the login directory as reported by
// the resource itself.
func remoteJobsDir(ctx context.Context, b *registry.Binding) (string, error) {
	dir := b.Resource.Feature(resconfig.FeatureScratch)
	if dir == "" {
		dir = common.DefaultRemoteJobsDir
	}
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	if wd := b.Resource.WorkDirectory; wd != "" && wd != "~" {
		return strings.TrimSuffix(wd, "/") + dir[1:], nil
	}
	out, stderr, err := b.Transport.Run(ctx, "echo "+dir)
	if err != nil {
		return "", err
	}
	abs := strings.TrimSpace(out)
	if !strings.HasPrefix(abs, "/") {
		return "", errors.Errorf("could not expand %s on %s: %s", dir, b.Resource.Name, drm.OneLine(out+" "+stderr))
	}
	return abs, nil
}

func (e *Engine) recover(req Request) {
	state, err := e.doRecover(req)
	if err != nil {
		log.WithFields(log.Fields{
			"job":    req.ID,
			"target": req.Target,
			"err":    err,
		}).Error("Recover failed")
		e.out.Respond(OpRecover, req.ID, Failure, err.Error())
		return
	}
	e.out.Respond(OpRecover, req.ID, Success, string(state))
}

func (e *Engine) doRecover(req Request) (drm.State, error) {
	hostName, handle, ok := SplitRecoverTarget(req.Target)
	if !ok {
		return drm.Unknown, errors.Errorf("malformed target %q, expected HOST:HANDLE", req.Target)
	}
	b, err := e.resources.Resolve(e.ctx, hostName)
	if err != nil {
		return drm.Unknown, err
	}
	job := drm.NewJob(req.ID, hostName, b.Resource.Features)
	_, job.Host = registry.SplitHost(hostName)
	if b.Resource.Feature(resconfig.FeatureVO) != "" && job.Host != "" {
		job.Features[resconfig.FeatureHost] = job.Host
	}
	job.Handle = handle

	observed, err := b.Driver.Status(e.ctx, job)
	if err != nil {
		return drm.Unknown, err
	}
	job.State = observed
	e.jobs.Put(job, b)
	e.updateLiveJobs()
	return job.State, nil
}

func (e *Engine) poll(req Request) {
	entry, ok := e.jobs.Get(req.ID)
	if !ok {
		e.out.Respond(OpPoll, req.ID, Failure, NotSubmitted)
		return
	}
	entry.Lock()
	defer entry.Unlock()
	state, err := e.refresh(e.ctx, entry)
	if err != nil {
		e.out.Respond(OpPoll, req.ID, Failure, err.Error())
		return
	}
	e.out.Respond(OpPoll, req.ID, Success, string(state))
}

// refresh asks the driver for the job's state, unless it is already
// terminal. Called with the entry locked. On error the job is unchanged.
func (e *Engine) refresh(ctx context.Context, entry *registry.Entry) (drm.State, error) {
	job := entry.Job
	if job.State.IsTerminal() {
		return job.State, nil
	}
	observed, err := entry.Binding.Driver.Status(ctx, job)
	if err != nil {
		log.WithFields(log.Fields{
			"job": job.ID,
			"err": err,
		}).Warn("Status failed")
		return job.State, err
	}
	job.State = job.State.Next(observed)
	return job.State, nil
}

func (e *Engine) cancel(req Request) {
	entry, ok := e.jobs.Get(req.ID)
	if !ok {
		e.out.Respond(OpCancel, req.ID, Failure, NotSubmitted)
		return
	}
	entry.Lock()
	defer entry.Unlock()
	if err := entry.Binding.Driver.Cancel(e.ctx, entry.Job); err != nil {
		log.WithFields(log.Fields{
			"job": req.ID,
			"err": err,
		}).Error("Cancel failed")
		e.out.Respond(OpCancel, req.ID, Failure, err.Error())
		return
	}
	e.out.Respond(OpCancel, req.ID, Success, Null)
}

func (e *Engine) updateLiveJobs() {
	e.stat.Gauge(stats.EngineLiveJobsGauge).Update(int64(e.jobs.Len()))
}
