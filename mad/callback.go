package mad

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/metagrid/gwmad/common/stats"
	"github.com/metagrid/gwmad/drm"
	"github.com/metagrid/gwmad/registry"
)

// reconcileLoop re-polls every tracked job once per callback interval
// until ctx is done.
func (e *Engine) reconcileLoop(ctx context.Context) {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.cfg.CallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Reconcile(ctx)
		}
	}
}

// Reconcile runs one pass over a snapshot of the job registry. A job whose
// state changed, or is terminal, is reported with a CALLBACK line; terminal
// jobs are then forgotten and, where the backend keeps finished jobs,
// purged.
func (e *Engine) Reconcile(ctx context.Context) {
	defer e.stat.Latency(stats.EngineReconcileLatency_ms).Time().Stop()
	log.Debug("Reconciling jobs")
	for _, entry := range e.jobs.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		e.reconcile(ctx, entry)
	}
	e.updateLiveJobs()
}

func (e *Engine) reconcile(ctx context.Context, entry *registry.Entry) {
	entry.Lock()
	defer entry.Unlock()

	job := entry.Job
	before := job.State
	after, err := e.refresh(ctx, entry)
	if ctx.Err() != nil {
		// Shutting down; the job is left for the next em_mad to recover.
		return
	}
	if err != nil {
		e.callback(job.ID, Failure, err.Error())
		return
	}
	if after == before && !after.IsTerminal() {
		return
	}
	if after.IsTerminal() {
		e.jobs.Remove(job.ID, entry)
		e.purge(ctx, entry)
	}
	e.callback(job.ID, Success, string(after))
}

func (e *Engine) purge(ctx context.Context, entry *registry.Entry) {
	p, ok := entry.Binding.Driver.(drm.Purger)
	if !ok {
		return
	}
	if err := p.Purge(ctx, entry.Job); err != nil {
		log.WithFields(log.Fields{
			"job":    entry.Job.ID,
			"handle": entry.Job.Handle,
			"err":    err,
		}).Warn("Purge failed")
	}
}

func (e *Engine) callback(id, result, info string) {
	e.stat.Counter(stats.EngineCallbacksCounter).Inc(1)
	e.out.Respond(OpCallback, id, result, info)
}
