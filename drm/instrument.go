package drm

import (
	"context"

	"github.com/metagrid/gwmad/common/stats"
)

// Instrument wraps d so each call records latency and errors in stat. The
// result implements Purger exactly when d does.
func Instrument(d Driver, stat stats.StatsReceiver) Driver {
	if u, ok := d.(StatsUser); ok {
		u.UseStats(stat)
	}
	i := &instrumented{d: d, stat: stat}
	if p, ok := d.(Purger); ok {
		return &instrumentedPurger{i, p}
	}
	return i
}

// StatsUser is implemented by drivers that record metrics of their own,
// ex. credential renewals.
type StatsUser interface {
	UseStats(stat stats.StatsReceiver)
}

type instrumented struct {
	d    Driver
	stat stats.StatsReceiver
}

func (i *instrumented) record(err error) {
	if err != nil {
		i.stat.Counter(stats.DriverErrorsCounter).Inc(1)
	}
}

func (i *instrumented) BuildDescriptor(job *Job, p *Parameters) (string, error) {
	s, err := i.d.BuildDescriptor(job, p)
	i.record(err)
	return s, err
}

func (i *instrumented) Submit(ctx context.Context, job *Job, descriptor string) (string, error) {
	defer i.stat.Latency(stats.DriverSubmitLatency_ms).Time().Stop()
	h, err := i.d.Submit(ctx, job, descriptor)
	i.record(err)
	return h, err
}

func (i *instrumented) Status(ctx context.Context, job *Job) (State, error) {
	defer i.stat.Latency(stats.DriverStatusLatency_ms).Time().Stop()
	s, err := i.d.Status(ctx, job)
	i.record(err)
	return s, err
}

func (i *instrumented) Cancel(ctx context.Context, job *Job) error {
	defer i.stat.Latency(stats.DriverCancelLatency_ms).Time().Stop()
	err := i.d.Cancel(ctx, job)
	i.record(err)
	return err
}

type instrumentedPurger struct {
	*instrumented
	p Purger
}

func (i *instrumentedPurger) Purge(ctx context.Context, job *Job) error {
	err := i.p.Purge(ctx, job)
	i.record(err)
	return err
}
