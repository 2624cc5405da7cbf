// Package slurm drives SLURM clusters through sbatch, squeue and scancel.
package slurm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/metagrid/gwmad/config/resconfig"
	"github.com/metagrid/gwmad/drm"
	"github.com/metagrid/gwmad/transport"
)

const Kind = "slurm"

const (
	sbatch  = "LANG=POSIX sbatch"
	squeue  = "LANG=POSIX squeue"
	scancel = "LANG=POSIX scancel"
)

// SLURM requires a time limit; one hour when the job names none.
const DefaultWallTime = 60

var submitted = regexp.MustCompile(`Submitted batch job (\d+)`)

// States maps squeue's %T column.
var States = drm.StateTable{
	"PENDING":       drm.Pending,
	"CONFIGURING":   drm.Pending,
	"RUNNING":       drm.Active,
	"COMPLETING":    drm.Active,
	"SUSPENDED":     drm.Suspended,
	"COMPLETED":     drm.Done,
	"CANCELLED":     drm.Done,
	"FAILED":        drm.Failed,
	"NODE_FAIL":     drm.Failed,
	"TIMEOUT":       drm.Failed,
	"PREEMPTED":     drm.Failed,
	"OUT_OF_MEMORY": drm.Failed,
	"BOOT_FAIL":     drm.Failed,
}

func init() {
	drm.Register(Kind, New)
}

type Driver struct {
	res resconfig.Resource
	tr  transport.Transport
}

func New(res resconfig.Resource, tr transport.Transport) (drm.Driver, error) {
	return &Driver{res: res, tr: tr}, nil
}

func (d *Driver) BuildDescriptor(job *drm.Job, p *drm.Parameters) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=JID_%s\n", p.Env("GW_JOB_ID"))
	fmt.Fprintf(&b, "#SBATCH --output=%s\n", p.Stdout)
	fmt.Fprintf(&b, "#SBATCH --error=%s\n", p.Stderr)
	if q := p.QueueOrDefault(); q != drm.DefaultQueue {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", q)
	}
	if p.Project != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", p.Project)
	}
	wall := p.MaxWallTime
	if wall <= 0 {
		wall = DefaultWallTime
	}
	fmt.Fprintf(&b, "#SBATCH --time=%d\n", wall)
	if p.MaxMemory > 0 {
		fmt.Fprintf(&b, "#SBATCH --mem=%d\n", p.MaxMemory)
	}
	if p.Nodes > 0 {
		fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", p.Nodes)
	}
	fmt.Fprintf(&b, "#SBATCH --ntasks=%d\n", p.Count)
	if p.PPN > 0 {
		fmt.Fprintf(&b, "#SBATCH --ntasks-per-node=%d\n", p.PPN)
	}
	for _, e := range p.Environment {
		fmt.Fprintf(&b, "export %s=%s\n", e.Name, drm.Quote(e.Value))
	}
	b.WriteString("\n")
	b.WriteString(p.CommandLine())
	b.WriteString("\n")
	return b.String(), nil
}

func (d *Driver) Submit(ctx context.Context, job *drm.Job, descriptor string) (string, error) {
	if err := drm.StageWrapper(ctx, d.tr, job); err != nil {
		return "", err
	}
	out, stderr, err := d.tr.Run(ctx, sbatch+" "+drm.Quote(job.RemoteWrapper))
	if err != nil {
		return "", err
	}
	m := submitted.FindStringSubmatch(out)
	if m == nil {
		return "", drm.NewJobError("%s", drm.OneLine(stderr+" "+out))
	}
	return m[1], nil
}

// Status treats a job squeue no longer lists as finished.
func (d *Driver) Status(ctx context.Context, job *drm.Job) (drm.State, error) {
	out, stderr, err := d.tr.Run(ctx, squeue+" -h -o %T -j "+job.Handle)
	if err != nil {
		return drm.Unknown, err
	}
	fields := strings.Fields(out)
	if stderr != "" || len(fields) == 0 {
		return drm.Done, nil
	}
	return States.Map(fields[0]), nil
}

func (d *Driver) Cancel(ctx context.Context, job *drm.Job) error {
	_, stderr, err := d.tr.Run(ctx, scancel+" "+job.Handle)
	if err != nil {
		return err
	}
	if stderr != "" {
		return drm.NewJobError("%s", drm.OneLine(stderr))
	}
	return nil
}
