// Package pbs drives PBS/Torque clusters through qsub, qstat and qdel on the
// resource frontend.
package pbs

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/metagrid/gwmad/config/resconfig"
	"github.com/metagrid/gwmad/drm"
	"github.com/metagrid/gwmad/transport"
)

const Kind = "pbs"

const (
	qsub  = "LANG=POSIX qsub"
	qstat = "LANG=POSIX qstat"
	qdel  = "LANG=POSIX qdel"
)

// States maps qstat's job_state column.
var States = drm.StateTable{
	"E": drm.Active,    // exiting after having run
	"H": drm.Suspended, // held
	"Q": drm.Pending,   // queued
	"R": drm.Active,    // running
	"T": drm.Pending,   // being moved
	"W": drm.Pending,   // waiting for its execution time
	"S": drm.Suspended, // suspended
	"C": drm.Done,      // completed
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
	fmt.Fprintf(&b, "#PBS -N JID_%s\n", p.Env("GW_JOB_ID"))
	if len(p.Environment) > 0 {
		vars := make([]string, 0, len(p.Environment))
		for _, e := range p.Environment {
			vars = append(vars, e.Name+"="+e.Value)
		}
		fmt.Fprintf(&b, "#PBS -v %s\n", strings.Join(vars, ","))
	}
	fmt.Fprintf(&b, "#PBS -o %s\n", p.Stdout)
	fmt.Fprintf(&b, "#PBS -e %s\n", p.Stderr)

	if p.Project != "" {
		fmt.Fprintf(&b, "#PBS -P %s\n", p.Project)
	}
	if q := p.QueueOrDefault(); q != drm.DefaultQueue {
		fmt.Fprintf(&b, "#PBS -q %s\n", q)
	}
	if p.MaxWallTime > 0 {
		fmt.Fprintf(&b, "#PBS -l walltime=%s\n", drm.FormatHHMMSS(p.MaxWallTime))
	}
	if p.MaxCpuTime > 0 {
		fmt.Fprintf(&b, "#PBS -l cput=%s\n", drm.FormatHHMMSS(p.MaxCpuTime))
	}
	if p.MaxMemory > 0 {
		fmt.Fprintf(&b, "#PBS -l mem=%dMB\n", p.MaxMemory)
	}
	switch {
	case p.PPN > 0 && p.Nodes > 0:
		fmt.Fprintf(&b, "#PBS -l nodes=%d:ppn=%d\n", p.Nodes, p.PPN)
	case p.PPN > 0:
		nodes := p.Count / p.PPN
		if nodes == 0 {
			nodes = 1
		}
		fmt.Fprintf(&b, "#PBS -l nodes=%d:ppn=%d\n", nodes, p.PPN)
	default:
		fmt.Fprintf(&b, "#PBS -l nodes=%d\n", p.Count)
	}

	b.WriteString(p.CommandLine())
	b.WriteString("\n")
	return b.String(), nil
}

func (d *Driver) Submit(ctx context.Context, job *drm.Job, descriptor string) (string, error) {
	if err := drm.StageWrapper(ctx, d.tr, job); err != nil {
		return "", err
	}
	out, stderr, err := d.tr.Run(ctx, qsub+" "+drm.Quote(job.RemoteWrapper))
	if err != nil {
		return "", err
	}
	if stderr != "" {
		return "", drm.NewJobError("%s", drm.OneLine(stderr))
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", drm.NewJobError("qsub returned no job id")
	}
	return id, nil
}

func (d *Driver) Status(ctx context.Context, job *drm.Job) (drm.State, error) {
	out, stderr, err := d.tr.Run(ctx, qstat+" "+job.Handle)
	if err != nil {
		return drm.Unknown, err
	}
	if strings.Contains(stderr, "Unknown Job Id") {
		return drm.Done, nil
	}
	if stderr != "" {
		log.WithFields(log.Fields{
			"job":    job.ID,
			"handle": job.Handle,
			"stderr": drm.OneLine(stderr),
		}).Warn("qstat failed")
		return drm.Unknown, nil
	}
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return drm.Unknown, nil
	}
	return States.Map(fields[len(fields)-2]), nil
}

func (d *Driver) Cancel(ctx context.Context, job *drm.Job) error {
	_, stderr, err := d.tr.Run(ctx, qdel+" "+job.Handle)
	if err != nil {
		return err
	}
	if stderr != "" {
		return drm.NewJobError("%s", drm.OneLine(stderr))
	}
	return nil
}
