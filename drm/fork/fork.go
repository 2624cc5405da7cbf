// Package fork runs jobs as plain background processes on the frontend,
// for resources without a batch system.
package fork

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/metagrid/gwmad/config/resconfig"
	"github.com/metagrid/gwmad/drm"
	"github.com/metagrid/gwmad/transport"
)

const Kind = "fork"

// States maps the first letter of ps's STAT column.
var States = drm.StateTable{
	"R": drm.Active,
	"S": drm.Active,
	"D": drm.Active,
	"I": drm.Active,
	"T": drm.Suspended,
	"t": drm.Suspended,
	"Z": drm.Done,
	"X": drm.Done,
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

// exitFile holds the wrapped command's exit code once it finishes.
func exitFile(job *drm.Job) string {
	return job.RemoteWrapper + ".exit"
}

func (d *Driver) BuildDescriptor(job *drm.Job, p *drm.Parameters) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, e := range p.Environment {
		fmt.Fprintf(&b, "export %s=%s\n", e.Name, drm.Quote(e.Value))
	}
	if p.Directory != "" {
		fmt.Fprintf(&b, "cd %s || exit 1\n", drm.Quote(p.Directory))
	}
	fmt.Fprintf(&b, "%s > %s 2> %s\n", p.CommandLine(), drm.Quote(p.Stdout), drm.Quote(p.Stderr))
	fmt.Fprintf(&b, "echo $? > %s\n", drm.Quote(exitFile(job)))
	return b.String(), nil
}

func (d *Driver) Submit(ctx context.Context, job *drm.Job, descriptor string) (string, error) {
	if err := drm.StageWrapper(ctx, d.tr, job); err != nil {
		return "", err
	}
	cmd := fmt.Sprintf("nohup %s > /dev/null 2>&1 < /dev/null & echo $!", drm.Quote(job.RemoteWrapper))
	out, stderr, err := d.tr.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	pid := strings.TrimSpace(out)
	if _, err := strconv.Atoi(pid); err != nil {
		return "", drm.NewJobError("could not start %s: %s", job.RemoteWrapper, drm.OneLine(stderr+" "+out))
	}
	return pid, nil
}

// Status reads the process state, and once the process is gone, the exit
// code the wrapper left behind. No exit code means the process was killed.
func (d *Driver) Status(ctx context.Context, job *drm.Job) (drm.State, error) {
	out, _, err := d.tr.Run(ctx, "ps -o stat= -p "+job.Handle)
	if err != nil {
		return drm.Unknown, err
	}
	stat := strings.TrimSpace(out)
	if stat != "" {
		s := States.Map(stat[:1])
		if !s.IsTerminal() {
			return s, nil
		}
	}

	out, _, err = d.tr.Run(ctx, "cat "+drm.Quote(exitFile(job)))
	if err != nil {
		return drm.Unknown, err
	}
	switch strings.TrimSpace(out) {
	case "0":
		return drm.Done, nil
	default:
		return drm.Failed, nil
	}
}

func (d *Driver) Cancel(ctx context.Context, job *drm.Job) error {
	_, stderr, err := d.tr.Run(ctx, "kill "+job.Handle)
	if err != nil {
		return err
	}
	if stderr != "" {
		return drm.NewJobError("%s", drm.OneLine(stderr))
	}
	return nil
}
