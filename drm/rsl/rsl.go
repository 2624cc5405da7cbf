// Package rsl reads RSL2 job descriptions, the XML documents the scheduler
// writes for each submission:
//
//	<job>
//	  <executable>/bin/sh</executable>
//	  <argument>.gw_0/job.sh</argument>
//	  <environment><name>GW_JOB_ID</name><value>0</value></environment>
//	  <stdout>stdout.wrapper.0</stdout>
//	  <stderr>stderr.wrapper.0</stderr>
//	  <count>1</count>
//	  <queue>short</queue>
//	  <maxWallTime>01:30</maxWallTime>
//	  <extensions><ppn>4</ppn></extensions>
//	</job>
package rsl

import (
	"encoding/xml"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metagrid/gwmad/drm"
)

type node struct {
	XMLName  xml.Name
	Text     string `xml:",chardata"`
	Children []node `xml:",any"`
}

func (n node) child(name string) string {
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			return strings.TrimSpace(c.Text)
		}
	}
	return ""
}

// ParseFile parses the RSL2 document at path.
func ParseFile(path string) (*drm.Parameters, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening job description")
	}
	defer f.Close()
	p, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return p, nil
}

// Parse reads an RSL2 document. Unparseable numeric and time values are
// logged and left unset. Count defaults to 1.
func Parse(r io.Reader) (*drm.Parameters, error) {
	var root node
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, err
	}
	if root.XMLName.Local != "job" {
		return nil, errors.Errorf("root element is <%s>, want <job>", root.XMLName.Local)
	}

	p := &drm.Parameters{Count: 1, Extra: map[string]string{}}
	for _, n := range root.Children {
		name := n.XMLName.Local
		switch name {
		case "environment":
			p.Environment = append(p.Environment, drm.EnvVar{Name: n.child("name"), Value: n.child("value")})
		case "argument":
			p.Arguments = append(p.Arguments, strings.TrimSpace(n.Text))
		case "extensions":
			for _, ext := range n.Children {
				set(p, ext.XMLName.Local, strings.TrimSpace(ext.Text))
			}
		default:
			set(p, name, strings.TrimSpace(n.Text))
		}
	}
	if p.Executable == "" {
		return nil, errors.New("no executable")
	}
	return p, nil
}

func set(p *drm.Parameters, name, value string) {
	switch name {
	case "executable":
		p.Executable = value
	case "directory":
		p.Directory = value
	case "stdin":
		p.Stdin = value
	case "stdout":
		p.Stdout = value
	case "stderr":
		p.Stderr = value
	case "queue":
		p.Queue = value
	case "project":
		p.Project = value
	case "parallel_env":
		p.ParallelEnv = value
	case "jobType":
		p.JobType = value
	case "count":
		setInt(&p.Count, name, value)
	case "hostCount", "nodes":
		setInt(&p.Nodes, name, value)
	case "ppn":
		setInt(&p.PPN, name, value)
	case "maxMemory":
		setInt(&p.MaxMemory, name, value)
	case "maxWallTime":
		setMinutes(&p.MaxWallTime, name, value)
	case "maxCpuTime", "maxTime":
		setMinutes(&p.MaxCpuTime, name, value)
	default:
		p.Extra[name] = value
	}
}

func setInt(dst *int, name, value string) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		log.WithFields(log.Fields{"field": name, "value": value}).Warn("Ignoring invalid number in job description")
		return
	}
	*dst = n
}

func setMinutes(dst *int, name, value string) {
	n, err := drm.ParseMinutes(value)
	if err != nil {
		log.WithFields(log.Fields{"field": name, "value": value, "err": err}).Warn("Ignoring invalid time in job description")
		return
	}
	*dst = n
}
