package drm

import (
	"fmt"
)

// Job is one submission tracked by the driver. Fields are mutated only by
// the holder of the job's registry entry lock.
type Job struct {
	// Caller-assigned id.
	ID string
	// Resource as addressed by the caller, plain or site::host.
	Resource string
	// The host part of a site::host name, if any.
	Host string
	// Job manager token from the SUBMIT target.
	JobManager string
	// Backend job id, PID or instance id.
	Handle string
	State  State

	// Resource features merged with per-submission values (host, jm,
	// env_file, queue) for this job only.
	Features map[string]string

	// Local directory holding the job description.
	LocalDir string
	// Absolute remote jobs directory.
	RemoteDir     string
	LocalWrapper  string
	RemoteWrapper string
	// Frontend directory a sandboxed job is staged from and its outputs
	// retrieved into. Set by drivers that use one.
	SandboxDir string
}

func NewJob(id, resource string, features map[string]string) *Job {
	f := make(map[string]string, len(features))
	for k, v := range features {
		f[k] = v
	}
	return &Job{ID: id, Resource: resource, State: Pending, Features: f}
}

// Feature returns the named feature, or "".
func (j *Job) Feature(key string) string {
	return j.Features[key]
}

func (j *Job) String() string {
	return fmt.Sprintf("%s(%s:%s %s)", j.ID, j.Resource, j.Handle, j.State)
}

// JobError is a failure reported by the backend for one job, as opposed to
// a failure to reach the backend.
type JobError struct {
	msg string
}

func (e *JobError) Error() string {
	return e.msg
}

func NewJobError(format string, args ...interface{}) error {
	return &JobError{fmt.Sprintf(format, args...)}
}
