package common

import (
	"time"
)

const GwmadDirEnvVar = "GWMAD_DIR"

const DefaultMinWorkers = 3
const DefaultMaxWorkers = 10
const DefaultCallbackInterval = 30 * time.Second

const DefaultMaxTransfers = 3

// Remote directory for job files when a resource has no "scratch" feature.
const DefaultRemoteJobsDir = "~/.drm4g/jobs"
