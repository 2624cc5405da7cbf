// Package transport moves commands and files to the frontend of one compute
// resource. Implementations own a single session, reconnect on demand, and
// bound the number of concurrent file transfers.
package transport

//go:generate mockgen -source=transport.go -package=transport -destination=transport_mock.go

import (
	"context"
	"strings"
)

// Mode selects the permissions Copy applies to the destination.
type Mode int

const (
	ModeDefault Mode = iota
	// ModeExecutable makes the destination file executable (0755).
	ModeExecutable
)

// FileScheme marks a URL as living on the local filesystem. Any other URL
// is remote to the resource.
const FileScheme = "file://"

// Transport runs commands and moves files for a single resource.
//
// Run returns the command's stdout and stderr. A command that ran and exited
// non-zero is not an error: drivers interpret the output themselves. A
// non-nil error means the command could not be run at all.
type Transport interface {
	// Connect establishes the session, if not already live.
	Connect(ctx context.Context) error

	Run(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// MkDir creates url and any missing parents.
	MkDir(ctx context.Context, url string) error

	// RmDir removes url recursively. A missing directory is not an error.
	RmDir(ctx context.Context, url string) error

	// Copy transfers one file. Exactly one of src and dst must be a file:// URL;
	// its position determines the direction.
	Copy(ctx context.Context, src, dst string, mode Mode) error

	Close() error
}

// IsLocal reports whether url refers to the local filesystem.
func IsLocal(url string) bool {
	return strings.HasPrefix(url, FileScheme)
}

// Path strips the scheme and, for non-file URLs, the host from url.
//
//	file:///tmp/a      -> /tmp/a
//	ssh://host/~/jobs  -> ~/jobs
//	~/.drm4g/jobs      -> ~/.drm4g/jobs
func Path(url string) string {
	if IsLocal(url) {
		return strings.TrimPrefix(url, FileScheme)
	}
	idx := strings.Index(url, "://")
	if idx < 0 {
		return url
	}
	rest := url[idx+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return ""
	}
	rest = rest[slash:]
	if strings.HasPrefix(rest, "/~") {
		return rest[1:]
	}
	return rest
}

// ExpandWorkDir replaces a leading '~' in path with workDir. When workDir is
// empty or itself "~", the path is made relative to the login directory.
func ExpandWorkDir(path, workDir string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	if workDir == "" || workDir == "~" {
		return "." + path[1:]
	}
	return strings.TrimSuffix(workDir, "/") + path[1:]
}
