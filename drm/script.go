package drm

import (
	"context"
	"path"
	"strings"

	"github.com/metagrid/gwmad/transport"
)

// StageWrapper copies job.LocalWrapper to job.RemoteWrapper as an
// executable, creating the remote directory first.
func StageWrapper(ctx context.Context, tr transport.Transport, job *Job) error {
	if err := tr.MkDir(ctx, path.Dir(job.RemoteWrapper)); err != nil {
		return err
	}
	return tr.Copy(ctx, transport.FileScheme+job.LocalWrapper, job.RemoteWrapper, transport.ModeExecutable)
}

// Quote returns s as a single bash word.
func Quote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}

// CommandLine renders the executable and its arguments as one shell line.
func (p *Parameters) CommandLine() string {
	words := []string{Quote(p.Executable)}
	for _, a := range p.Arguments {
		words = append(words, Quote(a))
	}
	return strings.Join(words, " ")
}

// OneLine joins the lines of backend output, for error messages.
func OneLine(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
