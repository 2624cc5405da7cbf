package registry

import (
	"sort"
	"sync"

	"github.com/metagrid/gwmad/drm"
)

// Entry is one tracked job. Hold the entry's lock while reading or changing
// Job, or talking to the backend about it.
type Entry struct {
	sync.Mutex
	Job     *drm.Job
	Binding *Binding
}

// Jobs maps job ids to entries. Safe for concurrent use.
type Jobs struct {
	mu   sync.Mutex
	jobs map[string]*Entry
}

func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[string]*Entry)}
}

// Put tracks job through b, replacing any entry with the same id.
func (j *Jobs) Put(job *drm.Job, b *Binding) *Entry {
	e := &Entry{Job: job, Binding: b}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs[job.ID] = e
	return e
}

func (j *Jobs) Get(id string) (*Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.jobs[id]
	return e, ok
}

// Remove forgets id if it still maps to e, so an entry that replaced e
// after a resubmission survives.
func (j *Jobs) Remove(id string, e *Entry) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if cur, ok := j.jobs[id]; ok && cur == e {
		delete(j.jobs, id)
		return true
	}
	return false
}

// Snapshot returns the current entries ordered by id.
func (j *Jobs) Snapshot() []*Entry {
	j.mu.Lock()
	entries := make([]*Entry, 0, len(j.jobs))
	for _, e := range j.jobs {
		entries = append(entries, e)
	}
	j.mu.Unlock()

	sort.Slice(entries, func(a, b int) bool {
		return lessID(entries[a].Job.ID, entries[b].Job.ID)
	})
	return entries
}

func (j *Jobs) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.jobs)
}

// lessID orders numeric ids numerically, then everything else lexically.
func lessID(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
