package drm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultQueue means "let the backend choose"; drivers emit no queue
// directive for it.
const DefaultQueue = "default"

// EnvVar is one environment assignment from the job description.
type EnvVar struct {
	Name  string
	Value string
}

// Parameters are the per-submission values a driver renders into its
// descriptor. Time limits are minutes and memory is MB; zero means unset.
type Parameters struct {
	Executable  string
	Arguments   []string
	Directory   string
	Stdin       string
	Stdout      string
	Stderr      string
	Queue       string
	Project     string
	ParallelEnv string
	JobType     string

	Count int
	Nodes int
	PPN   int

	MaxWallTime int
	MaxCpuTime  int
	MaxMemory   int

	// In description order.
	Environment []EnvVar
	// Elements with no dedicated field.
	Extra map[string]string
}

// Env returns the value of the named environment variable, or "".
func (p *Parameters) Env(name string) string {
	for _, e := range p.Environment {
		if e.Name == name {
			return e.Value
		}
	}
	return ""
}

// SetEnv replaces or appends an environment variable.
func (p *Parameters) SetEnv(name, value string) {
	for i, e := range p.Environment {
		if e.Name == name {
			p.Environment[i].Value = value
			return
		}
	}
	p.Environment = append(p.Environment, EnvVar{name, value})
}

// QueueOrDefault returns the queue, or DefaultQueue when none was given.
func (p *Parameters) QueueOrDefault() string {
	if p.Queue == "" {
		return DefaultQueue
	}
	return p.Queue
}

// ExtraKeys returns the Extra keys in sorted order.
func (p *Parameters) ExtraKeys() []string {
	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseMinutes converts "HH:MM", "HH:MM:SS" or a plain number of minutes to
// minutes. Seconds are truncated.
func ParseMinutes(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time value")
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid time value %q", s)
	}
	nums := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid time value %q", s)
		}
		nums[i] = n
	}
	if len(nums) == 1 {
		return nums[0], nil
	}
	if nums[1] >= 60 || (len(nums) == 3 && nums[2] >= 60) {
		return 0, fmt.Errorf("invalid time value %q", s)
	}
	return nums[0]*60 + nums[1], nil
}

// FormatHHMMSS renders minutes as HH:MM:00.
func FormatHHMMSS(minutes int) string {
	return fmt.Sprintf("%02d:%02d:00", minutes/60, minutes%60)
}
