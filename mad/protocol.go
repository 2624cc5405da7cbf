package mad

import (
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Operations accepted on the request stream.
const (
	OpInit     = "INIT"
	OpSubmit   = "SUBMIT"
	OpPoll     = "POLL"
	OpRecover  = "RECOVER"
	OpCancel   = "CANCEL"
	OpFinalize = "FINALIZE"

	// Sent unprompted by the reconciliation loop.
	OpCallback = "CALLBACK"
)

const (
	Success = "SUCCESS"
	Failure = "FAILURE"

	// Placeholder for an unused field.
	Null = "-"

	WrongCommand  = "WRONG COMMAND"
	NotSubmitted  = "Job not submitted"
	requestFields = 4
)

// Request is one parsed input line: OPERATION ID TARGET PAYLOAD.
type Request struct {
	Op      string
	ID      string
	Target  string
	Payload string
}

func (r Request) String() string {
	return strings.Join([]string{r.Op, r.ID, r.Target, r.Payload}, " ")
}

// ParseRequest splits line into a request. The operation is upper-cased.
// ok is false for lines that do not have exactly four fields or name an
// unknown operation.
func ParseRequest(line string) (req Request, ok bool) {
	f := strings.Fields(line)
	if len(f) != requestFields {
		return Request{}, false
	}
	req = Request{Op: strings.ToUpper(f[0]), ID: f[1], Target: f[2], Payload: f[3]}
	switch req.Op {
	case OpInit, OpSubmit, OpPoll, OpRecover, OpCancel, OpFinalize:
		return req, true
	}
	return Request{}, false
}

// SplitSubmitTarget splits HOST/JM at the last '/'.
func SplitSubmitTarget(target string) (host, jm string, ok bool) {
	i := strings.LastIndex(target, "/")
	if i <= 0 {
		return "", "", false
	}
	return target[:i], target[i+1:], true
}

// SplitRecoverTarget splits HOST:HANDLE at the first ':' that is not part
// of a site::host separator. The handle may itself contain ':'.
func SplitRecoverTarget(target string) (host, handle string, ok bool) {
	for i := 0; i < len(target); i++ {
		if target[i] != ':' {
			continue
		}
		if i+1 < len(target) && target[i+1] == ':' {
			i++
			continue
		}
		if i == 0 || i == len(target)-1 {
			return "", "", false
		}
		return target[:i], target[i+1:], true
	}
	return "", "", false
}

// Writer emits response lines. Each line is written whole, so lines from
// concurrent callers never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Respond writes "OP ID RESULT INFO". An empty id or info becomes "-", and
// info is folded onto one line.
func (w *Writer) Respond(op, id, result, info string) {
	if id == "" {
		id = Null
	}
	info = strings.Join(strings.Fields(info), " ")
	if info == "" {
		info = Null
	}
	w.Line(fmt.Sprintf("%s %s %s %s", op, id, result, info))
}

func (w *Writer) Line(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.w, line+"\n"); err != nil {
		log.WithFields(log.Fields{
			"line": line,
			"err":  err,
		}).Error("Failed to write response")
		return
	}
	log.WithFields(log.Fields{"line": line}).Debug("Sent")
}
