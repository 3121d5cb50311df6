package session

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Reporter writes human-readable reports, one per line, tagged with the
// source line of the pause they were produced at.
type Reporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewReporter creates a reporter writing to w, or to stdout when w is nil.
func NewReporter(w io.Writer) *Reporter {
	if w == nil {
		w = os.Stdout
	}
	return &Reporter{w: w}
}

// Report writes "<line>: <message>".
func (r *Reporter) Report(line int, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%d: %s\n", line, fmt.Sprintf(format, args...))
}

// Println writes an untagged line.
func (r *Reporter) Println(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, text)
}
