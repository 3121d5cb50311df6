package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// Operator supplies commands at interactive pauses.
type Operator interface {
	// ReadCommand returns the next command line. It returns ctx.Err() when
	// ctx is done first and io.EOF when no more input will arrive.
	ReadCommand(ctx context.Context, prompt string) (string, error)
}

// LineOperator reads commands line by line from a reader such as stdin.
// One LineOperator can serve successive sessions; lines typed while no
// session is waiting are kept for the next prompt.
type LineOperator struct {
	r          io.Reader
	w          io.Writer
	showPrompt bool

	start sync.Once
	lines chan string
	err   error
	done  chan struct{}
}

// NewLineOperator creates an operator reading from r. Prompts are written
// to w when showPrompt is set.
func NewLineOperator(r io.Reader, w io.Writer, showPrompt bool) *LineOperator {
	return &LineOperator{
		r:          r,
		w:          w,
		showPrompt: showPrompt,
		lines:      make(chan string),
		done:       make(chan struct{}),
	}
}

func (o *LineOperator) read() {
	scanner := bufio.NewScanner(o.r)
	for scanner.Scan() {
		o.lines <- scanner.Text()
	}
	o.err = scanner.Err()
	if o.err == nil {
		o.err = io.EOF
	}
	close(o.done)
}

// ReadCommand implements Operator.
func (o *LineOperator) ReadCommand(ctx context.Context, prompt string) (string, error) {
	o.start.Do(func() { go o.read() })

	if o.showPrompt && o.w != nil {
		fmt.Fprint(o.w, prompt)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-o.lines:
		return line, nil
	case <-o.done:
		return "", o.err
	}
}
