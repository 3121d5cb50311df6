package dap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Transport carries framed DAP messages to and from a debug adapter.
type Transport interface {
	// Send writes one message.
	Send(content []byte) error

	// Receive blocks until the next message arrives.
	Receive() ([]byte, error)

	// Close closes the transport.
	Close() error
}

// MaxContentLength is the largest message body accepted (10MB).
const MaxContentLength = 10 * 1024 * 1024

// StreamTransport frames messages over any byte stream.
type StreamTransport struct {
	w      io.Writer
	reader *bufio.Reader
	closer func() error
	mu     sync.Mutex
}

// NewStreamTransport wraps rwc, typically a socket or a pipe.
func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{
		w:      rwc,
		reader: bufio.NewReader(rwc),
		closer: rwc.Close,
	}
}

// NewStdioTransport starts cmd and talks to it over its stdin and stdout.
// Closing the transport kills the process.
func NewStdioTransport(cmd *exec.Cmd) (*StreamTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	return &StreamTransport{
		w:      stdin,
		reader: bufio.NewReader(stdout),
		closer: func() error {
			stdin.Close()
			stdout.Close()
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
			cmd.Wait()
			return nil
		},
	}, nil
}

// DialTransport connects to an adapter listening on address, retrying until
// ctx is done.
func DialTransport(ctx context.Context, address string) (*StreamTransport, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", address)
		if err == nil {
			return NewStreamTransport(conn), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", address, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Send implements Transport.
func (t *StreamTransport) Send(content []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return writeMessage(t.w, content)
}

// Receive implements Transport.
func (t *StreamTransport) Receive() ([]byte, error) {
	return readMessage(t.reader)
}

// Close implements Transport.
func (t *StreamTransport) Close() error {
	return t.closer()
}

func writeMessage(w io.Writer, content []byte) error {
	header := "Content-Length: " + strconv.Itoa(len(content)) + "\r\n\r\n"
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		return fmt.Errorf("write content: %w", err)
	}
	return nil
}

func readMessage(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header: %s", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("invalid content-length: %w", err)
			}
			if n < 0 || n > MaxContentLength {
				return nil, fmt.Errorf("content-length %d exceeds maximum allowed %d", n, MaxContentLength)
			}
			length = n
		}
	}

	if length <= 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	content := make([]byte, length)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return content, nil
}
