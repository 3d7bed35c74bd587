package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Transport is the line-delimited JSON framing contract for a ToolServer
// connection (§4.5, §6): one JSON object per line, in both directions.
type Transport interface {
	ReadRequest(ctx context.Context) (json.RawMessage, error)
	WriteResponse(msg json.RawMessage) error
	Close() error
}

// StdioTransport serves the tool protocol over the process's own stdin
// and stdout, adapted from the client-side subprocess transport this
// codebase uses elsewhere in the opposite direction: here the process
// itself is the server, so there is no subprocess to manage.
type StdioTransport struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex
}

// NewStdioTransport wraps the given reader/writer (typically os.Stdin
// and os.Stdout) in the line-delimited JSON framing.
func NewStdioTransport(r io.Reader, w io.Writer) *StdioTransport {
	return &StdioTransport{in: bufio.NewReader(r), out: w}
}

// ReadRequest blocks for the next newline-delimited JSON frame, honoring
// ctx cancellation the same way the subprocess transport does: the blocking
// read runs in a goroutine and the result is raced against ctx.Done.
func (t *StdioTransport) ReadRequest(ctx context.Context) (json.RawMessage, error) {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.in.ReadBytes('\n')
		ch <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return json.RawMessage(res.line), nil
	}
}

// WriteResponse writes msg followed by a newline. Writes are
// mutex-serialized since a single connection may interleave tool calls
// with out-of-band notifications in the future.
func (t *StdioTransport) WriteResponse(msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(append(append([]byte{}, msg...), '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// Close is a no-op for stdio: the process owns stdin/stdout and closing
// them here would break a caller still holding a reference.
func (t *StdioTransport) Close() error { return nil }
