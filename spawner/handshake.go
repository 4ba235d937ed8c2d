package spawner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// maxHandshake is how much handshake content is kept. Anything longer cannot be a pid,
// but it is still read so the worker never blocks writing to a full pipe.
const maxHandshake = 64

type cappedBuffer struct {
	buf bytes.Buffer
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := maxHandshake - b.buf.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf.Write(p[:room])
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

type handshakeResult struct {
	content string
	err     error
}

// readPID reads r until EOF and parses its content as a pid. It owns r and closes it once
// the worker's end is closed.
//
// If ctx is done first, readPID gives up but r keeps being drained in the background.
// Closing it instead would kill a worker that announces late with SIGPIPE.
func readPID(ctx context.Context, r *os.File) (int, error) {
	done := make(chan handshakeResult, 1)
	go func() {
		defer r.Close()
		var buf cappedBuffer
		_, err := io.Copy(&buf, r)
		done <- handshakeResult{content: buf.String(), err: err}
	}()

	var res handshakeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		return 0, &HandshakeError{Err: ctx.Err()}
	}
	if res.err != nil {
		return 0, &HandshakeError{Content: res.content, Err: fmt.Errorf("reading worker stdout: %w", res.err)}
	}
	return parsePID(res.content)
}

func parsePID(content string) (int, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0, &HandshakeError{Content: content, Err: errors.New("worker closed stdout without reporting a pid")}
	}
	pid, err := strconv.Atoi(trimmed)
	if err != nil || pid <= 0 {
		return 0, &HandshakeError{Content: content}
	}
	return pid, nil
}
