package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
)

// maxLineSize bounds a single stdin command. Search requests are tiny.
const maxLineSize = 1 << 20

// LineReader pumps lines from a blocking reader onto a channel so the
// command loop can also watch its context.
type LineReader struct {
	lines chan string
	err   error
	done  chan struct{}
}

// NewLineReader starts reading r. Empty lines are skipped. The Lines channel
// is closed on EOF, on a read error, or once ctx is done and the pending line
// could not be delivered.
func NewLineReader(ctx context.Context, r io.Reader) *LineReader {
	lr := &LineReader{
		lines: make(chan string),
		done:  make(chan struct{}),
	}
	go lr.run(ctx, r)
	return lr
}

func (lr *LineReader) run(ctx context.Context, r io.Reader) {
	defer close(lr.done)
	defer close(lr.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			continue
		}
		select {
		case lr.lines <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			err = fmt.Errorf("command exceeds %d bytes: %w", maxLineSize, err)
		}
		lr.err = err
	}
}

// Lines yields each non-empty line.
func (lr *LineReader) Lines() <-chan string {
	return lr.lines
}

// Err returns the read error, if any. Only meaningful once Lines is closed.
func (lr *LineReader) Err() error {
	<-lr.done
	return lr.err
}
