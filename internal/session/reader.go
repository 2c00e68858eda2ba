package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
)

// ErrInterrupted is returned by a LineReader when the user aborts the line
// being typed.
var ErrInterrupted = errors.New("interrupted")

// LineReader yields one line of input per call. It returns io.EOF at the end
// of input and ErrInterrupted when the current line was aborted.
type LineReader interface {
	ReadLine(ctx context.Context) (string, error)
}

type lineResult struct {
	line string
	err  error
}

// TerminalReader reads lines from a terminal and turns SIGINT at the prompt
// into ErrInterrupted. A read is only started when ReadLine is called, so
// nothing consumes input while a command or editor owns the terminal. After
// an interrupt the started read stays pending and serves the next call.
type TerminalReader struct {
	in         *bufio.Reader
	interrupts chan os.Signal
	notified   bool
	pending    chan lineResult
}

// NewTerminalReader reads from in. When interrupts is nil the reader
// subscribes to os.Interrupt itself; Close releases that subscription.
func NewTerminalReader(in io.Reader, interrupts chan os.Signal) *TerminalReader {
	r := &TerminalReader{in: bufio.NewReader(in), interrupts: interrupts}
	if r.interrupts == nil {
		r.interrupts = make(chan os.Signal, 4)
		signal.Notify(r.interrupts, os.Interrupt)
		r.notified = true
	}
	return r
}

// ReadLine implements LineReader.
func (r *TerminalReader) ReadLine(ctx context.Context) (string, error) {
	if r.pending == nil {
		// Interrupts delivered while a command ran belong to that command.
		r.drain()
		ch := make(chan lineResult, 1)
		r.pending = ch
		go func() {
			line, err := r.in.ReadString('\n')
			ch <- lineResult{line: line, err: err}
		}()
	}
	select {
	case res := <-r.pending:
		r.pending = nil
		line := strings.TrimRight(res.line, "\r\n")
		if res.err != nil && line == "" {
			return "", res.err
		}
		return line, nil
	case <-r.interrupts:
		return "", ErrInterrupted
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *TerminalReader) drain() {
	for {
		select {
		case <-r.interrupts:
		default:
			return
		}
	}
}

// Close stops signal delivery to the reader.
func (r *TerminalReader) Close() error {
	if r.notified {
		signal.Stop(r.interrupts)
		r.notified = false
	}
	return nil
}
