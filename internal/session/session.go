// Package session runs the interactive prompt loop: it owns the current
// directory, the auto-list flag and the last exit status, and dispatches each
// input line to the remote side or to a local directive.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/antonkrylov/sitesh/internal/executor"
	"github.com/antonkrylov/sitesh/internal/logging"
	"github.com/antonkrylov/sitesh/internal/transport"
)

// Session is the state of one site.env shell.
type Session struct {
	Site   string
	Env    string
	SiteID string
	User   string
	Host   string

	Dir        string
	AutoList   bool
	LastStatus int
}

// Runner executes remote commands.
type Runner interface {
	Tracked(ctx context.Context, dir, text string, out io.Writer, stdin io.Reader) (executor.Result, error)
	Plain(ctx context.Context, dir, text string, out io.Writer) (int, error)
}

// FileEditor handles .ed and .vw.
type FileEditor interface {
	View(ctx context.Context, dir, path string, args []string) error
	Edit(ctx context.Context, dir, path string, args []string) error
}

// Recorder persists entered lines.
type Recorder interface {
	Append(line string) error
}

// Options wire a Loop to its collaborators. Out and Err default to
// io.Discard, Stdin to nothing.
type Options struct {
	Runner    Runner
	Editor    FileEditor
	Transport transport.Transport
	Reader    LineReader
	History   Recorder
	Prompt    *Prompt

	Out   io.Writer
	Err   io.Writer
	Stdin io.Reader
}

// Loop is the interactive read-dispatch cycle.
type Loop struct {
	sess *Session
	opts Options
	log  *logrus.Entry
}

// NewLoop returns a loop that owns sess.
func NewLoop(sess *Session, opts Options) *Loop {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Err == nil {
		opts.Err = io.Discard
	}
	if opts.Prompt == nil {
		opts.Prompt = NewPrompt(opts.Out)
	}
	return &Loop{sess: sess, opts: opts, log: logging.NewLogger("session")}
}

// Session returns the loop's state.
func (l *Loop) Session() *Session { return l.sess }

// Run prompts until exit, end of input or an unrecoverable connection loss
// and returns the status the process should exit with.
func (l *Loop) Run(ctx context.Context) int {
	for {
		fmt.Fprint(l.opts.Out, l.opts.Prompt.Render(l.sess))
		line, err := l.opts.Reader.ReadLine(ctx)
		switch {
		case errors.Is(err, ErrInterrupted):
			fmt.Fprintln(l.opts.Out)
			continue
		case errors.Is(err, io.EOF):
			fmt.Fprintln(l.opts.Out)
			return l.sess.LastStatus
		case err != nil:
			l.log.WithError(err).Debug("read input")
			return l.sess.LastStatus
		}

		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if l.opts.History != nil {
			if err := l.opts.History.Append(line); err != nil {
				l.log.WithError(err).Warn("history append")
			}
		}
		if text == "exit" {
			return l.sess.LastStatus
		}
		if !l.Dispatch(ctx, line) {
			return l.sess.LastStatus
		}
	}
}

// Dispatch handles one non-empty input line. It returns false when the
// session cannot continue.
func (l *Loop) Dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	switch {
	case len(fields) == 1 && fields[0] == ".ls":
		l.sess.AutoList = !l.sess.AutoList
		state := "off"
		if l.sess.AutoList {
			state = "on"
		}
		fmt.Fprintf(l.opts.Err, "auto-list %s\n", state)
		return true
	case fields[0] == ".ed" || fields[0] == ".vw":
		return l.file(ctx, fields)
	}
	return l.command(ctx, line)
}

func (l *Loop) file(ctx context.Context, fields []string) bool {
	if len(fields) < 2 {
		fmt.Fprintf(l.opts.Err, "usage: %s <path> [editor args...]\n", fields[0])
		return true
	}
	if l.opts.Editor == nil {
		fmt.Fprintln(l.opts.Err, "sitesh: file editing is not available")
		return true
	}
	edit := l.opts.Editor.Edit
	if fields[0] == ".vw" {
		edit = l.opts.Editor.View
	}
	err := edit(ctx, l.sess.Dir, fields[1], fields[2:])
	if err == nil {
		return true
	}
	fmt.Fprintf(l.opts.Err, "sitesh: %v\n", err)
	if errors.Is(err, transport.ErrConnectionLost) {
		return l.reconnect(ctx)
	}
	return true
}

func (l *Loop) command(ctx context.Context, line string) bool {
	res, err := l.opts.Runner.Tracked(ctx, l.sess.Dir, line, l.opts.Out, l.opts.Stdin)
	l.sess.LastStatus = res.Status
	if err != nil {
		if errors.Is(err, transport.ErrConnectionLost) {
			fmt.Fprintf(l.opts.Err, "sitesh: %v\n", err)
			return l.reconnect(ctx)
		}
		fmt.Fprintf(l.opts.Err, "sitesh: %v\n", err)
		return true
	}
	if !res.Tracked {
		l.log.WithField("status", res.Status).Debug("directory unchanged, marker missing")
		return true
	}
	changed := res.Dir != l.sess.Dir
	l.sess.Dir = res.Dir
	if changed && l.sess.AutoList {
		if _, err := l.opts.Runner.Plain(ctx, l.sess.Dir, "ls", l.opts.Out); err != nil {
			fmt.Fprintf(l.opts.Err, "sitesh: %v\n", err)
			if errors.Is(err, transport.ErrConnectionLost) {
				return l.reconnect(ctx)
			}
		}
	}
	return true
}

// reconnect makes the single reconnection attempt allowed after a loss.
func (l *Loop) reconnect(ctx context.Context) bool {
	if l.opts.Transport == nil {
		return false
	}
	if err := l.opts.Transport.Open(ctx); err != nil {
		fmt.Fprintf(l.opts.Err, "sitesh: reconnect failed: %v\n", err)
		return false
	}
	l.log.Info("reconnected")
	return true
}
