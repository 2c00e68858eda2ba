// Package executor turns command text into remote command lines and runs them
// through a transport, either plainly or with exit status and working
// directory recovery.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/antonkrylov/sitesh/internal/dirtrack"
	"github.com/antonkrylov/sitesh/internal/logging"
	"github.com/antonkrylov/sitesh/internal/transport"
)

// Result is the outcome of a tracked command.
type Result struct {
	Status int
	// Dir is the directory the command finished in, or the directory it was
	// started in when the marker never arrived.
	Dir string
	// Tracked reports whether the marker line was seen.
	Tracked bool
}

// Options control the environment exported ahead of every command.
type Options struct {
	// RemoteHome overrides HOME on the remote side.
	RemoteHome string
	// CacheDir overrides XDG_CACHE_HOME and is created by Prepare.
	CacheDir string
	// Sentinel marks the control line; NewSentinel is used when empty.
	Sentinel string
}

// Executor runs one command at a time over a transport.
type Executor struct {
	tr       transport.Transport
	home     string
	cache    string
	sentinel string
	log      *logrus.Entry
}

// NewSentinel returns a fresh, unguessable marker token.
func NewSentinel() string {
	return "__SITESH_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
}

// New returns an Executor bound to tr.
func New(tr transport.Transport, opts Options) *Executor {
	sentinel := opts.Sentinel
	if sentinel == "" {
		sentinel = NewSentinel()
	}
	return &Executor{
		tr:       tr,
		home:     opts.RemoteHome,
		cache:    opts.CacheDir,
		sentinel: sentinel,
		log:      logging.NewLogger("executor"),
	}
}

// Transport returns the underlying transport.
func (e *Executor) Transport() transport.Transport { return e.tr }

func (e *Executor) env(b *strings.Builder) {
	if e.home != "" {
		fmt.Fprintf(b, "export HOME=%s\n", transport.Quote(e.home))
	}
	if e.cache != "" {
		fmt.Fprintf(b, "export XDG_CACHE_HOME=%s\n", transport.Quote(e.cache))
	}
}

// plainScript is the line sent for a plain command.
func (e *Executor) plainScript(dir, text string) string {
	var b strings.Builder
	e.env(&b)
	if dir != "" {
		fmt.Fprintf(&b, "cd -- %s || exit 1\n", transport.Quote(dir))
	}
	b.WriteString(text)
	return b.String()
}

// trackedScript is the line sent for a tracked command. The EXIT trap fires
// for "exit N" as well, and $? inside it is the status the shell exits with.
// A directory that cannot be entered ends the script before the text runs.
func (e *Executor) trackedScript(dir, text string) string {
	var b strings.Builder
	b.WriteString("exec 2>&1\n")
	e.env(&b)
	fmt.Fprintf(&b, "trap 'printf \"\\n%%s %%d,%%s\\n\" %s \"$?\" \"$(pwd)\"' EXIT\n", e.sentinel)
	if dir != "" {
		q := transport.Quote(dir)
		fmt.Fprintf(&b, "cd -- %s 2>/dev/null || { printf 'sitesh: cannot enter %%s\\n' %s; exit 1; }\n", q, q)
	}
	b.WriteString(text)
	b.WriteString("\n")
	return b.String()
}

// Plain runs text in dir without tracking and streams its output to out
// (discarded when nil). An error is returned only when the transport failed.
func (e *Executor) Plain(ctx context.Context, dir, text string, out io.Writer) (int, error) {
	if out == nil {
		out = io.Discard
	}
	cmd, err := e.tr.Start(ctx, e.plainScript(dir, text), nil)
	if err != nil {
		return transport.StatusUnknown, err
	}
	_, copyErr := io.Copy(out, cmd.Output())
	status, err := cmd.Wait()
	if err != nil {
		return status, err
	}
	if copyErr != nil {
		return status, fmt.Errorf("read output: %w", copyErr)
	}
	return status, nil
}

// Output is Plain with the output captured.
func (e *Executor) Output(ctx context.Context, dir, text string) (string, int, error) {
	var buf bytes.Buffer
	status, err := e.Plain(ctx, dir, text, &buf)
	return buf.String(), status, err
}

// Tracked runs text in dir, forwards its output to out as it arrives and
// recovers the exit status and final directory from the marker line.
func (e *Executor) Tracked(ctx context.Context, dir, text string, out io.Writer, stdin io.Reader) (Result, error) {
	script := e.trackedScript(dir, text)
	e.log.WithField("bytes", len(script)).Debug("tracked command")

	res := Result{Status: transport.StatusUnknown, Dir: dir}
	cmd, err := e.tr.Start(ctx, script, stdin)
	if err != nil {
		return res, err
	}
	rep, demuxErr := dirtrack.Demux(cmd.Output(), out, e.sentinel)
	_, waitErr := cmd.Wait()
	if rep.Found {
		// The marker carries the user's status, which may itself be 255.
		if waitErr != nil || demuxErr != nil {
			e.log.WithFields(logrus.Fields{"wait": waitErr, "read": demuxErr}).Debug("marker found, ignoring exit error")
		}
		res = Result{Status: rep.Status, Dir: rep.Dir, Tracked: true}
		if res.Dir == "" {
			res.Dir = dir
		}
		return res, nil
	}
	e.log.Debug("marker missing")
	if waitErr != nil {
		return res, waitErr
	}
	if demuxErr != nil {
		return res, fmt.Errorf("read output: %w", demuxErr)
	}
	return res, nil
}

// Prepare creates the remote cache directory. Its status is not checked.
func (e *Executor) Prepare(ctx context.Context) error {
	if e.cache == "" {
		return nil
	}
	status, err := e.Plain(ctx, "", "mkdir -p -- "+transport.Quote(e.cache)+" 2>/dev/null", nil)
	if err != nil {
		return err
	}
	if status != 0 {
		e.log.WithField("status", status).Debug("cache dir not created")
	}
	return nil
}
