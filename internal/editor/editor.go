// Package editor views and edits remote files through a local scratch copy.
package editor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/antonkrylov/sitesh/internal/executor"
	"github.com/antonkrylov/sitesh/internal/logging"
	"github.com/antonkrylov/sitesh/internal/transport"
)

// ErrNoEditor is returned when neither the configured editor nor any of the
// fallbacks can be found.
var ErrNoEditor = errors.New("no editor available")

// DefaultEditors is the fallback search order.
var DefaultEditors = []string{"nvim", "vim", "vi", "nano", "emacs"}

// Reason says why a remote path was rejected.
type Reason string

const (
	NotFound          Reason = "no such file"
	NotAFile          Reason = "not a regular file"
	NotReadable       Reason = "not readable"
	NotWritable       Reason = "not writable"
	ParentMissing     Reason = "parent directory does not exist"
	ParentNotWritable Reason = "parent directory is not writable"
)

// CheckError reports a failed existence or permission check.
type CheckError struct {
	Path   string
	Reason Reason
}

func (e *CheckError) Error() string { return e.Path + ": " + string(e.Reason) }

// Launcher runs the editor attached to the user's terminal.
type Launcher func(ctx context.Context, argv []string) error

// Options configure an Editor. Zero values fall back to the process
// environment.
type Options struct {
	// Editor is the configured editor command, possibly with arguments.
	Editor string
	// Editors is the fallback list; DefaultEditors when empty.
	Editors []string
	// ScratchDir holds scratch files; it must exist and be private.
	ScratchDir string
	// RecoveryDir receives edited content whose upload failed.
	RecoveryDir string
	// Out receives status messages.
	Out io.Writer

	LookPath func(string) (string, error)
	Getenv   func(string) string
	Launch   Launcher
}

// Editor implements the .vw and .ed directives.
type Editor struct {
	ex   *executor.Executor
	tr   transport.Transport
	opts Options
	log  *logrus.Entry
}

// New returns an Editor that runs checks with ex and copies over ex's transport.
func New(ex *executor.Executor, opts Options) *Editor {
	if len(opts.Editors) == 0 {
		opts.Editors = DefaultEditors
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Launch == nil {
		opts.Launch = launchTerminal
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	return &Editor{ex: ex, tr: ex.Transport(), opts: opts, log: logging.NewLogger("editor")}
}

func launchTerminal(ctx context.Context, argv []string) error {
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

// Select returns the argv prefix of the editor that would be launched.
func (e *Editor) Select() ([]string, error) {
	return Choose(e.opts.Editor, e.opts.Editors, e.opts.Getenv, e.opts.LookPath)
}

// Choose picks the first available editor from the configured command,
// $VISUAL, $EDITOR and then fallbacks. Commands may carry arguments.
func Choose(configured string, fallbacks []string, getenv func(string) string, lookPath func(string) (string, error)) ([]string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if len(fallbacks) == 0 {
		fallbacks = DefaultEditors
	}
	candidates := append([]string{configured, getenv("VISUAL"), getenv("EDITOR")}, fallbacks...)
	for _, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		if _, err := lookPath(fields[0]); err == nil {
			return fields, nil
		}
		logging.NewLogger("editor").WithField("editor", fields[0]).Debug("not found")
	}
	return nil, ErrNoEditor
}

// resolve turns p into an absolute physical path. The directory part is
// resolved by the remote shell so ".." and symlinks follow remote semantics.
// ok is false when that directory cannot be entered.
func (e *Editor) resolve(ctx context.Context, dir, p string) (string, bool, error) {
	if trimmed := strings.TrimRight(p, "/"); trimmed != "" {
		p = trimmed
	}
	parent, base := ".", p
	if i := strings.LastIndex(p, "/"); i >= 0 {
		parent, base = p[:i], p[i+1:]
		if parent == "" {
			parent = "/"
		}
	}
	if path.IsAbs(p) {
		dir = ""
	}
	out, status, err := e.ex.Output(ctx, dir, "cd -- "+transport.Quote(parent)+" 2>/dev/null && pwd -P")
	if err != nil {
		return "", false, err
	}
	phys := strings.TrimSpace(out)
	if status != 0 || phys == "" {
		if !path.IsAbs(p) {
			p = path.Join(dir, p)
		}
		return p, false, nil
	}
	return path.Join(phys, base), true, nil
}

func (e *Editor) test(ctx context.Context, flag, p string) (bool, error) {
	status, err := e.ex.Plain(ctx, "", "test "+flag+" "+transport.Quote(p), nil)
	if err != nil {
		return false, err
	}
	return status == 0, nil
}

type condition struct {
	flag   string
	reason Reason
}

func (e *Editor) require(ctx context.Context, p string, conds ...condition) error {
	for _, c := range conds {
		ok, err := e.test(ctx, c.flag, p)
		if err != nil {
			return err
		}
		if !ok {
			return &CheckError{Path: p, Reason: c.reason}
		}
	}
	return nil
}

// handle is the state of one view or edit.
type handle struct {
	remote  string
	scratch string
	sum     [sha256.Size]byte
}

func (e *Editor) newHandle(remote string) (*handle, error) {
	name := uuid.NewString() + "-" + path.Base(remote)
	scratch := filepath.Join(e.opts.ScratchDir, name)
	f, err := os.OpenFile(scratch, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(scratch)
		return nil, err
	}
	return &handle{remote: remote, scratch: scratch}, nil
}

func (e *Editor) release(h *handle) {
	if err := os.Remove(h.scratch); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log.WithError(err).WithField("scratch", h.scratch).Warn("remove scratch file")
	}
}

func checksum(file string) ([sha256.Size]byte, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// View downloads p and opens it in the editor. Nothing is ever uploaded.
func (e *Editor) View(ctx context.Context, dir, p string, args []string) error {
	argv, err := e.Select()
	if err != nil {
		return err
	}
	remote, ok, err := e.resolve(ctx, dir, p)
	if err != nil {
		return err
	}
	if !ok {
		return &CheckError{Path: remote, Reason: NotFound}
	}
	if err := e.require(ctx, remote,
		condition{"-e", NotFound},
		condition{"-f", NotAFile},
		condition{"-r", NotReadable},
	); err != nil {
		return err
	}

	h, err := e.newHandle(remote)
	if err != nil {
		return err
	}
	defer e.release(h)
	if err := e.tr.Copy(ctx, h.scratch, h.remote, transport.Download); err != nil {
		return err
	}
	return e.launch(ctx, argv, args, h.scratch)
}

// Edit downloads p (or starts empty when it does not exist yet), opens it in
// the editor and uploads it once if the content changed.
func (e *Editor) Edit(ctx context.Context, dir, p string, args []string) error {
	argv, err := e.Select()
	if err != nil {
		return err
	}
	remote, ok, err := e.resolve(ctx, dir, p)
	if err != nil {
		return err
	}
	if !ok {
		return &CheckError{Path: remote, Reason: ParentMissing}
	}
	exists, err := e.test(ctx, "-e", remote)
	if err != nil {
		return err
	}
	if exists {
		err = e.require(ctx, remote,
			condition{"-f", NotAFile},
			condition{"-r", NotReadable},
			condition{"-w", NotWritable},
		)
	} else {
		err = e.require(ctx, path.Dir(remote),
			condition{"-d", ParentMissing},
			condition{"-w", ParentNotWritable},
		)
	}
	if err != nil {
		return err
	}

	h, err := e.newHandle(remote)
	if err != nil {
		return err
	}
	defer e.release(h)
	if exists {
		if err := e.tr.Copy(ctx, h.scratch, h.remote, transport.Download); err != nil {
			return err
		}
	}
	if h.sum, err = checksum(h.scratch); err != nil {
		return err
	}

	if err := e.launch(ctx, argv, args, h.scratch); err != nil {
		return fmt.Errorf("%w; %s not uploaded", err, h.remote)
	}
	sum, err := checksum(h.scratch)
	if err != nil {
		return err
	}
	if bytes.Equal(sum[:], h.sum[:]) {
		fmt.Fprintf(e.opts.Out, "%s: no changes\n", h.remote)
		return nil
	}

	if err := e.tr.Copy(ctx, h.scratch, h.remote, transport.Upload); err != nil {
		saved, rerr := e.recover(h)
		if rerr != nil {
			e.log.WithError(rerr).Warn("save recovery copy")
			return err
		}
		return fmt.Errorf("%w; edits saved to %s", err, saved)
	}
	fmt.Fprintf(e.opts.Out, "%s: saved\n", h.remote)
	return nil
}

func (e *Editor) launch(ctx context.Context, argv, args []string, scratch string) error {
	full := append(append(append([]string{}, argv...), args...), scratch)
	e.log.WithField("argv", full).Debug("launching editor")
	if err := e.opts.Launch(ctx, full); err != nil {
		return fmt.Errorf("editor %s: %w", argv[0], err)
	}
	return nil
}

// recover copies the scratch file into the recovery directory.
func (e *Editor) recover(h *handle) (string, error) {
	if e.opts.RecoveryDir == "" {
		return "", errors.New("no recovery directory configured")
	}
	if err := os.MkdirAll(e.opts.RecoveryDir, 0o700); err != nil {
		return "", err
	}
	data, err := os.ReadFile(h.scratch)
	if err != nil {
		return "", err
	}
	name := time.Now().Format("20060102-150405") + "-" + path.Base(h.remote)
	dst := filepath.Join(e.opts.RecoveryDir, name)
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return "", err
	}
	return dst, nil
}
