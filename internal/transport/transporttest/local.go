// Package transporttest provides a Transport that runs command lines with the
// local sh and treats remote paths as local paths.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/antonkrylov/sitesh/internal/transport"
)

// CopyCall records one Copy invocation and the bytes that moved.
type CopyCall struct {
	Dir    transport.Direction
	Local  string
	Remote string
	Data   []byte
}

// Local implements transport.Transport on the local machine.
type Local struct {
	mu sync.Mutex

	// Down makes Open fail and every running command look like a dropped link.
	Down bool
	// DropNext makes only the next Start fail with ErrConnectionLost.
	DropNext bool
	// FailUpload makes uploads fail after nothing was written.
	FailUpload bool

	Opens  int
	Closes int
	Lines  []string
	Copies []CopyCall
	opened bool
}

var _ transport.Transport = (*Local)(nil)

func (l *Local) Open(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Opens++
	if l.Down {
		return errors.New("connect: host unreachable")
	}
	l.opened = true
	return nil
}

func (l *Local) Start(ctx context.Context, line string, stdin io.Reader) (transport.Command, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.opened {
		return nil, transport.ErrNotOpen
	}
	l.Lines = append(l.Lines, line)
	if l.Down || l.DropNext {
		l.DropNext = false
		l.opened = false
		return lost{}, nil
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	c := exec.CommandContext(ctx, "sh", "-c", line)
	c.Stdout = pw
	c.Stderr = pw
	c.Stdin = stdin
	if err := c.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	_ = pw.Close()
	return &command{cmd: c, out: pr}, nil
}

// Commands returns the lines started so far.
func (l *Local) Commands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Lines...)
}

// Uploads returns the recorded upload calls.
func (l *Local) Uploads() []CopyCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []CopyCall
	for _, c := range l.Copies {
		if c.Dir == transport.Upload {
			out = append(out, c)
		}
	}
	return out
}

func (l *Local) Copy(_ context.Context, local, remote string, dir transport.Direction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.opened {
		return transport.ErrNotOpen
	}
	src, dst := remote, local
	if dir == transport.Upload {
		src, dst = local, remote
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return &transport.TransferError{Dir: dir, Remote: remote, Err: err}
	}
	l.Copies = append(l.Copies, CopyCall{Dir: dir, Local: local, Remote: remote, Data: data})
	if dir == transport.Upload && l.FailUpload {
		return &transport.TransferError{Dir: dir, Remote: remote, Err: fmt.Errorf("%w: broken pipe", transport.ErrConnectionLost)}
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return &transport.TransferError{Dir: dir, Remote: remote, Err: err}
	}
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Closes++
	l.opened = false
	return nil
}

type command struct {
	cmd *exec.Cmd
	out *os.File
}

func (c *command) Output() io.Reader { return c.out }

func (c *command) Wait() (int, error) {
	err := c.cmd.Wait()
	_ = c.out.Close()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return transport.StatusUnknown, err
}

type lost struct{}

func (lost) Output() io.Reader { return strings.NewReader("") }

func (lost) Wait() (int, error) {
	return transport.StatusUnknown, fmt.Errorf("%w: connection reset", transport.ErrConnectionLost)
}
