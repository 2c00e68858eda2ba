package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antonkrylov/sitesh/internal/logging"
)

// OpenSSH runs commands through the system ssh binary. Open starts a
// background master on ControlPath; every later ssh/scp invocation attaches to
// it, so only the first command pays for the handshake.
type OpenSSH struct {
	Endpoint       Endpoint
	SSHBinary      string
	SCPBinary      string
	ControlPath    string
	ConnectTimeout time.Duration
	// ExtraArgs are passed to every ssh invocation before the destination.
	ExtraArgs []string

	log    *logrus.Entry
	opened bool
	closed bool
}

// NewOpenSSH returns an OpenSSH transport with defaults filled in.
func NewOpenSSH(ep Endpoint, controlPath string) *OpenSSH {
	return &OpenSSH{
		Endpoint:       ep,
		SSHBinary:      "ssh",
		SCPBinary:      "scp",
		ControlPath:    controlPath,
		ConnectTimeout: 10 * time.Second,
		log:            logging.NewLogger("transport"),
	}
}

func (t *OpenSSH) logger() *logrus.Entry {
	if t.log == nil {
		t.log = logging.NewLogger("transport")
	}
	return t.log
}

func (t *OpenSSH) commonArgs() []string {
	args := []string{
		"-o", "ConnectTimeout=" + strconv.Itoa(int(t.ConnectTimeout.Seconds())),
		// Keep the master alive across NATs and idle prompts.
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
	}
	if t.ControlPath != "" {
		args = append(args, "-S", t.ControlPath)
	}
	if t.Endpoint.Port > 0 {
		args = append(args, "-p", strconv.Itoa(t.Endpoint.Port))
	}
	return append(args, t.ExtraArgs...)
}

// Open checks for a live master on ControlPath and starts one if needed.
func (t *OpenSSH) Open(ctx context.Context) error {
	if t.ControlPath == "" {
		t.opened = true
		return nil
	}
	if t.check(ctx) {
		t.opened = true
		return nil
	}
	// A dead master leaves its socket behind and a new one would refuse to bind.
	if err := os.Remove(t.ControlPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger().WithError(err).Debug("remove stale control socket")
	}
	args := append([]string{"-M", "-N", "-f", "-o", "ControlPersist=yes"}, t.commonArgs()...)
	args = append(args, t.Endpoint.String())
	t.logger().WithField("argv", args).Debug("starting ssh master")

	c := exec.CommandContext(ctx, t.SSHBinary, args...)
	// The forked master inherits these descriptors; pipes would never see EOF.
	c.Stdout = nil
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("connect %s: %w", t.Endpoint, err)
	}
	t.opened = true
	t.closed = false
	return nil
}

func (t *OpenSSH) check(ctx context.Context) bool {
	args := append([]string{"-O", "check"}, t.commonArgs()...)
	args = append(args, t.Endpoint.String())
	c := exec.CommandContext(ctx, t.SSHBinary, args...)
	return c.Run() == nil
}

// Start runs line through the master connection.
func (t *OpenSSH) Start(ctx context.Context, line string, stdin io.Reader) (Command, error) {
	if !t.opened {
		return nil, ErrNotOpen
	}
	args := append([]string{"-o", "ControlMaster=no"}, t.commonArgs()...)
	args = append(args, t.Endpoint.String(), line)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	c := exec.CommandContext(ctx, t.SSHBinary, args...)
	// One descriptor for both streams keeps stdout and stderr in order.
	c.Stdout = pw
	c.Stderr = pw
	c.Stdin = stdin
	if err := c.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start ssh: %w", err)
	}
	_ = pw.Close()
	t.logger().WithField("bytes", len(line)).Debug("command started")
	return &sshCommand{cmd: c, out: pr}, nil
}

type sshCommand struct {
	cmd *exec.Cmd
	out *os.File
}

func (c *sshCommand) Output() io.Reader { return c.out }

func (c *sshCommand) Wait() (int, error) {
	err := c.cmd.Wait()
	_ = c.out.Close()
	return exitStatus(err)
}

// exitStatus maps an ssh process result to the remote status. ssh reserves
// 255 for its own failures.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == 255 || code < 0 {
			return StatusUnknown, fmt.Errorf("%w: ssh exited %d", ErrConnectionLost, code)
		}
		return code, nil
	}
	return StatusUnknown, fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// Copy uses scp over the master connection. The legacy protocol (-O) is
// forced so the remote path is always parsed by the remote shell, which is
// what Quote escapes for; SFTP mode would take the quotes literally.
func (t *OpenSSH) Copy(ctx context.Context, local, remote string, dir Direction) error {
	if !t.opened {
		return ErrNotOpen
	}
	args := []string{"-q", "-O", "-S", t.SSHBinary, "-o", "ControlMaster=no"}
	if t.ControlPath != "" {
		args = append(args, "-o", "ControlPath="+t.ControlPath)
	}
	if t.Endpoint.Port > 0 {
		args = append(args, "-P", strconv.Itoa(t.Endpoint.Port))
	}
	target := t.Endpoint.String() + ":" + Quote(remote)
	if dir == Upload {
		args = append(args, local, target)
	} else {
		args = append(args, target, local)
	}

	started := time.Now()
	c := exec.CommandContext(ctx, t.SCPBinary, args...)
	out, err := c.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return &TransferError{Dir: dir, Remote: remote, Err: err}
	}
	t.logger().WithFields(logrus.Fields{"dir": dir.String(), "remote": remote, "elapsed": time.Since(started)}).Debug("transfer complete")
	return nil
}

// Close asks the master to exit.
func (t *OpenSSH) Close() error {
	if t.closed || !t.opened {
		t.closed = true
		return nil
	}
	t.closed = true
	t.opened = false
	if t.ControlPath == "" {
		return nil
	}
	args := append([]string{"-O", "exit"}, t.commonArgs()...)
	args = append(args, t.Endpoint.String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, t.SSHBinary, args...).CombinedOutput(); err != nil {
		t.logger().WithError(err).WithField("output", strings.TrimSpace(string(out))).Debug("master exit")
	}
	return nil
}
