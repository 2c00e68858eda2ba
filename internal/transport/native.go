package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"github.com/antonkrylov/sitesh/internal/logging"
)

// NativeOptions configures authentication for the Native transport.
type NativeOptions struct {
	IdentityFiles         []string
	KnownHosts            string
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
}

// Native keeps one x/crypto/ssh client and opens a session channel per
// command.
type Native struct {
	Endpoint Endpoint

	config *ssh.ClientConfig
	client *ssh.Client
	log    *logrus.Entry
}

// NewNative builds the client config (agent + identity files, known_hosts).
func NewNative(ep Endpoint, opts NativeOptions) (*Native, error) {
	auth, err := authMethods(opts.IdentityFiles)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewNativeWithConfig(ep, &ssh.ClientConfig{
		User:            ep.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}), nil
}

// NewNativeWithConfig uses a caller-supplied client config as is.
func NewNativeWithConfig(ep Endpoint, cfg *ssh.ClientConfig) *Native {
	return &Native{Endpoint: ep, config: cfg, log: logging.NewLogger("transport")}
}

func authMethods(identityFiles []string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if sock := strings.TrimSpace(os.Getenv("SSH_AUTH_SOCK")); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	var signers []ssh.Signer
	for _, path := range identityFiles {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read identity %s: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				// Encrypted keys are expected to be served by the agent.
				continue
			}
			return nil, fmt.Errorf("parse identity %s: %w", path, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials: start ssh-agent or configure identityFiles")
	}
	return methods, nil
}

func hostKeyCallback(opts NativeOptions) (ssh.HostKeyCallback, error) {
	if opts.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := strings.TrimSpace(opts.KnownHosts)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = home + "/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known hosts %s: %w", path, err)
	}
	return cb, nil
}

func (t *Native) addr() string {
	port := t.Endpoint.Port
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(t.Endpoint.Host, strconv.Itoa(port))
}

// Open dials the endpoint unless the current client still answers keepalives.
func (t *Native) Open(ctx context.Context) error {
	if t.client != nil {
		if _, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return nil
		}
		_ = t.client.Close()
		t.client = nil
	}

	var (
		client  *ssh.Client
		dialErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		client, dialErr = ssh.Dial("tcp", t.addr(), t.config)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("connect %s: %w", t.Endpoint, ctx.Err())
	case <-done:
	}
	if dialErr != nil {
		return fmt.Errorf("connect %s: %w", t.Endpoint, dialErr)
	}
	t.client = client
	t.log.WithField("addr", t.addr()).Debug("connected")
	return nil
}

// Start opens a session channel and runs line on it.
func (t *Native) Start(_ context.Context, line string, stdin io.Reader) (Command, error) {
	if t.client == nil {
		return nil, ErrNotOpen
	}
	sess, err := t.client.NewSession()
	if err != nil {
		t.drop()
		return nil, fmt.Errorf("%w: open session: %v", ErrConnectionLost, err)
	}
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw
	if forwardStdin(stdin) {
		sess.Stdin = stdin
	}
	if err := sess.Start(line); err != nil {
		_ = sess.Close()
		_ = pw.Close()
		t.drop()
		return nil, fmt.Errorf("%w: start: %v", ErrConnectionLost, err)
	}
	c := &nativeCommand{out: pr, done: make(chan error, 1)}
	go func() {
		err := sess.Wait()
		_ = pw.Close()
		_ = sess.Close()
		c.done <- err
	}()
	return c, nil
}

// forwardStdin refuses terminals: the channel's copy goroutine would keep
// reading the tty after the command finished and swallow the next prompt.
func forwardStdin(stdin io.Reader) bool {
	if stdin == nil {
		return false
	}
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return false
	}
	return true
}

func (t *Native) drop() {
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
}

type nativeCommand struct {
	out  *io.PipeReader
	done chan error
}

func (c *nativeCommand) Output() io.Reader { return c.out }

func (c *nativeCommand) Wait() (int, error) {
	return sessionStatus(<-c.done)
}

func sessionStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return StatusUnknown, fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// Copy streams the file through cat on the remote side.
func (t *Native) Copy(_ context.Context, local, remote string, dir Direction) error {
	if t.client == nil {
		return ErrNotOpen
	}
	sess, err := t.client.NewSession()
	if err != nil {
		t.drop()
		return &TransferError{Dir: dir, Remote: remote, Err: fmt.Errorf("%w: %v", ErrConnectionLost, err)}
	}
	defer sess.Close()

	var stderr bytes.Buffer
	sess.Stderr = &stderr
	var cmd string
	switch dir {
	case Upload:
		f, err := os.Open(local)
		if err != nil {
			return &TransferError{Dir: dir, Remote: remote, Err: err}
		}
		defer f.Close()
		sess.Stdin = f
		cmd = "cat > " + Quote(remote)
	default:
		f, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return &TransferError{Dir: dir, Remote: remote, Err: err}
		}
		defer f.Close()
		sess.Stdout = f
		cmd = "cat -- " + Quote(remote)
	}

	started := time.Now()
	if err := sess.Run(cmd); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return &TransferError{Dir: dir, Remote: remote, Err: err}
	}
	t.log.WithFields(logrus.Fields{"dir": dir.String(), "remote": remote, "elapsed": time.Since(started)}).Debug("transfer complete")
	return nil
}

// Close closes the client connection.
func (t *Native) Close() error {
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
