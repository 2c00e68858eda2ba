// Package transport runs single command lines and file copies against one
// remote endpoint over a reusable connection.
//
// Two implementations exist: OpenSSH drives the system ssh/scp binaries
// through a ControlMaster socket, Native keeps one golang.org/x/crypto/ssh
// client and opens a channel per command. Neither is safe for concurrent use;
// callers run one command at a time.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// StatusUnknown is reported when the command's own exit status could not be
// recovered, typically because the connection dropped.
const StatusUnknown = 255

var (
	// ErrConnectionLost means the transport failed rather than the command.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotOpen is returned when a command is started before Open.
	ErrNotOpen = errors.New("transport not open")
)

// Direction selects which way Copy moves a file.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Endpoint identifies the remote login.
type Endpoint struct {
	User string
	Host string
	Port int
}

func (e Endpoint) String() string {
	if e.User == "" {
		return e.Host
	}
	return e.User + "@" + e.Host
}

// Command is one running remote command line. Output must be drained before
// Wait is called.
type Command interface {
	// Output is the combined stdout/stderr stream in arrival order.
	Output() io.Reader
	// Wait returns the remote exit status. If the transport itself failed the
	// status is StatusUnknown and the error wraps ErrConnectionLost.
	Wait() (int, error)
}

// Transport is a reusable connection to one endpoint.
type Transport interface {
	// Open establishes the connection or attaches to a live one.
	Open(ctx context.Context) error
	// Start sends exactly one command line. stdin may be nil.
	Start(ctx context.Context, line string, stdin io.Reader) (Command, error)
	// Copy transfers a single file between local and remote paths.
	Copy(ctx context.Context, local, remote string, dir Direction) error
	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// TransferError describes a failed Copy.
type TransferError struct {
	Dir    Direction
	Remote string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Dir, e.Remote, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
