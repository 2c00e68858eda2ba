package transport

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSSH stands in for ssh: option flags are skipped, -M/-O succeed (except
// "-O check", so Open always starts a master), and the remote command runs
// under the local sh. A "down" file next to the script simulates a dead link.
const fakeSSH = `#!/bin/sh
dir=$(dirname "$0")
printf '%s\n' "$*" >> "$dir/argv.log"
[ -e "$dir/down" ] && exit 255
master=
while [ $# -gt 0 ]; do
  case "$1" in
    -O) [ "$2" = check ] && exit 1; exit 0 ;;
    -M) master=1; shift ;;
    -N|-f) shift ;;
    -o|-S|-p|-l) shift 2 ;;
    *) break ;;
  esac
done
[ -n "$master" ] && exit 0
shift
exec sh -c "$*"
`

// fakeSCP copies locally. Like a legacy-protocol remote, it runs the remote
// part of an operand through the shell, so an unquoted path would split.
const fakeSCP = `#!/bin/sh
printf '%s\n' "$*" >> "$(dirname "$0")/scp.log"
while [ $# -gt 2 ]; do shift; done
src=$1; dst=$2
case "$src" in *@*:*) eval "set -- ${src#*:}"; [ $# -eq 1 ] || exit 1; src=$1 ;; esac
case "$dst" in *@*:*) eval "set -- ${dst#*:}"; [ $# -eq 1 ] || exit 1; dst=$1 ;; esac
exec cp "$src" "$dst"
`

func newFakeOpenSSH(t *testing.T) (*OpenSSH, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	sshPath := filepath.Join(dir, "ssh")
	scpPath := filepath.Join(dir, "scp")
	require.NoError(t, os.WriteFile(sshPath, []byte(fakeSSH), 0o755))
	require.NoError(t, os.WriteFile(scpPath, []byte(fakeSCP), 0o755))

	tr := NewOpenSSH(Endpoint{User: "dev.1234", Host: "appserver.example", Port: 2222}, filepath.Join(dir, "cm.sock"))
	tr.SSHBinary = sshPath
	tr.SCPBinary = scpPath
	tr.ConnectTimeout = 3 * time.Second
	return tr, dir
}

func runToEnd(t *testing.T, tr Transport, line string) (string, int, error) {
	t.Helper()
	cmd, err := tr.Start(context.Background(), line, nil)
	require.NoError(t, err)
	out, err := io.ReadAll(cmd.Output())
	require.NoError(t, err)
	status, err := cmd.Wait()
	return string(out), status, err
}

func TestOpenSSHStartBeforeOpen(t *testing.T) {
	tr, _ := newFakeOpenSSH(t)
	_, err := tr.Start(context.Background(), "true", nil)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestOpenSSHMergesStreamsAndReportsStatus(t *testing.T) {
	tr, dir := newFakeOpenSSH(t)
	require.NoError(t, tr.Open(context.Background()))

	out, status, err := runToEnd(t, tr, "echo out; echo err >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, status)
	assert.Equal(t, "out\nerr\n", out)

	log, err := os.ReadFile(filepath.Join(dir, "argv.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(log)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "-O check")
	assert.Contains(t, lines[1], "-M -N -f")
	assert.Contains(t, lines[2], "ControlMaster=no")
	assert.Contains(t, lines[2], "dev.1234@appserver.example")
}

func TestOpenSSHConnectionLost(t *testing.T) {
	tr, dir := newFakeOpenSSH(t)
	require.NoError(t, tr.Open(context.Background()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "down"), nil, 0o600))

	_, status, err := runToEnd(t, tr, "echo hi")
	assert.Equal(t, StatusUnknown, status)
	assert.ErrorIs(t, err, ErrConnectionLost)

	assert.Error(t, tr.Open(context.Background()))
}

func TestOpenSSHCopyRoundTrip(t *testing.T) {
	tr, dir := newFakeOpenSSH(t)
	require.NoError(t, tr.Open(context.Background()))

	remote := filepath.Join(dir, "remote.txt")
	require.NoError(t, os.WriteFile(remote, []byte("v1"), 0o600))
	local := filepath.Join(dir, "local.txt")

	require.NoError(t, tr.Copy(context.Background(), local, remote, Download))
	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	require.NoError(t, os.WriteFile(local, []byte("v2"), 0o600))
	require.NoError(t, tr.Copy(context.Background(), local, remote, Upload))
	got, err = os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestOpenSSHCopyQuotesRemotePath(t *testing.T) {
	tr, dir := newFakeOpenSSH(t)
	require.NoError(t, tr.Open(context.Background()))

	remote := filepath.Join(dir, "my notes; it's.txt")
	local := filepath.Join(dir, "local.txt")
	require.NoError(t, os.WriteFile(local, []byte("v1"), 0o600))
	require.NoError(t, tr.Copy(context.Background(), local, remote, Upload))
	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	back := filepath.Join(dir, "back.txt")
	require.NoError(t, tr.Copy(context.Background(), back, remote, Download))
	got, err = os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	log, err := os.ReadFile(filepath.Join(dir, "scp.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "-q -O ")
}

func TestOpenSSHCopyMissingRemote(t *testing.T) {
	tr, dir := newFakeOpenSSH(t)
	require.NoError(t, tr.Open(context.Background()))

	err := tr.Copy(context.Background(), filepath.Join(dir, "x"), filepath.Join(dir, "absent"), Download)
	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, Download, terr.Dir)
}

func TestOpenSSHCloseIsIdempotent(t *testing.T) {
	tr, dir := newFakeOpenSSH(t)
	require.NoError(t, tr.Open(context.Background()))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	log, err := os.ReadFile(filepath.Join(dir, "argv.log"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(log), "-O exit"))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "''", Quote(""))
	assert.Equal(t, "'a b'", Quote("a b"))
	assert.Equal(t, `'it'"'"'s'`, Quote("it's"))
}
