package session

import (
	"bytes"
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

	"github.com/antonkrylov/sitesh/internal/executor"
	"github.com/antonkrylov/sitesh/internal/transport/transporttest"
)

// scripted replays inputs; an entry equal to interrupt yields ErrInterrupted.
type scripted struct {
	lines []string
	reads int
}

const interrupt = "\x03"

func (s *scripted) ReadLine(context.Context) (string, error) {
	if s.reads >= len(s.lines) {
		return "", io.EOF
	}
	line := s.lines[s.reads]
	s.reads++
	if line == interrupt {
		return "", ErrInterrupted
	}
	return line, nil
}

type recordedEdit struct {
	op, dir, path string
	args          []string
}

type fakeEditor struct {
	calls []recordedEdit
	err   error
}

func (f *fakeEditor) View(_ context.Context, dir, path string, args []string) error {
	f.calls = append(f.calls, recordedEdit{"view", dir, path, args})
	return f.err
}

func (f *fakeEditor) Edit(_ context.Context, dir, path string, args []string) error {
	f.calls = append(f.calls, recordedEdit{"edit", dir, path, args})
	return f.err
}

type memHistory struct{ lines []string }

func (m *memHistory) Append(line string) error {
	m.lines = append(m.lines, line)
	return nil
}

type harness struct {
	loop   *Loop
	tr     *transporttest.Local
	ed     *fakeEditor
	hist   *memHistory
	out    *bytes.Buffer
	errOut *bytes.Buffer
	start  string
}

func newHarness(t *testing.T, lines ...string) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	start, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	tr := &transporttest.Local{}
	require.NoError(t, tr.Open(context.Background()))

	h := &harness{
		tr:     tr,
		ed:     &fakeEditor{},
		hist:   &memHistory{},
		out:    &bytes.Buffer{},
		errOut: &bytes.Buffer{},
		start:  start,
	}
	h.loop = NewLoop(&Session{Site: "shop", Env: "dev", Dir: start}, Options{
		Runner:    executor.New(tr, executor.Options{}),
		Editor:    h.ed,
		Transport: tr,
		Reader:    &scripted{lines: lines},
		History:   h.hist,
		Out:       h.out,
		Err:       h.errOut,
	})
	return h
}

func (h *harness) lsCount() int {
	n := 0
	for _, c := range h.tr.Commands() {
		if strings.HasSuffix(c, "\nls") {
			n++
		}
	}
	return n
}

func TestExitReturnsLastStatus(t *testing.T) {
	h := newHarness(t, "sh -c 'exit 3'", "exit", "echo never")
	assert.Equal(t, 3, h.loop.Run(context.Background()))
	assert.Len(t, h.tr.Commands(), 1)
	assert.Equal(t, []string{"sh -c 'exit 3'", "exit"}, h.hist.lines)
}

func TestEOFEndsWithLastStatus(t *testing.T) {
	h := newHarness(t, "true")
	assert.Equal(t, 0, h.loop.Run(context.Background()))

	h = newHarness(t, "false")
	assert.Equal(t, 1, h.loop.Run(context.Background()))
}

func TestEmptyAndInterruptedLinesRunNothing(t *testing.T) {
	h := newHarness(t, "", "   ", interrupt, "exit")
	assert.Equal(t, 0, h.loop.Run(context.Background()))
	assert.Empty(t, h.tr.Commands())
	assert.Empty(t, h.hist.lines)
	assert.Equal(t, 4, strings.Count(h.out.String(), "shop.dev:"), "one prompt per read")
}

func TestDirectoryTracking(t *testing.T) {
	h := newHarness(t)
	target, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	require.True(t, h.loop.Dispatch(context.Background(), "cd "+target))
	assert.Equal(t, target, h.loop.Session().Dir)
	assert.Equal(t, 0, h.loop.Session().LastStatus)

	require.True(t, h.loop.Dispatch(context.Background(), "cd "+filepath.Join(target, "missing")))
	assert.Equal(t, target, h.loop.Session().Dir)
	assert.NotEqual(t, 0, h.loop.Session().LastStatus)

	require.True(t, h.loop.Dispatch(context.Background(), "pwd"))
	assert.Contains(t, h.out.String(), target+"\n")
}

func TestAutoListToggleAndTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := filepath.Join(h.start, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "marker.txt"), nil, 0o600))

	require.True(t, h.loop.Dispatch(ctx, ".ls"))
	assert.True(t, h.loop.Session().AutoList)

	// No directory change, no listing.
	require.True(t, h.loop.Dispatch(ctx, "echo hi"))
	assert.Equal(t, 0, h.lsCount())

	require.True(t, h.loop.Dispatch(ctx, "cd sub"))
	assert.Equal(t, 1, h.lsCount())
	assert.Contains(t, h.out.String(), "marker.txt")

	require.True(t, h.loop.Dispatch(ctx, ".ls"))
	assert.False(t, h.loop.Session().AutoList)
	require.True(t, h.loop.Dispatch(ctx, "cd .."))
	assert.Equal(t, 1, h.lsCount())

	assert.Contains(t, h.errOut.String(), "auto-list on")
	assert.Contains(t, h.errOut.String(), "auto-list off")
}

func TestDirectivesDoNotReachRemote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.loop.Dispatch(ctx, ".ed web/index.php +10"))
	require.True(t, h.loop.Dispatch(ctx, ".vw README.md"))
	require.True(t, h.loop.Dispatch(ctx, ".ed"))
	require.True(t, h.loop.Dispatch(ctx, ".vw"))
	assert.Empty(t, h.tr.Commands())

	require.Len(t, h.ed.calls, 2)
	assert.Equal(t, recordedEdit{"edit", h.start, "web/index.php", []string{"+10"}}, h.ed.calls[0])
	assert.Equal(t, "view", h.ed.calls[1].op)
	assert.Empty(t, h.ed.calls[1].args)
	assert.Contains(t, h.errOut.String(), "usage: .ed <path>")
	assert.Contains(t, h.errOut.String(), "usage: .vw <path>")
	assert.Equal(t, h.start, h.loop.Session().Dir)
}

func TestUnknownDotInputGoesRemote(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.loop.Dispatch(context.Background(), ".lsx 2>/dev/null; echo passed"))
	require.True(t, h.loop.Dispatch(context.Background(), ".ls -la 2>/dev/null; true"))
	assert.Len(t, h.tr.Commands(), 2)
	assert.Contains(t, h.out.String(), "passed")
	assert.False(t, h.loop.Session().AutoList)
}

func TestEditorErrorsAreReported(t *testing.T) {
	h := newHarness(t)
	h.ed.err = io.ErrUnexpectedEOF
	require.True(t, h.loop.Dispatch(context.Background(), ".ed x"))
	assert.Contains(t, h.errOut.String(), "sitesh: unexpected EOF")
}

func TestConnectionLossReconnects(t *testing.T) {
	h := newHarness(t, "echo one", "echo two")
	h.tr.DropNext = true

	assert.Equal(t, 0, h.loop.Run(context.Background()))
	assert.Equal(t, 2, h.tr.Opens, "initial open plus one reconnect")
	assert.Contains(t, h.errOut.String(), "connection lost")
	assert.Contains(t, h.out.String(), "two")
	assert.Equal(t, h.start, h.loop.Session().Dir)
}

func TestFailedReconnectEndsSession(t *testing.T) {
	h := newHarness(t, "true", "echo lost", "echo never")
	require.True(t, h.loop.Dispatch(context.Background(), "false"))
	h.tr.Down = true

	assert.Equal(t, 255, h.loop.Run(context.Background()))
	assert.Contains(t, h.errOut.String(), "reconnect failed")
	assert.Len(t, h.tr.Commands(), 2)
}

func TestPromptShowsStatus(t *testing.T) {
	p := NewPrompt(&bytes.Buffer{})
	s := &Session{Site: "shop", Env: "live", Dir: "/code"}
	assert.Equal(t, "shop.live:/code$ ", p.Render(s))
	s.LastStatus = 2
	assert.Equal(t, "[2] shop.live:/code$ ", p.Render(s))
}

func TestTerminalReader(t *testing.T) {
	pr, pw := io.Pipe()
	sig := make(chan os.Signal, 1)
	r := NewTerminalReader(pr, sig)
	defer r.Close()
	ctx := context.Background()

	// A signal left over from a command is discarded before reading.
	sig <- os.Interrupt
	go func() { _, _ = pw.Write([]byte("first\r\n")) }()
	line, err := r.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", line)

	// Interrupt while waiting; the read started by that call stays pending
	// and serves the next one.
	go func() {
		time.Sleep(50 * time.Millisecond)
		sig <- os.Interrupt
	}()
	_, err = r.ReadLine(ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
	go func() { _, _ = pw.Write([]byte("second\n")) }()
	line, err = r.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", line)

	go func() {
		_, _ = pw.Write([]byte("tail"))
		_ = pw.Close()
	}()
	line, err = r.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tail", line)
	_, err = r.ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF)
}
