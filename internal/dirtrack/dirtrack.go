// Package dirtrack separates user output from the trailing control line that
// a tracked command prints on exit.
//
// The control line has the form "<sentinel> <status>,<dir>". The directory is
// everything after the first comma, so it may itself contain commas. Only the
// first well-formed control line is consumed; output that happens to start
// with the same token is indistinguishable from it, which is why sentinels
// are generated per session.
package dirtrack

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/antonkrylov/sitesh/internal/transport"
)

// Report is what the control line carried.
type Report struct {
	// Found is false when the stream ended without a control line.
	Found  bool
	Status int
	Dir    string
}

// Demux copies r to w line by line as lines arrive and extracts the control
// line. It returns when r reaches EOF; a missing control line yields
// Report{Found: false, Status: transport.StatusUnknown}.
func Demux(r io.Reader, w io.Writer, sentinel string) (Report, error) {
	if w == nil {
		w = io.Discard
	}
	rep := Report{Status: transport.StatusUnknown}
	prefix := sentinel + " "
	br := bufio.NewReader(r)

	var (
		held string // empty line that may belong to the control line
		werr error
	)
	write := func(s string) {
		if werr == nil && s != "" {
			_, werr = io.WriteString(w, s)
		}
	}

	for {
		line, rerr := br.ReadString('\n')
		if line != "" {
			body := strings.TrimRight(line, "\r\n")
			switch {
			case !rep.Found && parse(body, prefix, &rep):
				// The wrapper prints a newline ahead of the control line so it
				// always starts a fresh line; that blank line is not output.
				held = ""
			case !rep.Found && body == "" && rerr == nil:
				write(held)
				held = line
			default:
				write(held)
				held = ""
				write(line)
			}
		}
		if rerr != nil {
			write(held)
			if errors.Is(rerr, io.EOF) {
				return rep, werr
			}
			return rep, rerr
		}
	}
}

func parse(body, prefix string, rep *Report) bool {
	if !strings.HasPrefix(body, prefix) {
		return false
	}
	statusText, dir, ok := strings.Cut(body[len(prefix):], ",")
	if !ok {
		return false
	}
	status, err := strconv.Atoi(strings.TrimSpace(statusText))
	if err != nil {
		return false
	}
	rep.Found = true
	rep.Status = status
	rep.Dir = dir
	return true
}
