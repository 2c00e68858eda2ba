// Package logging configures the process-wide logrus logger and hands out
// per-component entries. Everything goes to stderr so it never mixes with
// remote command output on stdout.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	base     = logrus.New()
	loggers  = make(map[string]*logrus.Entry)
	loggerMu sync.Mutex
)

func init() {
	Configure(os.Stderr, "warn")
}

// Configure sets the output and level for every component logger. An
// unparseable level falls back to warn.
func Configure(w io.Writer, level string) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.WarnLevel
	}
	base.SetLevel(lvl)
	base.SetOutput(w)

	colors := false
	if f, ok := w.(*os.File); ok {
		colors = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	base.SetFormatter(&logrus.TextFormatter{
		DisableColors:    !colors,
		DisableTimestamp: colors,
		FullTimestamp:    !colors,
	})
}

// NewLogger returns the logger for a component, creating it on first use.
func NewLogger(component string) *logrus.Entry {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if l, ok := loggers[component]; ok {
		return l
	}
	l := base.WithField("component", component)
	loggers[component] = l
	return l
}
