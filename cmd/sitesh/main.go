package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	cliconfig "github.com/antonkrylov/sitesh/internal/cli/config"
	"github.com/antonkrylov/sitesh/internal/client"
	"github.com/antonkrylov/sitesh/internal/editor"
	"github.com/antonkrylov/sitesh/internal/executor"
	"github.com/antonkrylov/sitesh/internal/history"
	"github.com/antonkrylov/sitesh/internal/logging"
	"github.com/antonkrylov/sitesh/internal/session"
	"github.com/antonkrylov/sitesh/internal/transport"
)

var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

type rootOptions struct {
	configPath     string
	registry       string
	transport      string
	port           int
	connectTimeout time.Duration
	logLevel       string
}

func (r *rootOptions) overrides() cliconfig.Config {
	return cliconfig.Config{
		Registry:              r.registry,
		Transport:             r.transport,
		Port:                  r.port,
		ConnectTimeoutSeconds: int(r.connectTimeout.Round(time.Second) / time.Second),
		LogLevel:              r.logLevel,
	}
}

// exitError carries a process exit status out of cobra.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "sitesh: %v\n", err)
	os.Exit(1)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "sitesh [flags] <site>.<env> [command...]",
		Short: "Shell-like access to a hosted site environment over one-command ssh",
		Long: "Without a command and with a terminal on stdin, sitesh opens an interactive prompt.\n" +
			"With a command, or with stdin redirected, it runs that command once and exits with its status.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := run(cmd.Context(), opts, args, os.Stdin, os.Stdout, os.Stderr)
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	defaultConfig := os.Getenv("SITESH_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	// Everything after the target belongs to the remote command.
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to sitesh config file (default $HOME/.sitesh/config)")
	rootCmd.PersistentFlags().StringVar(&opts.registry, "registry", "", "site registry file (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.transport, "transport", "", "transport: openssh|native (overrides config)")
	rootCmd.PersistentFlags().IntVar(&opts.port, "port", 0, "ssh port (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&opts.connectTimeout, "connect-timeout", 0, "connection timeout; defaults to config or 10s")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug|info|warn|error")

	rootCmd.AddCommand(newDoctorCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sitesh %s\n", version)
			if commit != "" {
				fmt.Fprintf(out, "commit=%s\n", commit)
			}
			if buildTime != "" {
				fmt.Fprintf(out, "built=%s\n", buildTime)
			}
		},
	}
}

// batchCommand decides the mode. It returns the command text and true for
// either batch mode, false for an interactive session.
func batchCommand(args []string, stdin io.Reader, stdinIsTerminal bool) (string, bool, error) {
	if len(args) > 1 {
		return strings.Join(args[1:], " "), true, nil
	}
	if stdinIsTerminal {
		return "", false, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", true, fmt.Errorf("read stdin: %w", err)
	}
	return string(data), true, nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// run is the whole process after flag parsing. Resources acquired here are
// released by its defers on every return path.
func run(parent context.Context, opts *rootOptions, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if parent == nil {
		parent = context.Background()
	}
	log := logging.NewLogger("main")
	conn, err := client.ResolveConnection(opts.configPath, opts.overrides(), args[0])
	if err != nil {
		fmt.Fprintf(stderr, "sitesh: %v\n", err)
		return 1
	}
	cfg := conn.Config
	logging.Configure(os.Stderr, cfg.LogLevel)

	text, batch, err := batchCommand(args, stdin, isTerminal(stdin))
	if err != nil {
		fmt.Fprintf(stderr, "sitesh: %v\n", err)
		return 1
	}

	// Batch runs are cancelled by Ctrl-C; interactive sessions read SIGINT
	// themselves and only stop on SIGTERM.
	sigs := []os.Signal{syscall.SIGTERM}
	if batch {
		sigs = append(sigs, os.Interrupt)
	}
	ctx, stop := signal.NotifyContext(parent, sigs...)
	defer stop()

	scratch, err := os.MkdirTemp("", "sitesh-")
	if err != nil {
		fmt.Fprintf(stderr, "sitesh: scratch dir: %v\n", err)
		return 1
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.WithError(err).Warn("remove scratch dir")
		}
	}()

	tr, err := conn.NewTransport(scratch)
	if err != nil {
		fmt.Fprintf(stderr, "sitesh: %v\n", err)
		return 1
	}
	openCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout()+5*time.Second)
	err = tr.Open(openCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(stderr, "sitesh: %v\n", err)
		return 1
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.WithError(err).Debug("close transport")
		}
	}()

	ex := executor.New(tr, executor.Options{RemoteHome: cfg.RemoteHome, CacheDir: cfg.RemoteCacheDir()})
	if err := ex.Prepare(ctx); err != nil {
		log.WithError(err).Debug("prepare cache dir")
	}

	if batch {
		return runBatch(ctx, ex, cfg.InitialDir, text, stdout, stderr)
	}
	return runInteractive(ctx, conn, ex, scratch, stdin, stdout, stderr)
}

func runBatch(ctx context.Context, ex *executor.Executor, dir, text string, stdout, stderr io.Writer) int {
	status, err := ex.Plain(ctx, dir, text, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "sitesh: %v\n", err)
		if status == 0 {
			status = transport.StatusUnknown
		}
	}
	return status
}

func runInteractive(ctx context.Context, conn *client.Connection, ex *executor.Executor, scratch string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg := conn.Config
	log := logging.NewLogger("main")

	var rec session.Recorder
	historyDir, err := cliconfig.ExpandPath(cfg.HistoryDir)
	if err == nil {
		var h *history.File
		h, err = history.Open(historyDir, conn.Site, conn.Env)
		if err == nil {
			defer h.Close()
			log.WithField("path", h.Path()).Debug("history enabled")
			rec = h
		}
	}
	if err != nil {
		log.WithError(err).Warn("history disabled")
	}

	recoveryDir, err := cliconfig.ExpandPath(cfg.RecoveryDir)
	if err != nil {
		recoveryDir = ""
	}
	ed := editor.New(ex, editor.Options{
		Editor:      cfg.Editor,
		Editors:     cfg.Editors,
		ScratchDir:  scratch,
		RecoveryDir: recoveryDir,
		Out:         stderr,
	})

	reader := session.NewTerminalReader(stdin, nil)
	defer reader.Close()

	sess := &session.Session{
		Site:   conn.Site,
		Env:    conn.Env,
		SiteID: conn.SiteID,
		User:   conn.Endpoint.User,
		Host:   conn.Endpoint.Host,
		Dir:    cfg.InitialDir,
	}
	loop := session.NewLoop(sess, session.Options{
		Runner:    ex,
		Editor:    ed,
		Transport: ex.Transport(),
		Reader:    reader,
		History:   rec,
		Out:       stdout,
		Err:       stderr,
		Stdin:     stdin,
	})
	return loop.Run(ctx)
}
