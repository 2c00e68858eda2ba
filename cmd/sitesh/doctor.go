package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	cliconfig "github.com/antonkrylov/sitesh/internal/cli/config"
	"github.com/antonkrylov/sitesh/internal/client"
	"github.com/antonkrylov/sitesh/internal/editor"
	"github.com/antonkrylov/sitesh/internal/history"
	"github.com/antonkrylov/sitesh/internal/registry"
)

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doctor(cmd.OutOrStdout(), opts, exec.LookPath)
			return nil
		},
	}
}

func doctor(out io.Writer, opts *rootOptions, lookPath func(string) (string, error)) {
	exe, _ := os.Executable()
	fmt.Fprintf(out, "sitesh_version=%s\n", version)
	if exe = strings.TrimSpace(exe); exe != "" {
		fmt.Fprintf(out, "sitesh_executable=%s\n", exe)
	}

	fmt.Fprintf(out, "config_path=%s\n", opts.configPath)
	file, err := cliconfig.Load(opts.configPath)
	switch {
	case err != nil:
		fmt.Fprintf(out, "config_error=%s\n", err.Error())
	case file == nil:
		fmt.Fprintln(out, "config_present=false")
	default:
		fmt.Fprintln(out, "config_present=true")
	}

	cfg, err := client.ResolveConfig(opts.configPath, opts.overrides())
	if err != nil {
		fmt.Fprintf(out, "config_invalid=%s\n", err.Error())
		return
	}
	fmt.Fprintf(out, "transport=%s\n", cfg.Transport)
	fmt.Fprintf(out, "port=%d connect_timeout=%s\n", cfg.Port, cfg.ConnectTimeout())
	fmt.Fprintf(out, "user_template=%s host_template=%s\n", cfg.UserTemplate, cfg.HostTemplate)

	regPath, _ := cliconfig.ExpandPath(cfg.Registry)
	fmt.Fprintf(out, "registry_path=%s\n", regPath)
	if reg, err := registry.Load(regPath); err != nil {
		fmt.Fprintf(out, "registry_error=%s\n", err.Error())
	} else {
		fmt.Fprintf(out, "registry_sites=%d\n", len(reg.Entries))
	}

	for _, bin := range []string{cfg.SSHBinary, cfg.SCPBinary} {
		if p, err := lookPath(bin); err == nil {
			fmt.Fprintf(out, "binary=%s path=%s\n", bin, p)
		} else {
			fmt.Fprintf(out, "binary=%s missing=true\n", bin)
		}
	}
	if cfg.Transport == cliconfig.TransportNative {
		fmt.Fprintf(out, "ssh_auth_sock_set=%t\n", os.Getenv("SSH_AUTH_SOCK") != "")
	}

	doctorHistory(out, cfg.HistoryDir)

	if argv, err := editor.Choose(cfg.Editor, cfg.Editors, os.Getenv, lookPath); err != nil {
		fmt.Fprintf(out, "editor_error=%s\n", err.Error())
	} else {
		fmt.Fprintf(out, "editor=%s\n", strings.Join(argv, " "))
	}
	fmt.Fprintf(out, "stdin_is_terminal=%t\n", term.IsTerminal(int(os.Stdin.Fd())))
}

// doctorHistory lists one line per site.env history file.
func doctorHistory(out io.Writer, dir string) {
	dir, err := cliconfig.ExpandPath(dir)
	if err != nil {
		fmt.Fprintf(out, "history_error=%s\n", err.Error())
		return
	}
	fmt.Fprintf(out, "history_dir=%s\n", dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(out, "history_error=%s\n", err.Error())
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lines, err := history.Load(filepath.Join(dir, e.Name()))
		if err != nil {
			fmt.Fprintf(out, "history=%s error=%s\n", e.Name(), err.Error())
			continue
		}
		fmt.Fprintf(out, "history=%s entries=%d\n", e.Name(), len(lines))
	}
}
