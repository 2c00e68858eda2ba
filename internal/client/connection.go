package client

import (
	"fmt"
	"path/filepath"
	"strings"

	cliconfig "github.com/antonkrylov/sitesh/internal/cli/config"
	"github.com/antonkrylov/sitesh/internal/registry"
	"github.com/antonkrylov/sitesh/internal/transport"
)

// Connection is everything needed to reach one site.env.
type Connection struct {
	ConfigPath string
	Config     *cliconfig.Config
	Site       string
	Env        string
	SiteID     string
	Endpoint   transport.Endpoint
}

// ResolveConnection applies sitesh's precedence:
// 1) flags (overrides)
// 2) SITESH_* environment
// 3) config file values
// 4) defaults
// and then looks the site up in the registry.
func ResolveConnection(configPath string, overrides cliconfig.Config, target string) (*Connection, error) {
	site, env, err := registry.ParseTarget(target)
	if err != nil {
		return nil, err
	}
	cfg, err := ResolveConfig(configPath, overrides)
	if err != nil {
		return nil, err
	}

	regPath, err := cliconfig.ExpandPath(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("registry path: %w", err)
	}
	reg, err := registry.Load(regPath)
	if err != nil {
		return nil, err
	}
	id, err := reg.Lookup(site)
	if err != nil {
		return nil, err
	}

	t := cfg.Target(site, env, id)
	return &Connection{
		ConfigPath: configPath,
		Config:     cfg,
		Site:       site,
		Env:        env,
		SiteID:     id,
		Endpoint:   transport.Endpoint{User: t.User, Host: t.Host, Port: t.Port},
	}, nil
}

// ResolveConfig loads and validates the effective configuration.
func ResolveConfig(configPath string, overrides cliconfig.Config) (*cliconfig.Config, error) {
	cfg, err := cliconfig.Resolve(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Merge(overrides)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewTransport builds the configured transport. scratchDir holds the
// ControlMaster socket for the openssh transport.
func (c *Connection) NewTransport(scratchDir string) (transport.Transport, error) {
	cfg := c.Config
	switch cfg.Transport {
	case cliconfig.TransportNative:
		var identities []string
		for _, p := range cfg.IdentityFiles {
			if strings.TrimSpace(p) == "" {
				continue
			}
			expanded, err := cliconfig.ExpandPath(p)
			if err != nil {
				return nil, err
			}
			identities = append(identities, expanded)
		}
		if len(identities) == 0 {
			identities = DefaultIdentityFiles()
		}
		knownHosts := cfg.KnownHosts
		if knownHosts != "" {
			expanded, err := cliconfig.ExpandPath(knownHosts)
			if err != nil {
				return nil, err
			}
			knownHosts = expanded
		}
		return transport.NewNative(c.Endpoint, transport.NativeOptions{
			IdentityFiles:         identities,
			KnownHosts:            knownHosts,
			InsecureIgnoreHostKey: cfg.InsecureIgnoreHostKey,
			ConnectTimeout:        cfg.ConnectTimeout(),
		})
	default:
		tr := transport.NewOpenSSH(c.Endpoint, filepath.Join(scratchDir, "cm.sock"))
		tr.SSHBinary = cfg.SSHBinary
		tr.SCPBinary = cfg.SCPBinary
		tr.ConnectTimeout = cfg.ConnectTimeout()
		return tr, nil
	}
}

// DefaultIdentityFiles lists the usual private keys under ~/.ssh.
func DefaultIdentityFiles() []string {
	var out []string
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		p, err := cliconfig.ExpandPath("~/.ssh/" + name)
		if err != nil {
			return nil
		}
		out = append(out, p)
	}
	return out
}
