package sshshell

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"pkt.systems/saslink/schema"
)

// ErrNoAuthMethod indicates neither a key file nor an agent is available.
var ErrNoAuthMethod = errors.New("no ssh auth method available")

// authMethods returns the configured auth methods plus a cleanup closing the
// agent connection once the handshake is done.
func authMethods(cfg schema.SSHConfig) ([]ssh.AuthMethod, func(), error) {
	var (
		methods []ssh.AuthMethod
		closers []func()
	)
	cleanup := func() {
		for _, fn := range closers {
			fn()
		}
	}
	if path := strings.TrimSpace(cfg.KeyPath); path != "" {
		signer, err := loadSigner(expandHome(path))
		if err != nil {
			return nil, cleanup, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.UseAgent || len(methods) == 0 {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				if cfg.UseAgent {
					return nil, cleanup, fmt.Errorf("connect ssh agent: %w", err)
				}
			} else {
				closers = append(closers, func() { _ = conn.Close() })
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		} else if cfg.UseAgent {
			return nil, cleanup, errors.New("ssh agent requested but SSH_AUTH_SOCK is not set")
		}
	}
	if len(methods) == 0 {
		return nil, cleanup, ErrNoAuthMethod
	}
	return methods, cleanup, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("ssh key %s is passphrase protected; load it into ssh-agent instead", path)
		}
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return signer, nil
}

// hostKeyCallback verifies server keys against known_hosts unless the
// profile explicitly opts out.
func hostKeyCallback(cfg schema.SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit profile opt-in
	}
	path := strings.TrimSpace(cfg.KnownHosts)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
