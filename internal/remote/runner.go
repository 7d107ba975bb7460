// Package remote implements the command-execution channel to the cluster
// login node. Commands run over an SSH session with a per-command timeout;
// a local variant exists for development against the local shell.
package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"
	rssh "github.com/viant/gosh/runner/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Runner executes a single shell command on the remote side and returns its
// combined output and exit status. Implementations must bound execution by
// the given timeout.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (output string, status int, err error)
	Close() error
}

// Options configures the SSH command channel.
type Options struct {
	// Host is the login node address.
	Host string
	// Port is the SSH port; zero means 22.
	Port int
	// User is the remote user; empty means the local user name.
	User string
	// IdentityFile is a private key used when no SSH agent is reachable.
	IdentityFile string
	// KnownHostsFile enables host key verification when non-empty.
	KnownHostsFile string
}

// SSHRunner executes commands on the login node over a shared SSH session.
type SSHRunner struct {
	service *gosh.Service
	addr    string
}

// NewSSH dials the login node and returns a ready SSHRunner.
func NewSSH(ctx context.Context, opts Options) (*SSHRunner, error) {
	cfg, err := clientConfig(opts)
	if err != nil {
		return nil, err
	}

	port := opts.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(port))

	service, err := gosh.New(ctx, rssh.New(addr, cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open SSH channel to %s: %w", addr, err)
	}
	return &SSHRunner{service: service, addr: addr}, nil
}

// Run executes command on the login node, bounded by timeout.
func (r *SSHRunner) Run(ctx context.Context, command string, timeout time.Duration) (string, int, error) {
	return r.service.Run(ctx, command, runner.WithTimeout(int(timeout.Milliseconds())))
}

// Close releases the SSH session.
func (r *SSHRunner) Close() error {
	return r.service.Close()
}

// LocalRunner executes commands against the local shell. Useful when the
// scheduler is reachable from the current machine (e.g. on a login node).
type LocalRunner struct {
	service *gosh.Service
}

// NewLocal returns a Runner backed by the local shell.
func NewLocal(ctx context.Context) (*LocalRunner, error) {
	service, err := gosh.New(ctx, local.New())
	if err != nil {
		return nil, fmt.Errorf("failed to start local shell: %w", err)
	}
	return &LocalRunner{service: service}, nil
}

// Run executes command locally, bounded by timeout.
func (r *LocalRunner) Run(ctx context.Context, command string, timeout time.Duration) (string, int, error) {
	return r.service.Run(ctx, command, runner.WithTimeout(int(timeout.Milliseconds())))
}

// Close releases the local shell.
func (r *LocalRunner) Close() error {
	return r.service.Close()
}

// clientConfig assembles the SSH client configuration: agent first, identity
// file second; host keys verified against the known_hosts file when given.
func clientConfig(opts Options) (*ssh.ClientConfig, error) {
	user := opts.User
	if user == "" {
		user = os.Getenv("USER")
	}

	auth, err := authMethods(opts.IdentityFile)
	if err != nil {
		return nil, err
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no SSH authentication available: no agent and no identity file")
	}

	callback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in below
	if opts.KnownHostsFile != "" {
		callback, err = knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: callback,
		Timeout:         30 * time.Second,
	}, nil
}

func authMethods(identityFile string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if identityFile != "" {
		key, err := os.ReadFile(identityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	return methods, nil
}
