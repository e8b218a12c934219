package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

type SSHConfig struct {
	// KnownHostsFile enables host key verification. Empty disables it.
	KnownHostsFile string
	UseAgent       bool
	ConnectTimeout time.Duration
	ScriptDir      string
}

// SSHClient dials hosts. It holds no connection itself; every Dial returns a
// fresh *ssh.Client owned by the caller.
type SSHClient struct {
	config          SSHConfig
	hostKeyCallback ssh.HostKeyCallback
	logger          *logger.Logger
}

func NewSSHClient(cfg SSHConfig, log *logger.Logger) (*SSHClient, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = "/tmp"
	}
	if log == nil {
		log = logger.NewNop()
	}

	callback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cfg.KnownHostsFile = expandHome(cfg.KnownHostsFile)
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", cfg.KnownHostsFile, err)
		}
		callback = cb
	} else {
		log.Warnw("ssh_host_key_verification_disabled")
	}

	return &SSHClient{config: cfg, hostKeyCallback: callback, logger: log}, nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func (c *SSHClient) authMethods(cred *domain.HostCredential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cred != nil && cred.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if cred.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cred.PrivateKey), []byte(cred.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrSSHAuthentication, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if c.config.UseAgent || (cred != nil && cred.AuthType == domain.AuthAgent) {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	if cred != nil && cred.Password != "" {
		methods = append(methods, ssh.Password(cred.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no credentials provided", ErrSSHAuthentication)
	}
	return methods, nil
}

// Dial opens an SSH connection to host. There is no retry: a failed dial is
// reported straight back as a classified error.
func (c *SSHClient) Dial(ctx context.Context, host domain.Host, cred *domain.HostCredential) (*ssh.Client, error) {
	auth, err := c.authMethods(cred)
	if err != nil {
		return nil, Classify(err)
	}
	user := ""
	if cred != nil {
		user = cred.Username
	}
	if user == "" {
		user = host.Username
	}

	sshConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: c.hostKeyCallback,
		Timeout:         c.config.ConnectTimeout,
	}

	port := host.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host.Hostname, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout, KeepAlive: 60 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Classify(fmt.Errorf("%w: %s: %w", ErrSSHConnection, addr, err))
	}

	// The handshake does not watch ctx, so bound it with a deadline.
	deadline := time.Now().Add(c.config.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	stop()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Classify(fmt.Errorf("%w: handshake with %s: %w", ErrSSHConnection, addr, err))
	}
	_ = conn.SetDeadline(time.Time{})

	c.logger.Debugw("ssh_connected", "host", host.Hostname, "port", port, "user", user)
	return ssh.NewClient(sshConn, chans, reqs), nil
}
