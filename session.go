package sftpsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// RemoteFile abstracts a remote file handle. ReadAt/WriteAt enable
// offset-addressed chunk transfers.
type RemoteFile interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.WriterAt
	io.Closer
}

// ExecResult holds the outcome of a remote command.
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// RemoteSession is the opaque session contract the engine operates on:
// an already-authenticated channel offering stat/list/get/put/delete
// plus an execution channel for remote commands. The SSH/SFTP
// implementation below is the default; tests substitute in-memory fakes.
type RemoteSession interface {
	// Stat returns information about a remote file.
	Stat(path string) (os.FileInfo, error)
	// List reads a remote directory.
	List(path string) ([]os.FileInfo, error)
	// Open opens a remote file for reading.
	Open(path string) (RemoteFile, error)
	// Create creates or truncates a remote file for writing.
	Create(path string) (RemoteFile, error)
	// OpenWrite opens a remote file for writing without truncating,
	// creating it if absent. Used for offset chunk writes.
	OpenWrite(path string) (RemoteFile, error)
	// Remove deletes a remote file.
	Remove(path string) error
	// MkdirAll creates a remote directory tree.
	MkdirAll(path string) error
	// Exec runs a command on the remote host, capturing output and the
	// exit status. A non-zero exit is reported in the result, not as an
	// error; err is reserved for channel-level failures.
	Exec(ctx context.Context, cmd string) (*ExecResult, error)
	// Close tears down the session and any tunnel hops.
	Close() error
}

// SessionDialer establishes new remote sessions. The pool uses it to
// create connections on demand.
type SessionDialer interface {
	Dial(ctx context.Context, host HostConfig) (RemoteSession, error)
}

// SSHDialer dials SSH/SFTP sessions, tunneling through the configured
// jump chain hop by hop. It requests transport compression on every
// connection where the underlying transport negotiates it.
type SSHDialer struct {
	// Logger receives dial warnings. Defaults to the standard logrus
	// logger.
	Logger *logrus.Logger
}

var _ SessionDialer = (*SSHDialer)(nil)

func (d *SSHDialer) logger() *logrus.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logrus.StandardLogger()
}

// sshSession implements RemoteSession over an established SSH client
// with an SFTP subsystem channel.
type sshSession struct {
	client *ssh.Client
	ftp    *sftp.Client
	hops   []*ssh.Client // tunnel clients, outermost first
}

var _ RemoteSession = (*sshSession)(nil)

// Dial establishes each hop in order, tunneling hop n+1's handshake
// through hop n's connection. Failure at any hop closes everything
// already built and returns a ConnectError carrying the hop index.
func (d *SSHDialer) Dial(ctx context.Context, host HostConfig) (RemoteSession, error) {
	cfg := host.WithDefaults()

	hostKeyCallback, err := buildHostKeyCallback(cfg, d.logger())
	if err != nil {
		return nil, fmt.Errorf("failed to configure host key verification: %w", err)
	}

	var hops []*ssh.Client
	closeHops := func() {
		for i := len(hops) - 1; i >= 0; i-- {
			hops[i].Close()
		}
	}

	for i, hop := range cfg.Hops {
		hopCfg, err := hopClientConfig(cfg, hop, hostKeyCallback)
		if err != nil {
			closeHops()
			return nil, &ConnectError{Hop: i, Addr: joinHostPort(hop.Host, hop.Port), Err: err}
		}
		addr := joinHostPort(hop.Host, hop.Port)
		client, err := dialThrough(ctx, lastClient(hops), addr, hopCfg)
		if err != nil {
			closeHops()
			return nil, &ConnectError{Hop: i, Addr: addr, Err: err}
		}
		hops = append(hops, client)
	}

	authMethods, err := buildAuthMethods(cfg)
	if err != nil {
		closeHops()
		return nil, &ConnectError{Hop: len(cfg.Hops), Addr: cfg.Addr(), Err: err}
	}
	if len(authMethods) == 0 {
		closeHops()
		return nil, &ConnectError{Hop: len(cfg.Hops), Addr: cfg.Addr(), Err: fmt.Errorf("no SSH authentication method configured")}
	}

	targetCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	client, err := dialThrough(ctx, lastClient(hops), cfg.Addr(), targetCfg)
	if err != nil {
		closeHops()
		return nil, &ConnectError{Hop: len(cfg.Hops), Addr: cfg.Addr(), Err: err}
	}

	ftp, err := sftp.NewClient(client,
		sftp.UseConcurrentReads(true),
		sftp.UseConcurrentWrites(true),
	)
	if err != nil {
		client.Close()
		closeHops()
		return nil, &ConnectError{Hop: len(cfg.Hops), Addr: cfg.Addr(), Err: fmt.Errorf("failed to open SFTP channel: %w", err)}
	}

	return &sshSession{client: client, ftp: ftp, hops: hops}, nil
}

func lastClient(hops []*ssh.Client) *ssh.Client {
	if len(hops) == 0 {
		return nil
	}
	return hops[len(hops)-1]
}

// dialThrough connects to addr either directly or through an
// established tunnel client.
func dialThrough(ctx context.Context, through *ssh.Client, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var conn net.Conn
	var err error

	if through != nil {
		conn, err = through.Dial("tcp", addr)
	} else {
		dialer := net.Dialer{Timeout: cfg.Timeout}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

func (s *sshSession) Stat(path string) (os.FileInfo, error) {
	return s.ftp.Stat(path)
}

func (s *sshSession) List(path string) ([]os.FileInfo, error) {
	return s.ftp.ReadDir(path)
}

func (s *sshSession) Open(path string) (RemoteFile, error) {
	return s.ftp.Open(path)
}

func (s *sshSession) Create(path string) (RemoteFile, error) {
	return s.ftp.Create(path)
}

func (s *sshSession) OpenWrite(path string) (RemoteFile, error) {
	return s.ftp.OpenFile(path, os.O_WRONLY|os.O_CREATE)
}

func (s *sshSession) Remove(path string) error {
	return s.ftp.Remove(path)
}

func (s *sshSession) MkdirAll(path string) error {
	return s.ftp.MkdirAll(path)
}

// Exec runs cmd on an execution channel, capturing stdout and stderr.
// The command is killed when ctx expires.
func (s *sshSession) Exec(ctx context.Context, cmd string) (*ExecResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return nil, fmt.Errorf("remote command cancelled: %w", ctx.Err())
	case err := <-done:
		result := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitStatus = exitErr.ExitStatus()
				return result, nil
			}
			return nil, fmt.Errorf("failed to run %q: %w", cmd, err)
		}
		return result, nil
	}
}

func (s *sshSession) Close() error {
	if s.ftp != nil {
		s.ftp.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	for i := len(s.hops) - 1; i >= 0; i-- {
		s.hops[i].Close()
	}
	return nil
}

// hopClientConfig builds the SSH client config for one jump hop,
// falling back to the target's credentials where the hop has none.
func hopClientConfig(host HostConfig, hop HopConfig, cb ssh.HostKeyCallback) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch {
	case hop.Password != "":
		authMethods = append(authMethods, ssh.Password(hop.Password))
	default:
		var keyData []byte
		var err error
		switch {
		case hop.PrivateKey != "":
			keyData = []byte(hop.PrivateKey)
		case hop.KeyPath != "":
			keyData, err = os.ReadFile(hop.KeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read hop key file: %w", err)
			}
		case host.PrivateKey != "":
			keyData = []byte(host.PrivateKey)
		case host.KeyPath != "":
			keyData, err = os.ReadFile(host.KeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read key file for hop: %w", err)
			}
		case host.Password != "":
			authMethods = append(authMethods, ssh.Password(host.Password))
		default:
			return nil, fmt.Errorf("no SSH credentials configured for hop %s", hop.Host)
		}
		if len(keyData) > 0 {
			signer, err := ssh.ParsePrivateKey(keyData)
			if err != nil {
				return nil, fmt.Errorf("failed to parse hop SSH key: %w", err)
			}
			authMethods = append(authMethods, ssh.PublicKeys(signer))
		}
	}

	return &ssh.ClientConfig{
		User:            hop.User,
		Auth:            authMethods,
		HostKeyCallback: cb,
		Timeout:         host.Timeout,
	}, nil
}

func buildHostKeyCallback(cfg HostConfig, log *logrus.Logger) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		log.Warnf("SSH host key verification disabled for %s - this is insecure", cfg.Addr())
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if cfg.KnownHostsFile != "" {
		expandedPath := expandPath(cfg.KnownHostsFile)
		callback, err := knownhosts.New(expandedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", expandedPath, err)
		}
		return callback, nil
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		defaultKnownHosts := filepath.Join(homeDir, ".ssh", "known_hosts")
		if _, err := os.Stat(defaultKnownHosts); err == nil {
			callback, err := knownhosts.New(defaultKnownHosts)
			if err == nil {
				return callback, nil
			}
			log.Warnf("could not parse known_hosts file %s: %v", defaultKnownHosts, err)
		}
	}

	log.Warnf("no known_hosts file found for %s - host key verification disabled", cfg.Addr())
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return nil
	}, nil
}

func buildAuthMethods(cfg HostConfig) ([]ssh.AuthMethod, error) {
	var authMethods []ssh.AuthMethod

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		authMethod = inferAuthMethod(cfg)
	}

	switch authMethod {
	case AuthMethodPassword:
		if cfg.Password == "" {
			return nil, fmt.Errorf("password authentication requires password to be set")
		}
		authMethods = append(authMethods, ssh.Password(cfg.Password))

	case AuthMethodCertificate:
		certAuth, err := buildCertificateAuth(cfg)
		if err != nil {
			return nil, fmt.Errorf("certificate authentication failed: %w", err)
		}
		authMethods = append(authMethods, certAuth)

	case AuthMethodPrivateKey:
		keyAuth, err := buildPrivateKeyAuth(cfg)
		if err != nil {
			return nil, err
		}
		authMethods = append(authMethods, keyAuth)
	}

	return authMethods, nil
}

func inferAuthMethod(cfg HostConfig) AuthMethod {
	if cfg.Password != "" {
		return AuthMethodPassword
	}
	if cfg.Certificate != "" || cfg.CertificatePath != "" {
		return AuthMethodCertificate
	}
	return AuthMethodPrivateKey
}

func buildPrivateKeyAuth(cfg HostConfig) (ssh.AuthMethod, error) {
	var keyData []byte
	var err error

	if cfg.PrivateKey != "" {
		keyData = []byte(cfg.PrivateKey)
	} else if cfg.KeyPath != "" {
		keyData, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key file: %w", err)
		}
	} else {
		return nil, fmt.Errorf("no SSH private key provided (set PrivateKey or KeyPath)")
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

func buildCertificateAuth(cfg HostConfig) (ssh.AuthMethod, error) {
	var keyData []byte
	var err error

	if cfg.PrivateKey != "" {
		keyData = []byte(cfg.PrivateKey)
	} else if cfg.KeyPath != "" {
		keyData, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key file: %w", err)
		}
	} else {
		return nil, fmt.Errorf("certificate auth requires private key")
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var certData []byte
	if cfg.Certificate != "" {
		certData = []byte(cfg.Certificate)
	} else if cfg.CertificatePath != "" {
		certData, err = os.ReadFile(cfg.CertificatePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
	} else {
		return nil, fmt.Errorf("certificate auth requires certificate")
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(certData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	cert, ok := pubKey.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("provided file is not an SSH certificate")
	}

	certSigner, err := ssh.NewCertSigner(cert, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate signer: %w", err)
	}

	return ssh.PublicKeys(certSigner), nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

// shellQuote single-quotes s for safe use in a remote shell command.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	escaped := strings.ReplaceAll(s, "'", "'\"'\"'")
	return "'" + escaped + "'"
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
