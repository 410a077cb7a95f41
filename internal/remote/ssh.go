package remote

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/sftp"
	"github.com/skeema/knownhosts"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/credentials"
)

const connectTimeout = 30 * time.Second

// sshDialer connects over TCP and runs the ssh handshake.
type sshDialer struct{}

func (sshDialer) Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (Conn, error) {
	d := net.Dialer{Timeout: config.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// the handshake has no context of its own
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if err != nil {
		nc.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return newSSHConn(ssh.NewClient(c, chans, reqs)), nil
}

type sshConn struct {
	client *ssh.Client
	closed atomic.Bool
}

func newSSHConn(client *ssh.Client) *sshConn {
	c := &sshConn{client: client}
	go func() {
		client.Wait()
		c.closed.Store(true)
	}()
	return c
}

func (c *sshConn) OpenChannel() (Channel, error) {
	s, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *sshConn) NewSFTPClient() (*sftp.Client, error) {
	return sftp.NewClient(c.client)
}

func (c *sshConn) Alive() bool {
	return !c.closed.Load()
}

func (c *sshConn) Close() error {
	c.closed.Store(true)
	return c.client.Close()
}

// clientConfig builds the handshake configuration for req. The returned
// closer is the agent socket, if one was opened.
func (p *Pool) clientConfig(req Request, auth *authenticator) (*ssh.ClientConfig, net.Conn, error) {
	var signers []ssh.Signer
	var agentConn net.Conn
	if req.AllowAgent {
		var agentSigners []ssh.Signer
		agentConn, agentSigners = p.loadSSHAgent()
		signers = append(signers, agentSigners...)
	}

	if req.KeyFile != "" {
		signer, err := auth.keyFileSigner()
		if err != nil {
			if agentConn != nil {
				agentConn.Close()
			}
			return nil, nil, err
		}
		if signer != nil {
			signers = append(signers, signer)
		}
	}

	// public key, then keyboard-interactive, then password
	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	methods = append(methods,
		ssh.KeyboardInteractive(auth.keyboardInteractive),
		ssh.PasswordCallback(auth.passwordCallback),
	)

	addr := net.JoinHostPort(req.Host, strconv.Itoa(NewKey(req.User, req.Host, req.Port).Port))
	hostKeyCallback, algorithms, err := hostKeyPolicy(req.KnownHostsPath, addr)
	if err != nil {
		if agentConn != nil {
			agentConn.Close()
		}
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:              req.User,
		Auth:              methods,
		HostKeyCallback:   hostKeyCallback,
		HostKeyAlgorithms: algorithms,
		Timeout:           connectTimeout,
	}, agentConn, nil
}

// loadSSHAgent collects the agent's signers. Agent failures are not fatal.
func (p *Pool) loadSSHAgent() (net.Conn, []ssh.Signer) {
	sshAuthSock := os.Getenv("SSH_AUTH_SOCK")
	if sshAuthSock == "" {
		p.log.Debug("ssh agent requested but SSH_AUTH_SOCK is not set")
		return nil, nil
	}

	conn, err := net.Dial("unix", sshAuthSock)
	if err != nil {
		p.log.Warn("failed to connect to ssh agent", zap.String("socket", sshAuthSock), zap.Error(err))
		return nil, nil
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		p.log.Warn("failed to list ssh agent identities", zap.Error(err))
		conn.Close()
		return nil, nil
	}
	p.log.Debug("using ssh agent", zap.Int("identities", len(signers)))
	return conn, signers
}

// authenticator answers the prompts of a running handshake, falling back to
// the credential cache for anything not configured.
type authenticator struct {
	host        string
	user        string
	password    string
	keyFile     string
	passphrase  string
	creds       *credentials.Cache
	passphrases *credentials.Cache
	log         *zap.Logger

	// passwordOffered is set once a password went out to the server.
	passwordOffered bool
}

func (a *authenticator) passwordCallback() (string, error) {
	if a.password == "" && a.creds != nil {
		if c, ok := a.creds.Lookup(a.host, a.user); ok {
			if c.User != "" && c.User != a.user {
				a.log.Warn("ignoring prompted user name, the handshake user is fixed",
					zap.String("host", a.host), zap.String("user", a.user))
			}
			a.password = c.Password
		}
	}
	if a.password == "" {
		return "", fmt.Errorf("no password available for %s@%s", a.user, a.host)
	}
	a.passwordOffered = true
	return a.password, nil
}

// keyboardInteractive answers every challenge with the password.
func (a *authenticator) keyboardInteractive(name, instruction string, questions []string, echos []bool) ([]string, error) {
	if len(questions) == 0 {
		return nil, nil
	}
	password, err := a.passwordCallback()
	if err != nil {
		return nil, err
	}
	answers := make([]string, len(questions))
	for i := range answers {
		answers[i] = password
	}
	return answers, nil
}

// keyFileSigner loads the identity file. A missing or unreadable file yields
// no signer rather than an error.
func (a *authenticator) keyFileSigner() (ssh.Signer, error) {
	path, err := homedir.Expand(a.keyFile)
	if err != nil {
		return nil, err
	}

	key, err := os.ReadFile(path)
	if err != nil {
		a.log.Warn("identity file is missing or unreadable, ignoring it", zap.String("path", path), zap.Error(err))
		return nil, nil
	}

	signer, err := ssh.ParsePrivateKey(key)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
		}
		return signer, nil
	}

	passphrase, cached := a.passphrase, false
	if passphrase == "" && a.passphrases != nil {
		if c, ok := a.passphrases.Lookup(a.keyFile, a.user); ok {
			passphrase, cached = c.Password, true
		}
	}
	if passphrase == "" {
		return nil, fmt.Errorf("identity file %s is encrypted and no passphrase is available", path)
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	if err != nil {
		if cached && errors.Is(err, x509.IncorrectPasswordError) {
			a.passphrases.Forget(a.keyFile)
		}
		return nil, fmt.Errorf("failed to decrypt identity file %s: %w", path, err)
	}
	return signer, nil
}

// hostKeyPolicy accepts every host key unless a known_hosts file is
// configured, in which case keys are checked with skeema/knownhosts.
func hostKeyPolicy(knownHostsPath, addr string) (ssh.HostKeyCallback, []string, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil, nil
	}

	knownHostsPath, err := homedir.Expand(knownHostsPath)
	if err != nil {
		return nil, nil, err
	}

	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0700); err != nil {
			return nil, nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
		}
		if err := os.WriteFile(knownHostsPath, []byte{}, 0600); err != nil {
			return nil, nil, fmt.Errorf("failed to create known_hosts file: %w", err)
		}
	}

	kh, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse known_hosts: %w", err)
	}

	callback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := kh(hostname, remote, key)
		if err == nil {
			return nil
		}

		keyLine := knownhosts.Line([]string{hostname}, key)
		fingerprint := ssh.FingerprintSHA256(key)

		if knownhosts.IsHostKeyChanged(err) {
			return &HostKeyError{
				Host:           hostname,
				KeyType:        key.Type(),
				KeyFingerprint: fingerprint,
				KnownHostsLine: keyLine,
				Err: fmt.Errorf("host key has changed for %s. This could indicate a man-in-the-middle attack.\n"+
					"Server presented key:\n"+
					"  Type: %s\n"+
					"  Fingerprint: %s\n"+
					"  Key line: %s\n"+
					"If you trust this new key, remove the old entry from %s and add the above line.",
					hostname, key.Type(), fingerprint, keyLine, knownHostsPath),
			}
		}
		if knownhosts.IsHostUnknown(err) {
			return &HostKeyError{
				Host:           hostname,
				KeyType:        key.Type(),
				KeyFingerprint: fingerprint,
				KnownHostsLine: keyLine,
				Err: fmt.Errorf("host key not found for %s.\n"+
					"Server presented key:\n"+
					"  Type: %s\n"+
					"  Fingerprint: %s\n"+
					"  Key line: %s\n"+
					"To accept this host, append the above key line to %s",
					hostname, key.Type(), fingerprint, keyLine, knownHostsPath),
			}
		}
		return err
	}

	return callback, kh.HostKeyAlgorithms(addr), nil
}
