// Package repository moves artifacts to and from a server reachable over ssh,
// using the remote copy protocol (scheme "ssh") or SFTP (scheme "sftp").
package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/credentials"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/errdefs"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/remote"
)

const (
	SchemeSSH  = "ssh"
	SchemeSFTP = "sftp"
)

// Repository is the transport contract shared by both schemes. Sources and
// destinations are remote paths or URIs of the repository's scheme.
type Repository interface {
	Scheme() string
	// Resource returns an unresolved handle for source.
	Resource(source string) *Resource
	// ResolveResource probes source and returns a resolved handle.
	ResolveResource(ctx context.Context, source string) (*Resource, error)
	// Probe reports whether source exists. Connection and transfer failures
	// read as "does not exist"; only configuration errors are returned.
	Probe(ctx context.Context, source string) (Metadata, error)
	Get(ctx context.Context, source, destination string) error
	Put(ctx context.Context, source, destination string, overwrite bool) error
	// List returns the entries of parent, or nil when the listing failed remotely.
	List(ctx context.Context, parent string) ([]string, error)
	OpenStream(ctx context.Context, source string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	EnsureRemoteDirectory(ctx context.Context, source string) error
	AddTransferListener(l TransferListener)
	// Close disconnects every pooled session the repository owns.
	Close()
}

type Option func(*base)

// WithPool shares a pool between repositories. A shared pool is not closed by Close.
func WithPool(p *remote.Pool) Option {
	return func(b *base) {
		if p != nil {
			b.pool = p
			b.ownsPool = false
		}
	}
}

// WithCredentials sets the cache consulted for missing users and passwords.
func WithCredentials(c *credentials.Cache) Option {
	return func(b *base) {
		b.creds = c
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(b *base) {
		if log != nil {
			b.log = log
		}
	}
}

// WithDialer replaces the network dialer of the pool the repository creates.
func WithDialer(d remote.Dialer) Option {
	return func(b *base) {
		b.dialer = d
	}
}

// New returns the repository for scheme.
func New(scheme string, cfg Config, opts ...Option) (Repository, error) {
	scheme = strings.ToLower(scheme)
	switch scheme {
	case SchemeSSH:
		b, err := newBase(scheme, cfg, opts)
		if err != nil {
			return nil, err
		}
		return &SSHRepository{base: b}, nil
	case SchemeSFTP:
		b, err := newBase(scheme, cfg, opts)
		if err != nil {
			return nil, err
		}
		return &SFTPRepository{base: b}, nil
	default:
		return nil, &remote.ConfigError{Msg: fmt.Sprintf("unsupported scheme %q, expected %q or %q", scheme, SchemeSSH, SchemeSFTP)}
	}
}

// base holds what both schemes share: settings, session pool and resolver.
type base struct {
	scheme   string
	cfg      Config
	pool     *remote.Pool
	ownsPool bool
	dialer   remote.Dialer
	creds    *credentials.Cache
	// passphrases shares the provider of creds, keyed by identity file path.
	passphrases *credentials.Cache
	resolver    *remote.Resolver
	log         *zap.Logger
	events      notifier
}

func newBase(scheme string, cfg Config, opts []Option) (*base, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &base{
		scheme:   scheme,
		cfg:      cfg,
		ownsPool: true,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pool == nil {
		b.pool = remote.NewPool(remote.WithDialer(b.dialer), remote.WithLogger(b.log))
	}
	b.passphrases = b.creds.Derive(credentials.WithExactKeys())

	b.log = b.log.With(zap.String("scheme", scheme))
	b.resolver = &remote.Resolver{
		Scheme:        scheme,
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		Password:      cfg.Password,
		KeyFile:       cfg.KeyFile,
		SSHConfigPath: cfg.SSHConfig,
		Credentials:   b.creds,
		Log:           b.log,
	}
	return b, nil
}

func (b *base) Scheme() string {
	return b.scheme
}

func (b *base) AddTransferListener(l TransferListener) {
	b.events.add(l)
}

func (b *base) Close() {
	if b.ownsPool {
		b.pool.CloseAll()
	}
}

// acquire resolves source and returns its locked session and remote path.
// Callers must unlock the session when done.
func (b *base) acquire(ctx context.Context, source string) (*remote.Session, string, error) {
	p, err := b.resolver.Path(source)
	if err != nil {
		return nil, "", err
	}

	target, err := b.resolver.Resolve(source)
	if err != nil {
		return nil, "", err
	}

	req := remote.Request{
		Host:           target.Host,
		Port:           target.Port,
		User:           target.User,
		Password:       target.Password,
		KeyFile:        target.KeyFile,
		KeyPassphrase:  b.cfg.KeyFilePassword,
		PassFile:       b.cfg.PassFile,
		AllowAgent:     b.cfg.AllowAgent,
		KnownHostsPath: b.cfg.KnownHosts,
		Credentials:    b.creds,
		Passphrases:    b.passphrases,
	}
	session, err := b.pool.Acquire(ctx, req)
	if err != nil {
		return nil, "", err
	}

	session.Lock()
	if !session.Alive() {
		// released by the previous holder while this caller waited
		session.Unlock()
		b.log.Debug("pooled session died while waiting, acquiring again", zap.Stringer("key", session.Key()))
		if session, err = b.pool.Acquire(ctx, req); err != nil {
			return nil, "", err
		}
		session.Lock()
	}
	return session, p, nil
}

// releaseOnIOError drops the session unless err is a protocol error, after
// which the connection itself is still sound.
func (b *base) releaseOnIOError(session *remote.Session, err error) {
	if err == nil || errors.Is(err, errdefs.ErrProtocol) {
		return
	}
	b.log.Debug("releasing session after transfer failure", zap.Stringer("key", session.Key()), zap.Error(err))
	b.pool.Release(session)
}

// run executes cmd on the session and logs a failing exit status.
func (b *base) run(ctx context.Context, session *remote.Session, cmd string) (*remote.CommandResult, error) {
	b.log.Debug("running remote command", zap.String("cmd", cmd))
	res, err := session.Exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitStatus != 0 {
		b.log.Debug("remote command failed",
			zap.String("cmd", cmd), zap.Int("status", res.ExitStatus), zap.String("stderr", strings.TrimSpace(res.Stderr)))
	}
	return res, nil
}

func (b *base) resolveResource(ctx context.Context, repo prober, source string) (*Resource, error) {
	meta, err := repo.Probe(ctx, source)
	if err != nil {
		return nil, err
	}
	return newResolvedResource(repo, source, meta), nil
}

// download runs fetch against a temporary file next to destination and
// renames it into place on success. A failed transfer leaves an existing
// destination untouched.
func download(destination string, fetch func(w io.Writer) error) error {
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(destination)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", destination, err)
	}
	tmp := f.Name()

	err = f.Chmod(0644)
	if err == nil {
		err = fetch(f)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, destination)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func isConfigError(err error) bool {
	return errors.Is(err, errdefs.ErrConfig)
}
