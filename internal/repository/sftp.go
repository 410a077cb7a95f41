package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"go.uber.org/zap"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/errdefs"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/remote"
)

// SFTPRepository transfers files over an SFTP sub-channel of the pooled
// session. The sub-channel is opened once per session and reused.
type SFTPRepository struct {
	*base
}

func (r *SFTPRepository) Resource(source string) *Resource {
	return newResource(r, source)
}

func (r *SFTPRepository) ResolveResource(ctx context.Context, source string) (*Resource, error) {
	return r.resolveResource(ctx, r, source)
}

// client returns the locked session for source with its SFTP sub-channel.
func (r *SFTPRepository) client(ctx context.Context, source string) (*remote.Session, *sftp.Client, string, error) {
	session, p, err := r.acquire(ctx, source)
	if err != nil {
		return nil, nil, "", err
	}

	if c, ok := r.pool.SubChannel(session).(*sftp.Client); ok {
		return session, c, p, nil
	}

	c, err := session.NewSFTPClient()
	if err != nil {
		session.Unlock()
		r.pool.Release(session)
		key := session.Key()
		return nil, nil, "", &remote.ConnectionError{Host: key.Host, Port: key.Port, User: key.User, Err: fmt.Errorf("sftp subsystem: %w", err)}
	}
	r.pool.AttachSubChannel(session, c)
	return session, c, p, nil
}

// releaseOnChannelError drops the session unless the server answered with a
// status, which leaves the sub-channel usable.
func (r *SFTPRepository) releaseOnChannelError(session *remote.Session, err error) {
	var status *sftp.StatusError
	if err == nil || errors.As(err, &status) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return
	}
	r.log.Debug("releasing session after sftp failure", zap.Stringer("key", session.Key()), zap.Error(err))
	r.pool.Release(session)
}

func (r *SFTPRepository) Probe(ctx context.Context, source string) (Metadata, error) {
	session, c, p, err := r.client(ctx, source)
	if err != nil {
		if isConfigError(err) {
			return Metadata{}, err
		}
		r.log.Debug("probe could not connect, treating as missing", zap.String("source", source), zap.Error(err))
		return Metadata{}, nil
	}
	defer session.Unlock()

	fi, err := c.Stat(p)
	if err != nil {
		r.log.Debug("probe failed, treating as missing", zap.String("path", p), zap.Error(err))
		r.releaseOnChannelError(session, err)
		return Metadata{}, nil
	}
	return Metadata{Exists: true, ContentLength: fi.Size(), LastModified: fi.ModTime()}, nil
}

func (r *SFTPRepository) Get(ctx context.Context, source, destination string) (err error) {
	t := r.events.begin(RequestGet, source)
	defer func() { err = t.done(err) }()

	session, c, p, err := r.client(ctx, source)
	if err != nil {
		return err
	}
	defer session.Unlock()

	src, err := c.Open(p)
	if err != nil {
		r.releaseOnChannelError(session, err)
		return fmt.Errorf("failed to open remote file %s: %w", p, err)
	}
	defer src.Close()

	total := int64(-1)
	if fi, err := src.Stat(); err == nil {
		total = fi.Size()
	}

	t.started(total)
	return download(destination, func(w io.Writer) error {
		if _, err := io.Copy(t.writer(w), &ctxReader{ctx: ctx, r: src}); err != nil {
			r.releaseOnChannelError(session, err)
			return fmt.Errorf("failed to get %s: %w", source, err)
		}
		return nil
	})
}

func (r *SFTPRepository) Put(ctx context.Context, source, destination string, overwrite bool) (err error) {
	t := r.events.begin(RequestPut, destination)
	defer func() { err = t.done(err) }()

	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	session, c, p, err := r.client(ctx, destination)
	if err != nil {
		return err
	}
	defer session.Unlock()

	if !overwrite {
		_, err := c.Stat(p)
		if err == nil {
			return fmt.Errorf("%w: %s", errdefs.ErrDestinationExists, destination)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			r.releaseOnChannelError(session, err)
			return fmt.Errorf("failed to check remote file %s: %w", p, err)
		}
	}

	if dir, _ := splitPath(p, r.cfg.FileSeparator); dir != "" {
		if err := c.MkdirAll(dir); err != nil {
			r.releaseOnChannelError(session, err)
			return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
	}

	dst, err := c.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		r.releaseOnChannelError(session, err)
		return fmt.Errorf("failed to create remote file %s: %w", p, err)
	}

	t.started(st.Size())
	_, err = io.Copy(dst, t.reader(&ctxReader{ctx: ctx, r: f}))
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		r.releaseOnChannelError(session, err)
		return fmt.Errorf("failed to put %s: %w", destination, err)
	}

	if r.cfg.PublishPermissions != "" {
		mode, _ := strconv.ParseUint(r.cfg.PublishPermissions, 8, 32)
		if err := c.Chmod(p, os.FileMode(mode)); err != nil {
			r.releaseOnChannelError(session, err)
			return fmt.Errorf("failed to set permissions on remote file %s: %w", p, err)
		}
	}
	return nil
}

// List returns the entries of parent as parent/name.
func (r *SFTPRepository) List(ctx context.Context, parent string) ([]string, error) {
	session, c, p, err := r.client(ctx, parent)
	if err != nil {
		return nil, err
	}
	defer session.Unlock()

	infos, err := c.ReadDir(p)
	if err != nil {
		r.releaseOnChannelError(session, err)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", p, err)
	}

	prefix := strings.TrimRight(parent, r.cfg.FileSeparator) + r.cfg.FileSeparator
	entries := []string{}
	for _, fi := range infos {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		entries = append(entries, prefix+fi.Name())
	}
	return entries, nil
}

func (r *SFTPRepository) EnsureRemoteDirectory(ctx context.Context, source string) error {
	session, c, p, err := r.client(ctx, source)
	if err != nil {
		return err
	}
	defer session.Unlock()

	dir := strings.TrimRight(p, r.cfg.FileSeparator)
	if dir == "" {
		return nil
	}
	if err := c.MkdirAll(dir); err != nil {
		r.releaseOnChannelError(session, err)
		return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
	}
	return nil
}

// OpenStream streams the remote file. The session stays busy until the
// returned reader is closed.
func (r *SFTPRepository) OpenStream(ctx context.Context, source string) (io.ReadCloser, error) {
	session, c, p, err := r.client(ctx, source)
	if err != nil {
		return nil, err
	}

	f, err := c.Open(p)
	if err != nil {
		r.releaseOnChannelError(session, err)
		session.Unlock()
		return nil, fmt.Errorf("failed to open %s: %w", source, err)
	}
	return &sessionReader{File: f, unlock: session.Unlock}, nil
}

func (r *SFTPRepository) Delete(ctx context.Context, path string) error {
	session, c, p, err := r.client(ctx, path)
	if err != nil {
		return err
	}
	defer session.Unlock()

	if err := c.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		r.releaseOnChannelError(session, err)
		return fmt.Errorf("failed to delete remote file %s: %w", p, err)
	}
	return nil
}

type sessionReader struct {
	*sftp.File
	once   sync.Once
	unlock func()
}

func (s *sessionReader) Close() error {
	err := s.File.Close()
	s.once.Do(s.unlock)
	return err
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
