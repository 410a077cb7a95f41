package repository

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/errdefs"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/remote"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/scp"
)

// SSHRepository transfers files with the remote copy protocol and manages
// directories with configurable shell commands.
type SSHRepository struct {
	*base
}

func (r *SSHRepository) Resource(source string) *Resource {
	return newResource(r, source)
}

func (r *SSHRepository) ResolveResource(ctx context.Context, source string) (*Resource, error) {
	return r.resolveResource(ctx, r, source)
}

func (r *SSHRepository) copier(session *remote.Session) *scp.Client {
	return scp.NewClient(func() (scp.Channel, error) {
		ch, err := session.OpenChannel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, r.log)
}

func (r *SSHRepository) Probe(ctx context.Context, source string) (Metadata, error) {
	session, p, err := r.acquire(ctx, source)
	if err != nil {
		if isConfigError(err) {
			return Metadata{}, err
		}
		r.log.Debug("probe could not connect, treating as missing", zap.String("source", source), zap.Error(err))
		return Metadata{}, nil
	}
	defer session.Unlock()

	info, err := r.copier(session).Stat(ctx, p)
	if err != nil {
		r.log.Debug("probe failed, treating as missing", zap.String("path", p), zap.Error(err))
		r.releaseOnIOError(session, err)
		return Metadata{}, nil
	}

	return Metadata{Exists: true, ContentLength: info.Length, LastModified: info.ModTime()}, nil
}

func (r *SSHRepository) Get(ctx context.Context, source, destination string) (err error) {
	t := r.events.begin(RequestGet, source)
	defer func() { err = t.done(err) }()

	session, p, err := r.acquire(ctx, source)
	if err != nil {
		return err
	}
	defer session.Unlock()

	t.started(-1)
	return download(destination, func(w io.Writer) error {
		if _, err := r.copier(session).Get(ctx, p, t.writer(w)); err != nil {
			r.releaseOnIOError(session, err)
			return fmt.Errorf("failed to get %s: %w", source, err)
		}
		return nil
	})
}

func (r *SSHRepository) Put(ctx context.Context, source, destination string, overwrite bool) (err error) {
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

	session, p, err := r.acquire(ctx, destination)
	if err != nil {
		return err
	}
	defer session.Unlock()

	sep := r.cfg.FileSeparator
	dir, name := splitPath(p, sep)
	if dir == "" && strings.HasPrefix(p, sep) {
		dir = sep
	}

	if !overwrite {
		exists, err := r.exists(ctx, session, p)
		if err != nil {
			r.releaseOnIOError(session, err)
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", errdefs.ErrDestinationExists, destination)
		}
	}

	if dir != "" {
		if err := r.makePath(ctx, session, dir); err != nil {
			r.releaseOnIOError(session, err)
			return err
		}
	}

	t.started(st.Size())
	err = r.copier(session).Put(ctx, t.reader(f), st.Size(), dir, name, r.cfg.PublishPermissions)
	if err != nil {
		r.releaseOnIOError(session, err)
		return fmt.Errorf("failed to put %s: %w", destination, err)
	}

	return nil
}

func (r *SSHRepository) List(ctx context.Context, parent string) ([]string, error) {
	session, p, err := r.acquire(ctx, parent)
	if err != nil {
		return nil, err
	}
	defer session.Unlock()

	cmd := replaceArgument(r.cfg.ListCommand, p)
	res, err := r.run(ctx, session, cmd)
	if err != nil {
		r.releaseOnIOError(session, err)
		return nil, err
	}
	if res.ExitStatus != 0 {
		r.log.Error("list command exited with non-zero status",
			zap.String("cmd", cmd), zap.Int("status", res.ExitStatus), zap.String("stderr", strings.TrimSpace(res.Stderr)))
		return nil, nil
	}

	entries := []string{}
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		entries = append(entries, scanner.Text())
	}
	return entries, scanner.Err()
}

// EnsureRemoteDirectory creates the directory source names, parents first.
func (r *SSHRepository) EnsureRemoteDirectory(ctx context.Context, source string) error {
	session, p, err := r.acquire(ctx, source)
	if err != nil {
		return err
	}
	defer session.Unlock()

	if err := r.makePath(ctx, session, p); err != nil {
		r.releaseOnIOError(session, err)
		return err
	}
	return nil
}

// OpenStream downloads the whole file into memory and returns a reader over it.
func (r *SSHRepository) OpenStream(ctx context.Context, source string) (io.ReadCloser, error) {
	session, p, err := r.acquire(ctx, source)
	if err != nil {
		return nil, err
	}
	defer session.Unlock()

	var buf bytes.Buffer
	if _, err := r.copier(session).Get(ctx, p, &buf); err != nil {
		r.releaseOnIOError(session, err)
		return nil, fmt.Errorf("failed to open %s: %w", source, err)
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

func (r *SSHRepository) Delete(ctx context.Context, path string) error {
	session, p, err := r.acquire(ctx, path)
	if err != nil {
		return err
	}
	defer session.Unlock()

	cmd := replaceArgument(r.cfg.RemoveCommand, p)
	res, err := r.run(ctx, session, cmd)
	if err != nil {
		r.releaseOnIOError(session, err)
		return err
	}
	if res.ExitStatus != 0 {
		return fmt.Errorf("remove command %q exited with status %d: %s", cmd, res.ExitStatus, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// makePath creates path and any missing parents with the create directory
// command, checking each level with the existence command.
func (r *SSHRepository) makePath(ctx context.Context, session *remote.Session, path string) error {
	sep := r.cfg.FileSeparator
	trimmed := strings.TrimRight(path, sep)
	if trimmed == "" {
		return nil
	}

	exists, err := r.exists(ctx, session, trimmed)
	if err != nil || exists {
		return err
	}

	if i := strings.LastIndex(trimmed, sep); i > 0 {
		if err := r.makePath(ctx, session, trimmed[:i]); err != nil {
			return err
		}
	}

	cmd := replaceArgument(r.cfg.CreateDirCommand, trimmed)
	res, err := r.run(ctx, session, cmd)
	if err != nil {
		return err
	}
	if res.ExitStatus != 0 {
		r.log.Warn("create directory command failed",
			zap.String("cmd", cmd), zap.Int("status", res.ExitStatus), zap.String("stderr", strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func (r *SSHRepository) exists(ctx context.Context, session *remote.Session, path string) (bool, error) {
	res, err := r.run(ctx, session, replaceArgument(r.cfg.ExistCommand, path))
	if err != nil {
		return false, err
	}
	return res.ExitStatus == 0, nil
}
