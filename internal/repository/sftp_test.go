package repository

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/errdefs"
)

func newSFTPRepo(t *testing.T, srv *fakeServer, cfg Config) *SFTPRepository {
	t.Helper()
	repo, err := New(SchemeSFTP, cfg, WithDialer(srv.dialer()))
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo.(*SFTPRepository)
}

func TestSFTPPutGetList(t *testing.T) {
	srv := newFakeServer()
	cfg := testConfig()
	cfg.PublishPermissions = "0640"
	repo := newSFTPRepo(t, srv, cfg)
	ctx := context.Background()

	var events []TransferEvent
	repo.AddTransferListener(func(e TransferEvent) { events = append(events, e) })

	local := writeLocal(t, []byte("sftp payload"))
	require.NoError(t, repo.Put(ctx, local, "/repo/org/a.jar", false))
	require.NoError(t, repo.Put(ctx, local, "sftp://repo.example.com/repo/org/b.jar", false))

	err := repo.Put(ctx, local, "/repo/org/a.jar", false)
	assert.ErrorIs(t, err, errdefs.ErrDestinationExists)

	entries, err := repo.List(ctx, "/repo/org")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/repo/org/a.jar", "/repo/org/b.jar"}, entries)

	meta, err := repo.Probe(ctx, "/repo/org/a.jar")
	require.NoError(t, err)
	assert.True(t, meta.Exists)
	assert.Equal(t, int64(len("sftp payload")), meta.ContentLength)

	meta, err = repo.Probe(ctx, "/repo/org/missing.jar")
	require.NoError(t, err)
	assert.False(t, meta.Exists)

	dest := filepath.Join(t.TempDir(), "out", "a.jar")
	require.NoError(t, repo.Get(ctx, "/repo/org/a.jar", dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "sftp payload", string(got))

	var started []int64
	for _, e := range events {
		if e.Type == EventStarted {
			started = append(started, e.Length)
		}
	}
	assert.Equal(t, []int64{12, 12, 12}, started)

	assert.Equal(t, 1, srv.dials())
	assert.Equal(t, 1, srv.sftpOpens, "the sftp sub-channel is reused")
}

func TestSFTPListMissingDirectory(t *testing.T) {
	srv := newFakeServer()
	repo := newSFTPRepo(t, srv, testConfig())

	entries, err := repo.List(context.Background(), "/nowhere")
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestSFTPOpenStreamAndDelete(t *testing.T) {
	srv := newFakeServer()
	repo := newSFTPRepo(t, srv, testConfig())
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, writeLocal(t, []byte("streamed")), "/repo/s.jar", true))

	rc, err := repo.OpenStream(ctx, "/repo/s.jar")
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "streamed", string(b))

	require.NoError(t, repo.Delete(ctx, "/repo/s.jar"))
	meta, err := repo.Probe(ctx, "/repo/s.jar")
	require.NoError(t, err)
	assert.False(t, meta.Exists)

	require.NoError(t, repo.Delete(ctx, "/repo/s.jar"), "deleting a missing file is not an error")
}

func TestSFTPEnsureRemoteDirectory(t *testing.T) {
	srv := newFakeServer()
	repo := newSFTPRepo(t, srv, testConfig())
	ctx := context.Background()

	require.NoError(t, repo.EnsureRemoteDirectory(ctx, "/x/y/z/"))
	entries, err := repo.List(ctx, "/x/y")
	require.NoError(t, err)
	assert.Equal(t, []string{"/x/y/z"}, entries)
}

func TestSFTPGetMissingRemovesNothing(t *testing.T) {
	srv := newFakeServer()
	repo := newSFTPRepo(t, srv, testConfig())

	dest := filepath.Join(t.TempDir(), "a.jar")
	err := repo.Get(context.Background(), "/repo/missing.jar", dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, 1, srv.dials(), "a missing file keeps the session")
}

// statDenied refuses every stat request.
type statDenied struct {
	sftp.FileLister
}

func (l statDenied) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	if r.Method == "Stat" || r.Method == "Lstat" {
		return nil, sftp.ErrSSHFxPermissionDenied
	}
	return l.FileLister.Filelist(r)
}

func TestSFTPPutNoOverwriteFailedCheck(t *testing.T) {
	srv := newFakeServer()
	srv.sftpHandlers.FileList = statDenied{srv.sftpHandlers.FileList}
	repo := newSFTPRepo(t, srv, testConfig())

	err := repo.Put(context.Background(), writeLocal(t, []byte("new")), "/repo/a.jar", false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errdefs.ErrDestinationExists)
	assert.Contains(t, err.Error(), "failed to check remote file /repo/a.jar")
}
