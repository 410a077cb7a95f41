package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/providerserver"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-go/tfprotov5"
	"github.com/hashicorp/terraform-plugin-testing/helper/resource"
	"github.com/hashicorp/terraform-plugin-testing/terraform"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/errdefs"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/localtypes"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/repository"
)

func protoV5ProviderFactories() map[string]func() (tfprotov5.ProviderServer, error) {
	return map[string]func() (tfprotov5.ProviderServer, error){
		"sshrepo": providerserver.NewProtocol5WithError(New("test")()),
	}
}

// fakeRepository keeps artifacts in memory, keyed by remote path.
type fakeRepository struct {
	files    map[string][]byte
	lists    map[string][]string
	mtime    time.Time
	probeErr error
	putErr   error
	deleted  []string
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		files: map[string][]byte{},
		lists: map[string][]string{},
		mtime: time.Unix(1000000000, 0),
	}
}

func (f *fakeRepository) Scheme() string { return repository.SchemeSSH }

func (f *fakeRepository) Resource(string) *repository.Resource { return nil }

func (f *fakeRepository) AddTransferListener(repository.TransferListener) {}

func (f *fakeRepository) Close() {}

func (f *fakeRepository) ResolveResource(context.Context, string) (*repository.Resource, error) {
	return nil, errors.New("not supported by fake")
}

func (f *fakeRepository) Probe(_ context.Context, source string) (repository.Metadata, error) {
	if f.probeErr != nil {
		return repository.Metadata{}, f.probeErr
	}
	data, ok := f.files[source]
	if !ok {
		return repository.Metadata{}, nil
	}
	return repository.Metadata{Exists: true, ContentLength: int64(len(data)), LastModified: f.mtime}, nil
}

func (f *fakeRepository) Get(_ context.Context, source, destination string) error {
	data, ok := f.files[source]
	if !ok {
		return fmt.Errorf("%w: %s: no such file", errdefs.ErrProtocol, source)
	}
	return os.WriteFile(destination, data, 0o644)
}

func (f *fakeRepository) Put(_ context.Context, source, destination string, overwrite bool) error {
	if f.putErr != nil {
		return f.putErr
	}
	if _, ok := f.files[destination]; ok && !overwrite {
		return fmt.Errorf("%w: %s", errdefs.ErrDestinationExists, destination)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	f.files[destination] = data
	return nil
}

func (f *fakeRepository) List(_ context.Context, parent string) ([]string, error) {
	return f.lists[parent], nil
}

func (f *fakeRepository) OpenStream(_ context.Context, source string) (io.ReadCloser, error) {
	data, ok := f.files[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no such file", errdefs.ErrProtocol, source)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRepository) Delete(_ context.Context, path string) error {
	delete(f.files, path)
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeRepository) EnsureRemoteDirectory(context.Context, string) error { return nil }

var _ repository.Repository = (*fakeRepository)(nil)

func TestProvider_Schema(t *testing.T) {
	ctx := context.Background()
	p := New("test")()

	resp := &provider.SchemaResponse{}
	p.Schema(ctx, provider.SchemaRequest{}, resp)
	if resp.Diagnostics.HasError() {
		t.Fatalf("Schema returned errors: %v", resp.Diagnostics)
	}
	if diags := resp.Schema.ValidateImplementation(ctx); diags.HasError() {
		t.Fatalf("Schema is invalid: %v", diags)
	}

	for _, name := range []string{"protocol", "host", "port", "user", "password", "key_file", "known_hosts", "publish_permissions"} {
		if _, ok := resp.Schema.Attributes[name]; !ok {
			t.Errorf("Schema is missing attribute %q", name)
		}
	}

	meta := &provider.MetadataResponse{}
	p.Metadata(ctx, provider.MetadataRequest{}, meta)
	if meta.TypeName != "sshrepo" || meta.Version != "test" {
		t.Errorf("Metadata = %q/%q, want sshrepo/test", meta.TypeName, meta.Version)
	}
}

func TestProviderModel_RepositoryConfig(t *testing.T) {
	m := sshrepoProviderModel{
		Host:               types.StringValue("repo.example.com"),
		Port:               types.Int64Value(2222),
		User:               types.StringValue("deploy"),
		Password:           types.StringNull(),
		KeyFile:            types.StringValue("~/.ssh/id_ed25519"),
		AllowAgent:         types.BoolValue(true),
		ListCommand:        types.StringValue("ls -1a"),
		FileSeparator:      types.StringNull(),
		PublishPermissions: localtypes.NewPublishModeValue("0640"),
	}

	cfg := m.repositoryConfig()
	want := repository.Config{
		Host:               "repo.example.com",
		Port:               2222,
		User:               "deploy",
		KeyFile:            "~/.ssh/id_ed25519",
		AllowAgent:         true,
		ListCommand:        "ls -1a",
		PublishPermissions: "0640",
	}
	if cfg != want {
		t.Errorf("repositoryConfig() = %+v, want %+v", cfg, want)
	}

	if got := m.protocol(); got != repository.SchemeSSH {
		t.Errorf("protocol() = %q, want %q", got, repository.SchemeSSH)
	}
	m.Protocol = types.StringValue(repository.SchemeSFTP)
	if got := m.protocol(); got != repository.SchemeSFTP {
		t.Errorf("protocol() = %q, want %q", got, repository.SchemeSFTP)
	}

	m.Port = types.Int64Null()
	if cfg := m.repositoryConfig(); cfg.Port != 0 {
		t.Errorf("unset port mapped to %d, want 0", cfg.Port)
	}
}

func TestPassFileProvider(t *testing.T) {
	passFile := filepath.Join(t.TempDir(), "pass.yaml")
	if err := os.WriteFile(passFile, []byte("username: ci\npasswd: s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	c, ok := passFileProvider(passFile, nil).Resolve("repo.example.com", "")
	if !ok {
		t.Fatal("expected credentials from the pass file")
	}
	if c.User != "ci" || c.Password != "s3cret" {
		t.Errorf("Resolve() = %+v", c)
	}

	if _, ok := passFileProvider("", nil).Resolve("repo.example.com", ""); ok {
		t.Error("expected no credentials without a pass file")
	}
	if _, ok := passFileProvider(filepath.Join(t.TempDir(), "missing.yaml"), nil).Resolve("repo.example.com", ""); ok {
		t.Error("expected no credentials from a missing pass file")
	}
	if _, ok := passFileProvider(filepath.Join(t.TempDir(), "missing.yaml"), nil).Resolve("repo.example.com", "deploy"); ok {
		t.Error("a known user without a stored password is not a credential")
	}
}

func TestProviderDataFrom(t *testing.T) {
	if pd, err := providerDataFrom(nil); pd != nil || err != nil {
		t.Errorf("providerDataFrom(nil) = %v, %v", pd, err)
	}
	if _, err := providerDataFrom("bogus"); err == nil {
		t.Error("expected an error for a foreign provider data type")
	}
	want := &providerData{repo: newFakeRepository()}
	if pd, err := providerDataFrom(want); err != nil || pd != want {
		t.Errorf("providerDataFrom() = %v, %v", pd, err)
	}
}

func TestGenFileChecksums(t *testing.T) {
	c := genFileChecksums([]byte("This is some content"))
	if len(c.md5Hex) != 32 || len(c.sha256Hex) != 64 || len(c.sha512Hex) != 128 {
		t.Errorf("unexpected checksum lengths: %+v", c)
	}
	empty := genFileChecksums(nil)
	if empty.sha1Hex != "da39a3ee5e6b4b0d3255bfef95601890afd80709" {
		t.Errorf("sha1 of empty content = %q", empty.sha1Hex)
	}
	if empty.sha256Hex != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("sha256 of empty content = %q", empty.sha256Hex)
	}
}

// Acceptance test helpers. They need a reachable ssh server described by
// the TEST_SSH_* environment variables.

type testSSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Protocol string
}

func getTestSSHConfig(t *testing.T) testSSHConfig {
	t.Helper()

	config := testSSHConfig{
		Host:     os.Getenv("TEST_SSH_HOST"),
		Port:     22,
		User:     os.Getenv("TEST_SSH_USER"),
		Password: os.Getenv("TEST_SSH_PASSWORD"),
		Protocol: os.Getenv("TEST_SSH_PROTOCOL"),
	}
	if config.Host == "" {
		config.Host = "localhost"
	}
	if portStr := os.Getenv("TEST_SSH_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			t.Fatalf("invalid TEST_SSH_PORT %q: %v", portStr, err)
		}
		config.Port = port
	}
	if config.User == "" {
		config.User = "testuser"
	}
	if config.Password == "" {
		config.Password = "testpass"
	}
	if config.Protocol == "" {
		config.Protocol = repository.SchemeSSH
	}
	return config
}

func (c testSSHConfig) providerBlock() string {
	return fmt.Sprintf(`
provider "sshrepo" {
  protocol = %q
  host     = %q
  port     = %d
  user     = %q
  password = %q
}
`, c.Protocol, c.Host, c.Port, c.User, c.Password)
}

func (c testSSHConfig) repository(t *testing.T) repository.Repository {
	t.Helper()
	repo, err := repository.New(c.Protocol, repository.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func checkRemoteArtifactContent(repo repository.Repository, remotePath, want string) resource.TestCheckFunc {
	return func(s *terraform.State) error {
		stream, err := repo.OpenStream(context.Background(), remotePath)
		if err != nil {
			return fmt.Errorf("error reading remote artifact at path: %s, error: %s", remotePath, err)
		}
		defer stream.Close()

		content, err := io.ReadAll(stream)
		if err != nil {
			return err
		}
		if string(content) != want {
			return fmt.Errorf("remote artifact %s has content %q, want %q", remotePath, content, want)
		}
		return nil
	}
}

func checkRemoteArtifactDeleted(repo repository.Repository, remotePath string) resource.TestCheckFunc {
	return func(s *terraform.State) error {
		meta, err := repo.Probe(context.Background(), remotePath)
		if err != nil {
			return fmt.Errorf("error checking if remote artifact exists: %s", err)
		}
		if meta.Exists {
			return fmt.Errorf("remote artifact %s was not deleted", remotePath)
		}
		return nil
	}
}
