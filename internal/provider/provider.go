package provider

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/provider/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"go.uber.org/zap"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/credentials"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/localtypes"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/logger"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/repository"
)

// LogLevelEnv selects the level of the provider's stderr log.
const LogLevelEnv = "SSHREPO_LOG_LEVEL"

var (
	_ provider.Provider = (*sshrepoProvider)(nil)
)

func New(version string) func() provider.Provider {
	return func() provider.Provider {
		return &sshrepoProvider{version: version}
	}
}

type sshrepoProvider struct {
	version string
}

// providerData is handed to every resource and data source.
type providerData struct {
	repo repository.Repository
	log  *zap.Logger
}

type sshrepoProviderModel struct {
	Protocol           types.String                `tfsdk:"protocol"`
	Host               types.String                `tfsdk:"host"`
	Port               types.Int64                 `tfsdk:"port"`
	User               types.String                `tfsdk:"user"`
	Password           types.String                `tfsdk:"password"`
	KeyFile            types.String                `tfsdk:"key_file"`
	KeyFilePassword    types.String                `tfsdk:"key_file_password"`
	PassFile           types.String                `tfsdk:"pass_file"`
	AllowAgent         types.Bool                  `tfsdk:"allow_agent"`
	SSHConfig          types.String                `tfsdk:"ssh_config"`
	KnownHosts         types.String                `tfsdk:"known_hosts"`
	ListCommand        types.String                `tfsdk:"list_command"`
	ExistCommand       types.String                `tfsdk:"exist_command"`
	CreateDirCommand   types.String                `tfsdk:"create_dir_command"`
	RemoveCommand      types.String                `tfsdk:"remove_command"`
	FileSeparator      types.String                `tfsdk:"file_separator"`
	PublishPermissions localtypes.PublishModeValue `tfsdk:"publish_permissions"`
}

func (p *sshrepoProvider) Metadata(ctx context.Context, req provider.MetadataRequest, resp *provider.MetadataResponse) {
	resp.TypeName = "sshrepo"
	resp.Version = p.version
}

func (p *sshrepoProvider) Configure(ctx context.Context, req provider.ConfigureRequest, resp *provider.ConfigureResponse) {
	var config sshrepoProviderModel

	diags := req.Config.Get(ctx, &config)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	log, err := logger.New(os.Getenv(LogLevelEnv), false)
	if err != nil {
		resp.Diagnostics.AddWarning("Invalid log level",
			fmt.Sprintf("%s: %s, falling back to %q", LogLevelEnv, err, logger.DefaultLevel))
		log, _ = logger.New(logger.DefaultLevel, false)
	}

	cfg := config.repositoryConfig()
	creds := credentials.NewCache(passFileProvider(cfg.PassFile, log), credentials.WithLogger(log))

	repo, err := repository.New(config.protocol(), cfg,
		repository.WithCredentials(creds),
		repository.WithLogger(log))
	if err != nil {
		resp.Diagnostics.AddError(
			"Invalid sshrepo provider configuration",
			fmt.Sprintf("Original Error: %s", err),
		)
		return
	}

	data := &providerData{repo: repo, log: log}
	resp.ResourceData = data
	resp.DataSourceData = data
}

func (p *sshrepoProvider) DataSources(ctx context.Context) []func() datasource.DataSource {
	return []func() datasource.DataSource{
		NewArtifactDataSource,
		NewListingDataSource,
	}
}

func (p *sshrepoProvider) Resources(ctx context.Context) []func() resource.Resource {
	return []func() resource.Resource{
		NewArtifactResource,
	}
}

func (p *sshrepoProvider) Schema(ctx context.Context, req provider.SchemaRequest, resp *provider.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Provider for publishing and fetching artifacts on a repository reachable over SSH.",
		Attributes: map[string]schema.Attribute{
			"protocol": schema.StringAttribute{
				Description: "Transport used to move files: `ssh` (remote copy protocol) or `sftp`. Defaults to `ssh`.",
				Optional:    true,
				Validators: []validator.String{
					stringvalidator.OneOf(repository.SchemeSSH, repository.SchemeSFTP),
				},
			},
			"host": schema.StringAttribute{
				Description: "The repository host. May be omitted when every path is an URI " +
					"or when the ssh config file names the host.",
				Optional: true,
			},
			"port": schema.Int64Attribute{
				Description: "The port of the remote SSH server. Defaults to 22.",
				Optional:    true,
				Validators: []validator.Int64{
					int64validator.Between(1, 65535),
				},
			},
			"user": schema.StringAttribute{
				Description: "The username for SSH authentication. Looked up in the pass file when omitted.",
				Optional:    true,
			},
			"password": schema.StringAttribute{
				Description: "The password for SSH authentication.",
				Optional:    true,
				Sensitive:   true,
			},
			"key_file": schema.StringAttribute{
				Description: "The path to the SSH private key for authentication.",
				Optional:    true,
			},
			"key_file_password": schema.StringAttribute{
				Description: "Passphrase of an encrypted `key_file`.",
				Optional:    true,
				Sensitive:   true,
				Validators: []validator.String{
					stringvalidator.AlsoRequires(path.MatchRoot("key_file")),
				},
			},
			"pass_file": schema.StringAttribute{
				Description: "YAML file holding `username` and `passwd`, consulted when user or password is missing. " +
					"It is removed when a connection using it fails.",
				Optional: true,
			},
			"allow_agent": schema.BoolAttribute{
				Description: "Offer the keys of the running ssh-agent.",
				Optional:    true,
			},
			"ssh_config": schema.StringAttribute{
				Description: "Path to an ssh config file supplying Hostname, User, Port and IdentityFile per host alias.",
				Optional:    true,
			},
			"known_hosts": schema.StringAttribute{
				Description: "Path to a known_hosts file used to verify host keys. " +
					"When unset, any host key is accepted.",
				Optional: true,
			},
			"list_command": schema.StringAttribute{
				Description: commandDescription("List a directory", repository.DefaultListCommand),
				Optional:    true,
			},
			"exist_command": schema.StringAttribute{
				Description: commandDescription("Check that a path exists", repository.DefaultExistCommand),
				Optional:    true,
			},
			"create_dir_command": schema.StringAttribute{
				Description: commandDescription("Create a directory", repository.DefaultCreateDirCommand),
				Optional:    true,
			},
			"remove_command": schema.StringAttribute{
				Description: commandDescription("Remove a file", repository.DefaultRemoveCommand),
				Optional:    true,
			},
			"file_separator": schema.StringAttribute{
				Description: "Path separator on the remote host. Defaults to `/`.",
				Optional:    true,
				Validators: []validator.String{
					stringvalidator.LengthBetween(1, 1),
				},
			},
			"publish_permissions": schema.StringAttribute{
				CustomType: localtypes.NewPublishModeType(),
				Description: "Mode of published files, expressed as a four digit string such as `\"0644\"`. " +
					"When unset the server decides.",
				Optional: true,
			},
		},
	}
}

func commandDescription(what, def string) string {
	return fmt.Sprintf("%s on the remote host. `%s` is replaced by the quoted path; "+
		"without it the path is appended. Defaults to `%s`.", what, repository.ArgumentPlaceholder, def)
}

func (m sshrepoProviderModel) protocol() string {
	if m.Protocol.IsNull() || m.Protocol.IsUnknown() || m.Protocol.ValueString() == "" {
		return repository.SchemeSSH
	}
	return m.Protocol.ValueString()
}

func (m sshrepoProviderModel) repositoryConfig() repository.Config {
	cfg := repository.Config{
		Host:               m.Host.ValueString(),
		User:               m.User.ValueString(),
		Password:           m.Password.ValueString(),
		KeyFile:            m.KeyFile.ValueString(),
		KeyFilePassword:    m.KeyFilePassword.ValueString(),
		PassFile:           m.PassFile.ValueString(),
		AllowAgent:         m.AllowAgent.ValueBool(),
		SSHConfig:          m.SSHConfig.ValueString(),
		KnownHosts:         m.KnownHosts.ValueString(),
		ListCommand:        m.ListCommand.ValueString(),
		ExistCommand:       m.ExistCommand.ValueString(),
		CreateDirCommand:   m.CreateDirCommand.ValueString(),
		RemoveCommand:      m.RemoveCommand.ValueString(),
		FileSeparator:      m.FileSeparator.ValueString(),
		PublishPermissions: m.PublishPermissions.ValueString(),
	}
	if !m.Port.IsNull() && !m.Port.IsUnknown() {
		cfg.Port = int(m.Port.ValueInt64())
	}
	return cfg
}

// passFileProvider answers credential lookups from the pass file only; the
// provider never has a terminal to prompt on.
func passFileProvider(passFile string, log *zap.Logger) credentials.Provider {
	return credentials.ProviderFunc(func(host, user string) (credentials.Credential, bool) {
		if passFile == "" {
			return credentials.Credential{}, false
		}
		c := credentials.LoadPassFile(passFile, credentials.Credential{Host: host, User: user}, log)
		if c.Password == "" {
			return credentials.Credential{}, false
		}
		return c, true
	})
}

func providerDataFrom(data any) (*providerData, error) {
	if data == nil {
		return nil, nil
	}
	pd, ok := data.(*providerData)
	if !ok {
		return nil, fmt.Errorf("expected *providerData, got: %T. Please report this issue to the provider developers", data)
	}
	return pd, nil
}

type fileChecksums struct {
	md5Hex       string
	sha1Hex      string
	sha256Hex    string
	sha256Base64 string
	sha512Hex    string
	sha512Base64 string
}

func genFileChecksums(data []byte) fileChecksums {
	var checksums fileChecksums

	md5Sum := md5.Sum(data)
	checksums.md5Hex = hex.EncodeToString(md5Sum[:])

	sha1Sum := sha1.Sum(data)
	checksums.sha1Hex = hex.EncodeToString(sha1Sum[:])

	sha256Sum := sha256.Sum256(data)
	checksums.sha256Hex = hex.EncodeToString(sha256Sum[:])
	checksums.sha256Base64 = base64.StdEncoding.EncodeToString(sha256Sum[:])

	sha512Sum := sha512.Sum512(data)
	checksums.sha512Hex = hex.EncodeToString(sha512Sum[:])
	checksums.sha512Base64 = base64.StdEncoding.EncodeToString(sha512Sum[:])

	return checksums
}
