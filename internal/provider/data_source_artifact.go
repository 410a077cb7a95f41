package provider

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/repository"
)

var (
	_ datasource.DataSource              = (*artifactDataSource)(nil)
	_ datasource.DataSourceWithConfigure = (*artifactDataSource)(nil)
)

func NewArtifactDataSource() datasource.DataSource {
	return &artifactDataSource{}
}

type artifactDataSource struct {
	data *providerData
}

type artifactDataSourceModel struct {
	Source        types.String `tfsdk:"source"`
	ReadContent   types.Bool   `tfsdk:"read_content"`
	ID            types.String `tfsdk:"id"`
	Exists        types.Bool   `tfsdk:"exists"`
	ContentLength types.Int64  `tfsdk:"content_length"`
	LastModified  types.String `tfsdk:"last_modified"`
	Content       types.String `tfsdk:"content"`
}

func (d *artifactDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	data, err := providerDataFrom(req.ProviderData)
	if err != nil {
		resp.Diagnostics.AddError("Unexpected Data Source Configure Type", err.Error())
		return
	}
	d.data = data
}

func (d *artifactDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_artifact"
}

func (d *artifactDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Looks up an artifact in the repository. A missing artifact is not an error.",
		Attributes: map[string]schema.Attribute{
			"source": schema.StringAttribute{
				Description: "Remote path, or URI of the provider's protocol, of the artifact.",
				Required:    true,
			},
			"read_content": schema.BoolAttribute{
				Description: "Download the artifact into `content`. Default value is `false`.",
				Optional:    true,
			},
			"id": schema.StringAttribute{
				Description: "The artifact source.",
				Computed:    true,
			},
			"exists": schema.BoolAttribute{
				Description: "Whether the artifact was found.",
				Computed:    true,
			},
			"content_length": schema.Int64Attribute{
				Description: "Size of the artifact in bytes, 0 when it does not exist.",
				Computed:    true,
			},
			"last_modified": schema.StringAttribute{
				Description: "Modification time of the artifact in RFC 3339 format, empty when unknown.",
				Computed:    true,
			},
			"content": schema.StringAttribute{
				Description: "Artifact content when `read_content` is set, expected to be UTF-8.",
				Computed:    true,
			},
		},
	}
}

func (d *artifactDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var config artifactDataSourceModel

	resp.Diagnostics.Append(req.Config.Get(ctx, &config)...)
	if resp.Diagnostics.HasError() {
		return
	}
	if d.data == nil {
		resp.Diagnostics.AddError("Unconfigured provider", "The sshrepo provider was not configured before use.")
		return
	}

	if err := describeArtifact(ctx, d.data.repo, &config); err != nil {
		resp.Diagnostics.AddError(
			"Read artifact error",
			"An unexpected error occurred while probing the artifact\n\n"+
				fmt.Sprintf("Original Error: %s", err),
		)
		return
	}

	resp.Diagnostics.Append(resp.State.Set(ctx, &config)...)
}

// describeArtifact probes the artifact and copies its metadata, and
// optionally its content, into m.
func describeArtifact(ctx context.Context, repo repository.Repository, m *artifactDataSourceModel) error {
	source := m.Source.ValueString()
	meta, err := repo.Probe(ctx, source)
	if err != nil {
		return err
	}

	m.ID = types.StringValue(source)
	m.Exists = types.BoolValue(meta.Exists)
	m.ContentLength = types.Int64Value(meta.ContentLength)
	m.LastModified = types.StringValue(formatTime(meta.LastModified))
	m.Content = types.StringNull()

	if !meta.Exists || !m.ReadContent.ValueBool() {
		return nil
	}

	stream, err := repo.OpenStream(ctx, source)
	if err != nil {
		return err
	}
	defer stream.Close()

	content, err := io.ReadAll(stream)
	if err != nil {
		return err
	}
	m.Content = types.StringValue(string(content))
	return nil
}
