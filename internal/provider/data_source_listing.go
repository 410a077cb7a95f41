package provider

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/repository"
)

var (
	_ datasource.DataSource              = (*listingDataSource)(nil)
	_ datasource.DataSourceWithConfigure = (*listingDataSource)(nil)
)

func NewListingDataSource() datasource.DataSource {
	return &listingDataSource{}
}

type listingDataSource struct {
	data *providerData
}

type listingDataSourceModel struct {
	Parent  types.String `tfsdk:"parent"`
	ID      types.String `tfsdk:"id"`
	Entries types.List   `tfsdk:"entries"`
}

func (d *listingDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	data, err := providerDataFrom(req.ProviderData)
	if err != nil {
		resp.Diagnostics.AddError("Unexpected Data Source Configure Type", err.Error())
		return
	}
	d.data = data
}

func (d *listingDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_listing"
}

func (d *listingDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Lists a directory of the repository with the configured list command, or over SFTP.",
		Attributes: map[string]schema.Attribute{
			"parent": schema.StringAttribute{
				Description: "Remote directory, or URI of the provider's protocol, to list.",
				Required:    true,
			},
			"id": schema.StringAttribute{
				Description: "The listed directory.",
				Computed:    true,
			},
			"entries": schema.ListAttribute{
				Description: "Entries in the order the server returned them.",
				ElementType: types.StringType,
				Computed:    true,
			},
		},
	}
}

func (d *listingDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var config listingDataSourceModel

	resp.Diagnostics.Append(req.Config.Get(ctx, &config)...)
	if resp.Diagnostics.HasError() {
		return
	}
	if d.data == nil {
		resp.Diagnostics.AddError("Unconfigured provider", "The sshrepo provider was not configured before use.")
		return
	}

	entries, err := listEntries(ctx, d.data.repo, config.Parent.ValueString())
	if err != nil {
		resp.Diagnostics.AddError(
			"List directory error",
			"An unexpected error occurred while listing the directory\n\n"+
				fmt.Sprintf("Original Error: %s", err),
		)
		return
	}

	list, diags := types.ListValueFrom(ctx, types.StringType, entries)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	config.ID = config.Parent
	config.Entries = list
	resp.Diagnostics.Append(resp.State.Set(ctx, &config)...)
}

// listEntries turns a failed remote listing, which the repository reports as
// nil, into an error.
func listEntries(ctx context.Context, repo repository.Repository, parent string) ([]string, error) {
	entries, err := repo.List(ctx, parent)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, fmt.Errorf("listing %s failed on the server", parent)
	}
	return entries, nil
}
