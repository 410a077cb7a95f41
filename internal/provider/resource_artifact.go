package provider

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/booldefault"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/int64planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"go.uber.org/zap"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/repository"
)

var (
	_ resource.Resource              = (*artifactResource)(nil)
	_ resource.ResourceWithConfigure = (*artifactResource)(nil)
)

func NewArtifactResource() resource.Resource {
	return &artifactResource{}
}

type artifactResource struct {
	data *providerData
}

type artifactResourceModel struct {
	Destination         types.String `tfsdk:"destination"`
	Content             types.String `tfsdk:"content"`
	ContentBase64       types.String `tfsdk:"content_base64"`
	Source              types.String `tfsdk:"source"`
	Overwrite           types.Bool   `tfsdk:"overwrite"`
	ID                  types.String `tfsdk:"id"`
	ContentLength       types.Int64  `tfsdk:"content_length"`
	LastModified        types.String `tfsdk:"last_modified"`
	ContentMd5          types.String `tfsdk:"content_md5"`
	ContentSha1         types.String `tfsdk:"content_sha1"`
	ContentSha256       types.String `tfsdk:"content_sha256"`
	ContentBase64sha256 types.String `tfsdk:"content_base64sha256"`
	ContentSha512       types.String `tfsdk:"content_sha512"`
	ContentBase64sha512 types.String `tfsdk:"content_base64sha512"`
}

func (r *artifactResource) Configure(ctx context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
	data, err := providerDataFrom(req.ProviderData)
	if err != nil {
		resp.Diagnostics.AddError("Unexpected Resource Configure Type", err.Error())
		return
	}
	r.data = data
}

func (r *artifactResource) Metadata(ctx context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_artifact"
}

func (r *artifactResource) Schema(ctx context.Context, req resource.SchemaRequest, resp *resource.SchemaResponse) {
	replace := []planmodifier.String{stringplanmodifier.RequiresReplace()}
	computed := func(description string) schema.StringAttribute {
		return schema.StringAttribute{
			Description:   description,
			Computed:      true,
			PlanModifiers: []planmodifier.String{stringplanmodifier.UseStateForUnknown()},
		}
	}

	resp.Schema = schema.Schema{
		Description: "Publishes an artifact to the repository.",
		Attributes: map[string]schema.Attribute{
			"destination": schema.StringAttribute{
				Description: "Remote path, or URI of the provider's protocol, the artifact is published to.\n " +
					"Missing parent directories are created.",
				Required:      true,
				PlanModifiers: replace,
			},
			"content": schema.StringAttribute{
				Description: "Content to publish, expected to be a UTF-8 encoded string.\n " +
					"Exactly one of `content`, `content_base64` and `source` must be specified.",
				Optional:      true,
				PlanModifiers: replace,
				Validators: []validator.String{
					stringvalidator.ExactlyOneOf(
						path.MatchRoot("content_base64"),
						path.MatchRoot("source")),
				},
			},
			"content_base64": schema.StringAttribute{
				Description: "Content to publish, expected to be binary encoded as base64 string.\n " +
					"Exactly one of `content`, `content_base64` and `source` must be specified.",
				Optional:      true,
				PlanModifiers: replace,
				Validators: []validator.String{
					stringvalidator.ExactlyOneOf(
						path.MatchRoot("content"),
						path.MatchRoot("source")),
				},
			},
			"source": schema.StringAttribute{
				Description: "Path to a local file to publish.\n " +
					"Exactly one of `content`, `content_base64` and `source` must be specified.",
				Optional:      true,
				PlanModifiers: replace,
				Validators: []validator.String{
					stringvalidator.ExactlyOneOf(
						path.MatchRoot("content"),
						path.MatchRoot("content_base64")),
				},
			},
			"overwrite": schema.BoolAttribute{
				Description: "Replace an artifact already present at `destination`. Default value is `true`.",
				Optional:    true,
				Computed:    true,
				Default:     booldefault.StaticBool(true),
			},
			"id": computed("The hexadecimal encoding of the SHA1 checksum of the artifact content."),
			"content_length": schema.Int64Attribute{
				Description:   "Size of the published artifact in bytes, as reported by the repository.",
				Computed:      true,
				PlanModifiers: []planmodifier.Int64{int64planmodifier.UseStateForUnknown()},
			},
			"last_modified":        computed("Modification time reported by the repository, in RFC 3339 format."),
			"content_md5":          computed("MD5 checksum of artifact content."),
			"content_sha1":         computed("SHA1 checksum of artifact content."),
			"content_sha256":       computed("SHA256 checksum of artifact content."),
			"content_base64sha256": computed("Base64 encoded SHA256 checksum of artifact content."),
			"content_sha512":       computed("SHA512 checksum of artifact content."),
			"content_base64sha512": computed("Base64 encoded SHA512 checksum of artifact content."),
		},
	}
}

func (r *artifactResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var plan artifactResourceModel

	diags := req.Plan.Get(ctx, &plan)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}
	if r.unconfigured(&resp.Diagnostics) {
		return
	}

	if err := publishArtifact(ctx, r.data.repo, &plan); err != nil {
		resp.Diagnostics.AddError(
			"Publish artifact error",
			"An unexpected error occurred while publishing the artifact\n\n"+
				fmt.Sprintf("Original Error: %s", err),
		)
		return
	}

	diags = resp.State.Set(ctx, &plan)
	resp.Diagnostics.Append(diags...)
}

func (r *artifactResource) Read(ctx context.Context, req resource.ReadRequest, resp *resource.ReadResponse) {
	var state artifactResourceModel

	diags := req.State.Get(ctx, &state)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}
	if r.unconfigured(&resp.Diagnostics) {
		return
	}

	present, err := refreshArtifact(ctx, r.data.repo, &state)
	if err != nil {
		resp.Diagnostics.AddError(
			"Read artifact error",
			"An unexpected error occurred while reading the artifact\n\n"+
				fmt.Sprintf("Original Error: %s", err),
		)
		return
	}
	if !present {
		r.data.log.Info("artifact missing or changed, removing from state",
			zap.String("destination", state.Destination.ValueString()))
		resp.State.RemoveResource(ctx)
		return
	}

	diags = resp.State.Set(ctx, &state)
	resp.Diagnostics.Append(diags...)
}

func (r *artifactResource) Update(ctx context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	// Only overwrite can change in place, and it matters on create only.
	var plan artifactResourceModel

	resp.Diagnostics.Append(req.Plan.Get(ctx, &plan)...)

	if resp.Diagnostics.HasError() {
		return
	}

	resp.Diagnostics.Append(resp.State.Set(ctx, &plan)...)
}

func (r *artifactResource) Delete(ctx context.Context, req resource.DeleteRequest, resp *resource.DeleteResponse) {
	var destination string
	resp.Diagnostics.Append(req.State.GetAttribute(ctx, path.Root("destination"), &destination)...)
	if resp.Diagnostics.HasError() {
		return
	}
	if r.unconfigured(&resp.Diagnostics) {
		return
	}

	if err := r.data.repo.Delete(ctx, destination); err != nil {
		resp.Diagnostics.AddError(
			"Delete artifact error",
			"An unexpected error occurred while deleting the artifact\n\n"+
				fmt.Sprintf("Original Error: %s", err),
		)
		return
	}
}

func (r *artifactResource) unconfigured(diags *diag.Diagnostics) bool {
	if r.data != nil {
		return false
	}
	diags.AddError("Unconfigured provider", "The sshrepo provider was not configured before use.")
	return true
}

// publishArtifact uploads the planned content and fills the computed attributes.
func publishArtifact(ctx context.Context, repo repository.Repository, plan *artifactResourceModel) error {
	content, err := resolveArtifactContent(*plan)
	if err != nil {
		return fmt.Errorf("parse artifact content: %w", err)
	}

	local := plan.Source.ValueString()
	if plan.Source.IsNull() {
		staged, cleanup, err := stageContent(content)
		if err != nil {
			return err
		}
		defer cleanup()
		local = staged
	}

	destination := plan.Destination.ValueString()
	if err := repo.Put(ctx, local, destination, plan.Overwrite.ValueBool()); err != nil {
		return err
	}

	meta, err := repo.Probe(ctx, destination)
	if err != nil {
		return err
	}
	if !meta.Exists {
		return fmt.Errorf("artifact %s not found after upload", destination)
	}

	checksums := genFileChecksums(content)
	plan.ContentMd5 = types.StringValue(checksums.md5Hex)
	plan.ContentSha1 = types.StringValue(checksums.sha1Hex)
	plan.ContentSha256 = types.StringValue(checksums.sha256Hex)
	plan.ContentBase64sha256 = types.StringValue(checksums.sha256Base64)
	plan.ContentSha512 = types.StringValue(checksums.sha512Hex)
	plan.ContentBase64sha512 = types.StringValue(checksums.sha512Base64)
	plan.ID = types.StringValue(checksums.sha1Hex)
	setArtifactMetadata(plan, meta)
	return nil
}

// refreshArtifact reports whether the published artifact is still present
// with the recorded content.
func refreshArtifact(ctx context.Context, repo repository.Repository, state *artifactResourceModel) (bool, error) {
	destination := state.Destination.ValueString()

	meta, err := repo.Probe(ctx, destination)
	if err != nil {
		return false, err
	}
	if !meta.Exists {
		return false, nil
	}

	stream, err := repo.OpenStream(ctx, destination)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer stream.Close()

	h := sha1.New()
	if _, err := io.Copy(h, stream); err != nil {
		return false, err
	}
	if hex.EncodeToString(h.Sum(nil)) != state.ID.ValueString() {
		return false, nil
	}

	setArtifactMetadata(state, meta)
	return true, nil
}

func setArtifactMetadata(m *artifactResourceModel, meta repository.Metadata) {
	m.ContentLength = types.Int64Value(meta.ContentLength)
	m.LastModified = types.StringValue(formatTime(meta.LastModified))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveArtifactContent(plan artifactResourceModel) ([]byte, error) {
	if !plan.ContentBase64.IsNull() {
		return base64.StdEncoding.DecodeString(plan.ContentBase64.ValueString())
	}
	if !plan.Source.IsNull() {
		return os.ReadFile(plan.Source.ValueString())
	}
	return []byte(plan.Content.ValueString()), nil
}

// stageContent writes content to a temporary file the repository can upload.
func stageContent(content []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "sshrepo-artifact-*")
	if err != nil {
		return "", nil, fmt.Errorf("stage artifact content: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := f.Write(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("stage artifact content: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("stage artifact content: %w", err)
	}
	return f.Name(), cleanup, nil
}
