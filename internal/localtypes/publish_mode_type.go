// Package localtypes holds custom Terraform attribute types.
package localtypes

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/attr/xattr"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types/basetypes"
	"github.com/hashicorp/terraform-plugin-go/tftypes"
)

var (
	_ basetypes.StringTypable     = PublishModeType{}
	_ basetypes.StringValuable    = PublishModeValue{}
	_ xattr.ValidateableAttribute = PublishModeValue{}
)

// PublishModeType is a string attribute holding the four digit octal mode
// given to published files, such as "0644".
type PublishModeType struct {
	basetypes.StringType
}

func NewPublishModeType() PublishModeType {
	return PublishModeType{}
}

func (t PublishModeType) String() string {
	return "PublishModeType"
}

func (t PublishModeType) ValueType(_ context.Context) attr.Value {
	return PublishModeValue{}
}

func (t PublishModeType) Equal(o attr.Type) bool {
	other, ok := o.(PublishModeType)
	if !ok {
		return false
	}
	return t.StringType.Equal(other.StringType)
}

func (t PublishModeType) ValueFromString(_ context.Context, in basetypes.StringValue) (basetypes.StringValuable, diag.Diagnostics) {
	return PublishModeValue{StringValue: in}, nil
}

func (t PublishModeType) ValueFromTerraform(ctx context.Context, in tftypes.Value) (attr.Value, error) {
	attrValue, err := t.StringType.ValueFromTerraform(ctx, in)
	if err != nil {
		return nil, err
	}

	stringValue, ok := attrValue.(basetypes.StringValue)
	if !ok {
		return nil, fmt.Errorf("unexpected value type of %T", attrValue)
	}

	stringValuable, diags := t.ValueFromString(ctx, stringValue)
	if diags.HasError() {
		return nil, fmt.Errorf("unexpected error converting StringValue to StringValuable: %v", diags)
	}

	return stringValuable, nil
}

type PublishModeValue struct {
	basetypes.StringValue
}

func NewPublishModeValue(mode string) PublishModeValue {
	return PublishModeValue{StringValue: basetypes.NewStringValue(mode)}
}

func (v PublishModeValue) Type(_ context.Context) attr.Type {
	return PublishModeType{}
}

func (v PublishModeValue) Equal(o attr.Value) bool {
	other, ok := o.(PublishModeValue)
	if !ok {
		return false
	}
	return v.StringValue.Equal(other.StringValue)
}

func (v PublishModeValue) ValidateAttribute(_ context.Context, req xattr.ValidateAttributeRequest, resp *xattr.ValidateAttributeResponse) {
	if v.IsNull() || v.IsUnknown() {
		return
	}

	mode := v.ValueString()
	if len(mode) != 4 {
		resp.Diagnostics.AddAttributeError(req.Path, "Invalid Publish Mode",
			fmt.Sprintf("string length should be 4, got %d (%q)", len(mode), mode))
		return
	}
	for _, c := range mode {
		if c < '0' || c > '7' {
			resp.Diagnostics.AddAttributeError(req.Path, "Invalid Publish Mode",
				fmt.Sprintf("bad mode permission %q: must be expressed in octal, e.g. 0644", mode))
			return
		}
	}
}
