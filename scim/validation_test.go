package scim

import (
	"errors"
	"testing"
)

func TestValidatePatchOp(t *testing.T) {
	tests := []struct {
		name    string
		patch   *PatchOp
		wantErr bool
	}{
		{
			name: "valid",
			patch: &PatchOp{
				Schemas:    []string{SchemaPatchOp},
				Operations: []PatchOperation{{Op: "replace", Path: "active", Value: false}},
			},
		},
		{
			name:    "nil body",
			patch:   nil,
			wantErr: true,
		},
		{
			name: "missing schema",
			patch: &PatchOp{
				Operations: []PatchOperation{{Op: "replace", Path: "active", Value: false}},
			},
			wantErr: true,
		},
		{
			name: "no operations",
			patch: &PatchOp{
				Schemas: []string{SchemaPatchOp},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePatchOp(tt.patch)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("ValidatePatchOp: %v", err)
				}
				return
			}
			var serr *SCIMError
			if !errors.As(err, &serr) || serr.ScimType != ScimTypeInvalidSyntax {
				t.Fatalf("error = %v, want invalidSyntax", err)
			}
		})
	}
}
