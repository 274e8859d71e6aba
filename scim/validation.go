package scim

import (
	"fmt"
	"slices"
)

// ValidatePatchOp checks the envelope of a PATCH body: the PatchOp schema
// URN must be present and the operation list non-empty. Per-operation
// semantics are enforced by the evaluator.
func ValidatePatchOp(patch *PatchOp) error {
	if patch == nil {
		return ErrInvalidSyntax("patch body cannot be empty")
	}
	if !slices.Contains(patch.Schemas, SchemaPatchOp) {
		return ErrInvalidSyntax(fmt.Sprintf("patch body requires the %s schema", SchemaPatchOp))
	}
	if len(patch.Operations) == 0 {
		return ErrInvalidSyntax("patch body requires at least one operation")
	}
	return nil
}
