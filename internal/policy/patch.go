// Package policy merges the policy patches of matched rules into one
// effective execution policy.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
)

// Patch is the schema a rule's then_json must satisfy. Anything outside
// output, tool and extensions is rejected.
//
// Tool lists keep the difference between absent (nil) and empty: an
// explicit empty allow list allows nothing.
type Patch struct {
	Output     *OutputPatch   `json:"output,omitempty"`
	Tool       *ToolPatch     `json:"tool,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// OutputPatch constrains the agent's output.
type OutputPatch struct {
	Format *string `json:"format,omitempty"`
	Strict *bool   `json:"strict,omitempty"`
}

// ToolPatch is the tool sub-policy of one rule.
type ToolPatch struct {
	Allow  []string `json:"allow,omitempty"`
	Deny   []string `json:"deny,omitempty"`
	Prefer []string `json:"prefer,omitempty"`
}

// PatchError reports a then_json that does not satisfy the patch schema.
type PatchError struct {
	Reason string
}

// Error implements the error interface.
func (e *PatchError) Error() string {
	return "invalid policy patch: " + e.Reason
}

// ParsePatch decodes v strictly into a Patch. Null decodes to the empty
// patch. Unknown fields and wrong types are errors.
func ParsePatch(v jsonv.Value) (Patch, error) {
	var p Patch
	switch v.(type) {
	case nil, jsonv.Null:
		return p, nil
	case jsonv.Object:
	default:
		return p, &PatchError{Reason: "must be an object, got " + jsonv.Kind(v)}
	}

	data, err := jsonv.Marshal(v)
	if err != nil {
		return p, &PatchError{Reason: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, &PatchError{Reason: describeDecodeError(err)}
	}
	return p, nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("%s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	}
	return err.Error()
}

// ToolPatchOf extracts just the tool sub-policy of a then_json value. It
// is lenient: a value that fails ParsePatch yields nil, so a bad stored
// rule contributes nothing rather than failing a request.
func ToolPatchOf(v jsonv.Value) *ToolPatch {
	p, err := ParsePatch(v)
	if err != nil {
		return nil
	}
	return p.Tool
}
