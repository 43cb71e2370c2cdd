package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
)

// Pattern validation error codes (E200-E209).
const (
	ErrUnknownOperator   = "E201" // $-key that is not a known operator
	ErrMalformedBoolean  = "E202" // $and/$or operand is not an array
	ErrBadOperand        = "E203" // operand has the wrong JSON type
	ErrInvalidRegex      = "E204" // $regex does not compile
	ErrPatternNotObject  = "E205" // if pattern is not an object
	ErrExceptionsNotList = "E206" // exceptions is not an array
)

// ValidationError describes the first problem found in a pattern.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a pattern strictly: unknown operators, malformed
// boolean composition, operands of the wrong type and invalid regular
// expressions are all errors. Keys are checked in sorted order so the
// reported error is deterministic.
func Validate(v jsonv.Value) error {
	return validateNode("$", v)
}

// ValidateRule checks a rule's if pattern and exception list. The if
// pattern must be an object (or absent) and exceptions an array (or
// absent).
func ValidateRule(ifJSON, exceptions jsonv.Value) error {
	switch ifJSON.(type) {
	case nil, jsonv.Null, jsonv.Object:
	default:
		return &ValidationError{Field: "if", Message: "must be an object, got " + jsonv.Kind(ifJSON), Code: ErrPatternNotObject}
	}
	if err := validateNode("if", ifJSON); err != nil {
		return err
	}

	switch ex := exceptions.(type) {
	case nil, jsonv.Null:
		return nil
	case jsonv.Array:
		for i, e := range ex {
			if err := validateNode(fmt.Sprintf("exceptions[%d]", i), e); err != nil {
				return err
			}
		}
		return nil
	default:
		return &ValidationError{Field: "exceptions", Message: "must be an array, got " + jsonv.Kind(exceptions), Code: ErrExceptionsNotList}
	}
}

func validateNode(path string, v jsonv.Value) error {
	obj, ok := v.(jsonv.Object)
	if !ok {
		// Arrays and scalars are literals.
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.HasPrefix(k, "$") {
			if err := validateOperator(path, k, obj[k]); err != nil {
				return err
			}
			continue
		}
		if err := validateNode(path+"."+k, obj[k]); err != nil {
			return err
		}
	}
	return nil
}

func validateOperator(path, name string, operand jsonv.Value) error {
	field := path + "." + name
	bad := func(want string) error {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("operand must be %s, got %s", want, jsonv.Kind(operand)),
			Code:    ErrBadOperand,
		}
	}

	switch name {
	case KeyAnd, KeyOr:
		arr, ok := operand.(jsonv.Array)
		if !ok {
			return &ValidationError{Field: field, Message: "operand must be an array of patterns, got " + jsonv.Kind(operand), Code: ErrMalformedBoolean}
		}
		for i, e := range arr {
			if err := validateNode(fmt.Sprintf("%s[%d]", field, i), e); err != nil {
				return err
			}
		}
		return nil
	case KeyNot:
		return validateNode(field, operand)
	case OpExists:
		if _, ok := operand.(jsonv.Bool); !ok {
			return bad("a bool")
		}
	case OpIn, OpNin:
		if _, ok := operand.(jsonv.Array); !ok {
			return bad("an array")
		}
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := operand.(jsonv.Number); !ok {
			return bad("a number")
		}
	case OpRegex:
		s, ok := operand.(jsonv.String)
		if !ok {
			return bad("a string")
		}
		if _, err := regexp.Compile(string(s)); err != nil {
			return &ValidationError{Field: field, Message: err.Error(), Code: ErrInvalidRegex}
		}
	case OpEq, OpNe, OpContains:
	default:
		return &ValidationError{Field: field, Message: fmt.Sprintf("unknown operator %q", name), Code: ErrUnknownOperator}
	}
	return nil
}
