package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Validation keywords reported in ValidationError.Keyword.
const (
	KeywordType    = "type"
	KeywordPattern = "pattern"
)

// ValidationError is one machine-readable validation failure.
type ValidationError struct {
	Keyword      string `json:"keyword"`
	InstancePath string `json:"instancePath"`
	Message      string `json:"message"`
}

// SchemaLoadError means the schema itself could not be compiled.
type SchemaLoadError struct {
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("schema load: %s: %v", e.Message, e.Cause)
	}
	return "schema load: " + e.Message
}

func (e *SchemaLoadError) Unwrap() error { return e.Cause }

// Validator compiles schema trees into checkers.
type Validator interface {
	Compile(root *ObjectNode) (Checker, error)
}

// Checker validates documents against one compiled schema.
type Checker interface {
	Validate(doc any) ([]ValidationError, error)
}

// JSONSchemaValidator implements Validator on top of gojsonschema.
type JSONSchemaValidator struct{}

// NewValidator returns the default validator.
func NewValidator() JSONSchemaValidator { return JSONSchemaValidator{} }

// Compile implements Validator.
func (JSONSchemaValidator) Compile(root *ObjectNode) (Checker, error) {
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, &SchemaLoadError{Message: "marshal schema", Cause: err}
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &SchemaLoadError{Message: "compile schema", Cause: err}
	}
	return &compiled{schema: s}, nil
}

type compiled struct {
	schema *gojsonschema.Schema
}

// Validate returns every validation error for doc; an empty result means valid.
func (c *compiled) Validate(doc any) ([]ValidationError, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal document: %w", err)
	}
	res, err := c.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema: validate: %w", err)
	}
	if res.Valid() {
		return nil, nil
	}

	out := make([]ValidationError, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		out = append(out, ValidationError{
			Keyword:      keywordFor(re.Type()),
			InstancePath: instancePath(re.Context()),
			Message:      re.Description(),
		})
	}
	return out, nil
}

// keywordFor maps gojsonschema error types onto schema keywords.
func keywordFor(errType string) string {
	switch errType {
	case "invalid_type":
		return KeywordType
	case "does_not_match_pattern":
		return KeywordPattern
	default:
		return errType
	}
}

// instancePath converts "(root)/address/zip" into "/address/zip".
func instancePath(ctx *gojsonschema.JsonContext) string {
	if ctx == nil {
		return ""
	}
	return strings.TrimPrefix(ctx.String("/"), "(root)")
}

// PartitionTypeErrors splits errs into type mismatches and everything else.
func PartitionTypeErrors(errs []ValidationError) (typeErrs, others []ValidationError) {
	for _, e := range errs {
		if e.Keyword == KeywordType {
			typeErrs = append(typeErrs, e)
		} else {
			others = append(others, e)
		}
	}
	return typeErrs, others
}
