package ingest

import (
	"errors"
	"fmt"

	"schemaflow/internal/schema"
)

// SchemaValidationError means a payload failed validation in a way the
// engine will not repair: a non-type error, or type errors while widening is
// disabled. Retrying the same payload fails identically.
type SchemaValidationError struct {
	Source  string
	Version int
	Errors  []schema.ValidationError
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("payload for %s does not match catalog v%d (%d errors)", e.Source, e.Version, len(e.Errors))
}

// WidenRevalidationError means the payload still failed after its type
// conflicts were widened.
type WidenRevalidationError struct {
	Source  string
	Version int
	Errors  []schema.ValidationError
}

func (e *WidenRevalidationError) Error() string {
	return fmt.Sprintf("payload for %s still invalid after widening to v%d (%d errors)", e.Source, e.Version, len(e.Errors))
}

// ValidationErrors returns the structured error list carried by err, and
// whether err is a payload rejection at all.
func ValidationErrors(err error) ([]schema.ValidationError, bool) {
	var sve *SchemaValidationError
	if errors.As(err, &sve) {
		return sve.Errors, true
	}
	var wre *WidenRevalidationError
	if errors.As(err, &wre) {
		return wre.Errors, true
	}
	return nil, false
}

// IsRejection reports whether err rejects the payload itself.
func IsRejection(err error) bool {
	_, ok := ValidationErrors(err)
	return ok
}
