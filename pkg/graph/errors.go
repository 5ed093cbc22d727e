package graph

import (
	"errors"
	"fmt"
)

var (
	ErrTypeNotFound    = errors.New("graph: type not found")
	ErrThingNotFound   = errors.New("graph: thing not found")
	ErrRuleNotFound    = errors.New("graph: rule not found")
	ErrGraphClosed     = errors.New("graph: transaction closed")
	ErrSchemaChanged   = errors.New("graph: schema changed by a concurrent transaction")
	ErrInvalidCommit   = errors.New("graph: commit validation failed")
	ErrTooManyTypes    = errors.New("graph: type id space exhausted")
	ErrInferredConcept = errors.New("graph: inferred concepts cannot be written")
	ErrUnstratifiable  = errors.New("graph: rule set is not stratified")
)

// SchemaError reports a violation of the schema by a write.
type SchemaError struct {
	Label  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("graph: schema violation on %s: %s", e.Label, e.Reason)
}

func schemaErrorf(label, format string, args ...any) error {
	return &SchemaError{Label: label, Reason: fmt.Sprintf(format, args...)}
}
