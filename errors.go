package livedbmongo

import (
	"errors"
	"fmt"
)

// Error codes for the adapter's coded error taxonomy (spec section 7).
//
// Client errors (41xx) indicate the caller asked for something invalid;
// Internal errors (51xx) indicate the adapter observed the store in a
// state it cannot reconcile on its own.
const (
	CodeInvalidOpVersion             = 4101
	CodeInvalidCollectionName        = 4102
	CodeJSQueriesDisabled            = 4103
	CodeMapReduceDisabled            = 4104
	CodeAggregateDisabled            = 4105
	CodeLegacyQueryOperator          = 4106
	CodeMalformedQueryOperator       = 4107
	CodeMultipleCollectionOperations = 4108
	CodeMultipleCursorOperations     = 4109
	CodeCursorMethodAfterCollection  = 4110
	CodeQueryParseFailure            = 4111
	CodeAlreadyClosed                = 5101
	CodeMissingLastOperation         = 5102
	CodeMissingOps                   = 5103
)

// AdapterError is a coded error consumed by callers of the adapter. It
// matches spec section 7: a stable numeric code plus a human message.
type AdapterError struct {
	Code    int
	Message string
	// Cause, when set, is the underlying store error that triggered this
	// AdapterError. Callers should compare on Code, not on Cause.
	Cause error
}

func (e *AdapterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Unwrap exposes the underlying store error, if any, to errors.Is/As.
func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *AdapterError with the same code, so
// callers can write errors.Is(err, ErrAlreadyClosed) instead of comparing
// codes by hand.
func (e *AdapterError) Is(target error) bool {
	var other *AdapterError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

func newError(code int, message string) *AdapterError {
	return &AdapterError{Code: code, Message: message}
}

func wrapError(code int, message string, cause error) *AdapterError {
	return &AdapterError{Code: code, Message: message, Cause: cause}
}

// Sentinel errors for errors.Is comparisons. wrapError is used at the call
// site instead when a specific cause or value (e.g. the offending version
// number) should be attached to the returned instance.
var (
	// ErrInvalidOpVersion carries the code for an op.v that is not a
	// non-negative integer. Op.V is a uint64, so no adapter operation
	// returns it. The source's invalidOpVersionError constructor referenced an
	// undefined `op` variable (spec section 9 open question); this
	// implementation takes the offending version value directly via
	// invalidOpVersionError(v).
	ErrInvalidOpVersion = newError(CodeInvalidOpVersion, "invalid op version")

	// ErrInvalidCollectionName is returned for a collection named "system"
	// or starting with "o_" (reserved for op collections).
	ErrInvalidCollectionName = newError(CodeInvalidCollectionName, "invalid collection name")

	// ErrJSQueriesDisabled is returned for $where when AllowJSQueries is
	// false.
	ErrJSQueriesDisabled = newError(CodeJSQueriesDisabled, "$where queries are disabled")

	// ErrMapReduceDisabled is returned for $mapReduce when AllowJSQueries is
	// false.
	ErrMapReduceDisabled = newError(CodeMapReduceDisabled, "$mapReduce queries are disabled")

	// ErrAggregateDisabled is returned for $aggregate when
	// AllowAggregateQueries is false.
	ErrAggregateDisabled = newError(CodeAggregateDisabled, "$aggregate queries are disabled")

	// ErrLegacyQueryOperator is returned when a query uses the legacy
	// $query wrapper.
	ErrLegacyQueryOperator = newError(CodeLegacyQueryOperator, "legacy $query wrapper is not supported")

	// ErrMalformedQueryOperator is returned when a cursor transform
	// operator does not produce a valid cursor (spec section 4.6: "a
	// transform that returns no new cursor ... fails the query").
	ErrMalformedQueryOperator = newError(CodeMalformedQueryOperator, "malformed query operator")

	// ErrMultipleCollectionOperations is returned when a query specifies
	// more than one of $distinct/$aggregate/$mapReduce.
	ErrMultipleCollectionOperations = newError(CodeMultipleCollectionOperations, "at most one collection operation is allowed")

	// ErrMultipleCursorOperations is returned when a query specifies more
	// than one of $count/$explain/$map.
	ErrMultipleCursorOperations = newError(CodeMultipleCursorOperations, "at most one cursor operation is allowed")

	// ErrCursorMethodAfterCollection is returned when a query combines a
	// collection operation with any cursor transform or cursor operation.
	ErrCursorMethodAfterCollection = newError(CodeCursorMethodAfterCollection, "cursor methods cannot be combined with a collection operation")

	// ErrQueryParseFailure is returned for any other structurally invalid
	// query.
	ErrQueryParseFailure = newError(CodeQueryParseFailure, "failed to parse query")

	// ErrAlreadyClosed is returned by any operation after Close has
	// succeeded.
	ErrAlreadyClosed = newError(CodeAlreadyClosed, "adapter is already closed")

	// ErrMissingLastOperation is returned when a snapshot (deleted or not)
	// has no _o op link to walk. The source's getSnapshotOpLinkErorr (sic) was
	// a free function that referenced `this` (spec section 9 open
	// question); this implementation always returns this error regardless
	// of receiver.
	ErrMissingLastOperation = newError(CodeMissingLastOperation, "snapshot is missing its operation link")

	// ErrMissingOps is returned when the op log reader cannot reconstruct a
	// contiguous chain covering the requested version range.
	ErrMissingOps = newError(CodeMissingOps, "missing ops in requested version range")
)

// invalidOpVersionError reports that v is not a valid op version (must be a
// non-negative integer).
func invalidOpVersionError(v interface{}) *AdapterError {
	return wrapError(CodeInvalidOpVersion, fmt.Sprintf("invalid op version: %v", v), nil)
}

// invalidCollectionNameError reports that name is reserved.
func invalidCollectionNameError(name string) *AdapterError {
	return wrapError(CodeInvalidCollectionName, fmt.Sprintf("invalid collection name: %q", name), nil)
}
